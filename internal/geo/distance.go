package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
)

// EarthRadiusMeters is the mean radius of the spherical Earth approximation.
const EarthRadiusMeters = 6371000.0

const (
	indexTokenPrecision = 9
	metersPerDegreeLat  = math.Pi * EarthRadiusMeters / 180
)

var (
	// ErrInvalidLatitude indicates a latitude outside [-90, 90] or NaN.
	ErrInvalidLatitude = errors.New("geo: invalid latitude")
	// ErrInvalidLongitude indicates a longitude outside [-180, 180] or NaN.
	ErrInvalidLongitude = errors.New("geo: invalid longitude")
)

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate reports whether the coordinate lies within the valid ranges.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: %v", ErrInvalidLatitude, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: %v", ErrInvalidLongitude, c.Longitude)
	}
	return nil
}

// DistanceMeters returns the haversine great-circle distance between a and b.
// Out of range or NaN inputs propagate as NaN; callers validate ranges.
func DistanceMeters(a, b Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	deltaLat := toRadians(b.Latitude - a.Latitude)
	deltaLng := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(deltaLat / 2)
	sinLng := math.Sin(deltaLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// rounding can push h marginally past 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// IndexToken derives the spatial index token stored alongside a drop location.
func IndexToken(c Coordinate) string {
	return geohash.EncodeWithPrecision(c.Latitude, c.Longitude, indexTokenPrecision)
}

// Bounds is an axis-aligned latitude/longitude box.
type Bounds struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

// BoundsAround returns a box that contains every point within radiusMeters of
// center. The box is clamped to valid ranges; near the poles or across the
// antimeridian it widens to the full longitude range.
func BoundsAround(center Coordinate, radiusMeters float64) Bounds {
	deltaLat := radiusMeters / metersPerDegreeLat
	bounds := Bounds{
		MinLatitude:  math.Max(-90, center.Latitude-deltaLat),
		MaxLatitude:  math.Min(90, center.Latitude+deltaLat),
		MinLongitude: -180,
		MaxLongitude: 180,
	}

	cosLat := math.Cos(toRadians(center.Latitude))
	if bounds.MinLatitude <= -90 || bounds.MaxLatitude >= 90 || cosLat < 1e-9 {
		return bounds
	}
	deltaLng := radiusMeters / (metersPerDegreeLat * cosLat)
	if center.Longitude-deltaLng < -180 || center.Longitude+deltaLng > 180 {
		return bounds
	}
	bounds.MinLongitude = center.Longitude - deltaLng
	bounds.MaxLongitude = center.Longitude + deltaLng
	return bounds
}

// Contains reports whether c lies inside the box.
func (b Bounds) Contains(c Coordinate) bool {
	return c.Latitude >= b.MinLatitude && c.Latitude <= b.MaxLatitude &&
		c.Longitude >= b.MinLongitude && c.Longitude <= b.MaxLongitude
}

func toRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
