package drops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/geo"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
)

func storedDrop(id string, location geo.Coordinate, createdAtMs int64) Drop {
	created := time.UnixMilli(createdAtMs).UTC()
	return Drop{
		ID:              id,
		OwnerID:         "owner-1",
		Title:           id,
		SecretDigest:    "digest",
		Location:        location,
		IndexToken:      geo.IndexToken(location),
		GeofenceRadiusM: 100,
		Visibility:      DiscoverableVisibility{},
		AccessScope:     ScopeShared,
		RetrievalMode:   RetrievalRemote,
		Tier:            tiers.TierFree,
		StoragePrefix:   StoragePrefixFor(id),
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestRepositoryFindWithinOrdersByCreation(t *testing.T) {
	repository := newTestRepository(t)
	ctx := context.Background()
	fixtures := []Drop{
		storedDrop("late", geo.Coordinate{Latitude: 0.0001, Longitude: 0}, 3000),
		storedDrop("early", geo.Coordinate{Latitude: 0, Longitude: 0.0001}, 1000),
		storedDrop("far", geo.Coordinate{Latitude: 10, Longitude: 10}, 2000),
	}
	for _, drop := range fixtures {
		if err := repository.Create(ctx, drop); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	found, err := repository.FindWithin(ctx, geo.BoundsAround(geo.Coordinate{}, 1000))
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(found) != 2 || found[0].ID != "early" || found[1].ID != "late" {
		t.Fatalf("unexpected drops: %+v", found)
	}
}

func TestRepositoryRecordUnlockCountsEveryCall(t *testing.T) {
	repository := newTestRepository(t)
	ctx := context.Background()
	if err := repository.Create(ctx, storedDrop("drop-1", geo.Coordinate{}, 1000)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	at := time.UnixMilli(5000).UTC()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repository.RecordUnlock(ctx, "drop-1", at); err != nil {
				t.Errorf("record unlock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	drop, err := repository.Get(ctx, "drop-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if drop.Stats.UnlockCount != 8 {
		t.Fatalf("expected 8 unlocks, got %d", drop.Stats.UnlockCount)
	}
	if drop.Stats.LastAccessedAt == nil || !drop.Stats.LastAccessedAt.Equal(at) {
		t.Fatalf("unexpected last accessed %v", drop.Stats.LastAccessedAt)
	}
	if err := repository.RecordUnlock(ctx, "missing", at); !errors.Is(err, ErrDropNotFound) {
		t.Fatalf("expected ErrDropNotFound, got %v", err)
	}
}

func TestRepositoryHuntCodeExists(t *testing.T) {
	repository := newTestRepository(t)
	ctx := context.Background()
	hunt, err := NewHuntVisibility("GOLD", DifficultyBeginner)
	if err != nil {
		t.Fatalf("unexpected hunt error: %v", err)
	}
	drop := storedDrop("hunt-1", geo.Coordinate{}, 1000)
	drop.Visibility = hunt
	if err := repository.Create(ctx, drop); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	exists, err := repository.HuntCodeExists(ctx, " gold ")
	if err != nil || !exists {
		t.Fatalf("expected hunt code to exist, got %v %v", exists, err)
	}
	exists, err = repository.HuntCodeExists(ctx, "SILVER")
	if err != nil || exists {
		t.Fatalf("expected unknown hunt code, got %v %v", exists, err)
	}
}

func TestRepositoryCreateWithinQuotaHoldsUnderConcurrency(t *testing.T) {
	repository := newTestRepository(t)
	ctx := context.Background()

	const creators = 6
	const limit = 2
	var wg sync.WaitGroup
	results := make([]error, creators)
	for index := 0; index < creators; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			drop := storedDrop("quota-"+string(rune('a'+index)), geo.Coordinate{}, int64(1000+index))
			results[index] = repository.CreateWithinQuota(ctx, drop, limit)
		}(index)
	}
	wg.Wait()

	created, refused := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrQuotaExceeded):
			refused++
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if created != limit || refused != creators-limit {
		t.Fatalf("expected %d created and %d refused, got %d and %d", limit, creators-limit, created, refused)
	}
	owned, err := repository.CountByOwner(ctx, "owner-1")
	if err != nil || owned != limit {
		t.Fatalf("expected %d stored drops, got %d (%v)", limit, owned, err)
	}
}
