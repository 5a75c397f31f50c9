package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/unearth/internal/accesslog"
	"github.com/MarcoPoloResearchLab/unearth/internal/accounts"
	"github.com/MarcoPoloResearchLab/unearth/internal/auth"
	"github.com/MarcoPoloResearchLab/unearth/internal/blobs"
	"github.com/MarcoPoloResearchLab/unearth/internal/database"
	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/hunts"
	"github.com/MarcoPoloResearchLab/unearth/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/unearth/internal/secrets"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
	"github.com/MarcoPoloResearchLab/unearth/internal/unlock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "router-secret"
	testIssuer        = "unearth"
	testCookieName    = "unearth_session"
)

type testApp struct {
	handler    http.Handler
	issuer     *auth.SessionIssuer
	blobs      *blobs.MemoryStore
	repository *drops.Repository
	accessLog  *accesslog.GormWriter
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "router.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	repository, err := drops.NewRepository(db)
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	writer, err := accesslog.NewGormWriter(db)
	if err != nil {
		t.Fatalf("failed to build access log: %v", err)
	}
	memberships, err := hunts.NewMembershipStore(db)
	if err != nil {
		t.Fatalf("failed to build membership store: %v", err)
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build account service: %v", err)
	}
	hasher, err := secrets.NewHasher(secrets.Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1})
	if err != nil {
		t.Fatalf("failed to build hasher: %v", err)
	}
	rateStore, err := ratelimit.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build rate store: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{Store: rateStore})
	if err != nil {
		t.Fatalf("failed to build limiter: %v", err)
	}
	addresses, err := ratelimit.NewAddressHasher("router-salt")
	if err != nil {
		t.Fatalf("failed to build address hasher: %v", err)
	}
	store := blobs.NewMemoryStore()

	unlockService, err := unlock.NewService(unlock.ServiceConfig{
		Drops:     repository,
		Verifier:  hasher,
		Limiter:   limiter,
		Addresses: addresses,
		Blobs:     store,
		AccessLog: writer,
		Accounts:  accountService,
	})
	if err != nil {
		t.Fatalf("failed to build unlock service: %v", err)
	}
	dropService, err := drops.NewService(drops.ServiceConfig{Repository: repository, Hasher: hasher, Blobs: store})
	if err != nil {
		t.Fatalf("failed to build drop service: %v", err)
	}
	huntService, err := hunts.NewService(hunts.ServiceConfig{Memberships: memberships, Catalog: repository})
	if err != nil {
		t.Fatalf("failed to build hunt service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions: validator,
		Accounts: accountService,
		Unlock:   unlockService,
		Drops:    dropService,
		Hunts:    huntService,
		Reader:   repository,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testApp{handler: handler, issuer: issuer, blobs: store, repository: repository, accessLog: writer}
}

func (a *testApp) token(t *testing.T, identity auth.Identity) string {
	t.Helper()
	token, _, err := a.issuer.Issue(identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (a *testApp) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	request.RemoteAddr = "198.51.100.20:40000"
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func (a *testApp) createDrop(t *testing.T, token string, payload map[string]interface{}) string {
	t.Helper()
	recorder := a.do(t, http.MethodPost, "/v1/drops", token, payload)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	return decode(t, recorder)["id"].(string)
}

func TestRouterUnlockFlow(t *testing.T) {
	app := newTestApp(t)
	owner := app.token(t, auth.Identity{UserID: "owner-1", DisplayName: "Ada", Tier: tiers.TierExplorer})

	dropID := app.createDrop(t, owner, map[string]interface{}{
		"title":             "Pineapple",
		"secret":            "pineapple",
		"latitude":          0,
		"longitude":         0,
		"geofence_radius_m": 100,
		"visibility":        "discoverable",
	})
	app.blobs.Put(drops.StoragePrefixFor(dropID) + "map.png")

	granted := app.do(t, http.MethodPost, "/v1/unlock/location", "", map[string]interface{}{
		"latitude": 0, "longitude": 0, "secret": "Pineapple ",
	})
	if granted.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", granted.Code, granted.Body.String())
	}
	body := decode(t, granted)
	if body["status"] != "granted" || body["drop_id"] != dropID {
		t.Fatalf("unexpected grant body %v", body)
	}
	if urls := body["download_urls"].([]interface{}); len(urls) != 1 {
		t.Fatalf("expected one download url, got %v", urls)
	}

	tooFar := app.do(t, http.MethodPost, "/v1/unlock/id", "", map[string]interface{}{
		"drop_id": dropID, "latitude": 1, "longitude": 1, "secret": "pineapple",
	})
	if tooFar.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", tooFar.Code, tooFar.Body.String())
	}
	farBody := decode(t, tooFar)
	if farBody["error"] != "too-far" || farBody["required_m"].(float64) != 100 || farBody["distance_m"].(float64) <= 100 {
		t.Fatalf("unexpected too-far body %v", farBody)
	}

	missing := app.do(t, http.MethodPost, "/v1/unlock/location", "", map[string]interface{}{
		"latitude": 0, "longitude": 0, "secret": "mango",
	})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}

	partial := app.do(t, http.MethodPost, "/v1/unlock/id", "", map[string]interface{}{
		"drop_id": dropID, "latitude": 1, "secret": "pineapple",
	})
	if partial.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a partial coordinate, got %d", partial.Code)
	}

	stored, err := app.repository.Get(context.Background(), dropID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Stats.UnlockCount != 1 {
		t.Fatalf("expected one unlock, got %d", stored.Stats.UnlockCount)
	}
	entries, err := app.accessLog.ListForDrop(context.Background(), dropID)
	if err != nil {
		t.Fatalf("list access log failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected success and too-far entries, got %d", len(entries))
	}
}

func TestRouterDisambiguationAndRateLimit(t *testing.T) {
	app := newTestApp(t)
	owner := app.token(t, auth.Identity{UserID: "owner-1", DisplayName: "Ada", Tier: tiers.TierExplorer})
	for _, longitude := range []float64{0, 0.0005} {
		app.createDrop(t, owner, map[string]interface{}{
			"title":             "Gold",
			"secret":            "gold",
			"latitude":          0,
			"longitude":         longitude,
			"geofence_radius_m": 50,
			"visibility":        "hidden",
		})
	}

	request := map[string]interface{}{"latitude": 0, "longitude": 0.00025, "secret": "gold"}
	listed := app.do(t, http.MethodPost, "/v1/unlock/location", "", request)
	if listed.Code != http.StatusMultipleChoices {
		t.Fatalf("expected 300, got %d: %s", listed.Code, listed.Body.String())
	}
	candidates := decode(t, listed)["candidates"].([]interface{})
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].(map[string]interface{})["owner_display_name"] != "Ada" {
		t.Fatalf("expected owner display name, got %v", candidates[0])
	}

	for attempt := 0; attempt < 4; attempt++ {
		app.do(t, http.MethodPost, "/v1/unlock/location", "", request)
	}
	limited := app.do(t, http.MethodPost, "/v1/unlock/location", "", request)
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRouterDropManagementRequiresSession(t *testing.T) {
	app := newTestApp(t)

	if recorder := app.do(t, http.MethodPost, "/v1/drops", "", map[string]interface{}{"title": "x"}); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	owner := app.token(t, auth.Identity{UserID: "owner-1", Tier: tiers.TierFree})
	invalid := app.do(t, http.MethodPost, "/v1/drops", owner, map[string]interface{}{
		"title": "Too wide", "secret": "s", "latitude": 0, "longitude": 0,
		"geofence_radius_m": 5000, "visibility": "hunt", "retrieval_mode": "physical",
	})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", invalid.Code, invalid.Body.String())
	}
	if violations := decode(t, invalid)["violations"].([]interface{}); len(violations) != 3 {
		t.Fatalf("expected 3 violations, got %v", violations)
	}

	dropID := app.createDrop(t, owner, map[string]interface{}{
		"title": "Mine", "secret": "s", "latitude": 0, "longitude": 0,
		"geofence_radius_m": 50, "visibility": "discoverable",
	})
	intruder := app.token(t, auth.Identity{UserID: "intruder"})
	if recorder := app.do(t, http.MethodDelete, "/v1/drops/"+dropID, intruder, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	if recorder := app.do(t, http.MethodGet, "/v1/drops/"+dropID, "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected public summary, got %d", recorder.Code)
	}
	if recorder := app.do(t, http.MethodDelete, "/v1/drops/"+dropID, owner, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder := app.do(t, http.MethodGet, "/v1/drops/"+dropID, owner, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestRouterHuntHints(t *testing.T) {
	app := newTestApp(t)
	owner := app.token(t, auth.Identity{UserID: "owner-1", Tier: tiers.TierExplorer})
	dropID := app.createDrop(t, owner, map[string]interface{}{
		"title": "Hunt", "secret": "s", "latitude": 0, "longitude": 0,
		"geofence_radius_m": 50, "visibility": "hunt", "hunt_code": "gold-rush", "hunt_difficulty": "beginner",
	})
	player := app.token(t, auth.Identity{UserID: "player-1"})
	hintPath := "/v1/drops/" + dropID + "/hint?lat=0&lng=0.0002"

	before := decode(t, app.do(t, http.MethodGet, hintPath, player, nil))
	if before["available"] != false {
		t.Fatalf("expected no hint before joining, got %v", before)
	}
	if recorder := app.do(t, http.MethodPost, "/v1/hunts/join", player, map[string]interface{}{"code": "GOLD-RUSH"}); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	after := decode(t, app.do(t, http.MethodGet, hintPath, player, nil))
	if after["available"] != true {
		t.Fatalf("expected hint after joining, got %v", after)
	}
	if anonymous := decode(t, app.do(t, http.MethodGet, hintPath, "", nil)); anonymous["available"] != false {
		t.Fatalf("expected anonymous callers to get no hint, got %v", anonymous)
	}
	if recorder := app.do(t, http.MethodPost, "/v1/hunts/join", player, map[string]interface{}{"code": "nope"}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown hunt, got %d", recorder.Code)
	}
}

func TestRouterTierLimitsAndHealth(t *testing.T) {
	app := newTestApp(t)
	if recorder := app.do(t, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decode(t, app.do(t, http.MethodGet, "/v1/tiers/explorer", "", nil))
	limits := body["limits"].(map[string]interface{})
	if limits["max_radius_m"].(float64) != 2000 {
		t.Fatalf("unexpected explorer limits %v", limits)
	}
	if recorder := app.do(t, http.MethodGet, "/v1/tiers/platinum", "", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestRouterRateLimitIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	app := newTestApp(t)
	body := `{"latitude":0,"longitude":0,"secret":"mango"}`

	codes := make([]int, 0, 6)
	for attempt := 0; attempt < 6; attempt++ {
		request := httptest.NewRequest(http.MethodPost, "/v1/unlock/location", bytes.NewBufferString(body))
		request.Header.Set("Content-Type", "application/json")
		request.RemoteAddr = "203.0.113.7:5123"
		request.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", attempt+1))
		request.Header.Set("X-Real-IP", fmt.Sprintf("10.0.1.%d", attempt+1))
		recorder := httptest.NewRecorder()
		app.handler.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
	}

	for index, code := range codes[:5] {
		if code != http.StatusNotFound {
			t.Fatalf("attempt %d: expected 404, got %d (all %v)", index+1, code, codes)
		}
	}
	if codes[5] != http.StatusTooManyRequests {
		t.Fatalf("expected the sixth attempt to be limited, got %v", codes)
	}
}

func TestRouterTrustedProxySetsClientAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorded := &addressRecorder{}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       stubSessionValidator{validateErr: auth.ErrMissingSessionToken},
		Unlock:         recorded,
		Drops:          &drops.Service{},
		Hunts:          &hunts.Service{},
		Reader:         &drops.Repository{},
		TrustedProxies: []string{"203.0.113.0/24"},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/v1/unlock/id", bytes.NewBufferString(`{"drop_id":"x","secret":"s"}`))
	request.Header.Set("Content-Type", "application/json")
	request.RemoteAddr = "203.0.113.7:5123"
	request.Header.Set("X-Forwarded-For", "198.51.100.9")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorded.address != "198.51.100.9" {
		t.Fatalf("expected forwarded address from a trusted proxy, got %q", recorded.address)
	}

	if _, err := NewHTTPHandler(Dependencies{
		Sessions:       stubSessionValidator{},
		Unlock:         &addressRecorder{},
		Drops:          &drops.Service{},
		Hunts:          &hunts.Service{},
		Reader:         &drops.Repository{},
		TrustedProxies: []string{"not-a-cidr"},
	}); err == nil {
		t.Fatalf("expected invalid proxy list to be rejected")
	}
}

func TestRouterPublicSummaryWithholdsHuntCode(t *testing.T) {
	app := newTestApp(t)
	owner := app.token(t, auth.Identity{UserID: "owner-1", Tier: tiers.TierExplorer})
	dropID := app.createDrop(t, owner, map[string]interface{}{
		"title": "Club", "secret": "s", "latitude": 0, "longitude": 0,
		"geofence_radius_m": 50, "visibility": "hunt", "hunt_code": "secret-club",
	})

	stranger := app.token(t, auth.Identity{UserID: "stranger"})
	for name, token := range map[string]string{"anonymous": "", "stranger": stranger} {
		recorder := app.do(t, http.MethodGet, "/v1/drops/"+dropID, token, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", name, recorder.Code)
		}
		body := decode(t, recorder)
		if _, leaked := body["hunt_code"]; leaked {
			t.Fatalf("%s: expected no hunt code, got %v", name, body["hunt_code"])
		}
		if _, leaked := body["location"]; leaked {
			t.Fatalf("%s: expected no location, got %v", name, body["location"])
		}
	}

	hint := decode(t, app.do(t, http.MethodGet, "/v1/drops/"+dropID+"/hint?lat=0&lng=0.0002", stranger, nil))
	if hint["available"] != false {
		t.Fatalf("expected no hint for a stranger who has not joined, got %v", hint)
	}

	own := decode(t, app.do(t, http.MethodGet, "/v1/drops/"+dropID, owner, nil))
	if own["hunt_code"] != "SECRET-CLUB" {
		t.Fatalf("expected the owner to see the hunt code, got %v", own["hunt_code"])
	}
}

func TestRouterHintConcealsHiddenDrops(t *testing.T) {
	app := newTestApp(t)
	owner := app.token(t, auth.Identity{UserID: "owner-1", Tier: tiers.TierExplorer})
	dropID := app.createDrop(t, owner, map[string]interface{}{
		"title": "Hidden", "secret": "s", "latitude": 0, "longitude": 0,
		"geofence_radius_m": 50, "visibility": "hidden",
	})
	stranger := app.token(t, auth.Identity{UserID: "stranger"})

	missing := app.do(t, http.MethodGet, "/v1/drops/does-not-exist/hint?lat=0&lng=0", stranger, nil)
	hidden := app.do(t, http.MethodGet, "/v1/drops/"+dropID+"/hint?lat=0&lng=0", stranger, nil)
	if missing.Code != http.StatusNotFound || hidden.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for both, got %d and %d", missing.Code, hidden.Code)
	}
	if missing.Body.String() != hidden.Body.String() {
		t.Fatalf("expected identical bodies, got %s and %s", missing.Body.String(), hidden.Body.String())
	}
	if anonymous := app.do(t, http.MethodGet, "/v1/drops/"+dropID+"/hint?lat=0&lng=0", "", nil); anonymous.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for anonymous callers, got %d", anonymous.Code)
	}

	own := app.do(t, http.MethodGet, "/v1/drops/"+dropID+"/hint?lat=0&lng=0", owner, nil)
	if own.Code != http.StatusOK || decode(t, own)["available"] != false {
		t.Fatalf("expected the owner to get an empty hint, got %d %s", own.Code, own.Body.String())
	}
}

func TestRouterLocationUnlockOfOwnerOnlyDropLooksLikeNoMatch(t *testing.T) {
	app := newTestApp(t)
	owner := app.token(t, auth.Identity{UserID: "owner-1", Tier: tiers.TierExplorer})
	app.createDrop(t, owner, map[string]interface{}{
		"title": "Mine", "secret": "pineapple", "latitude": 0, "longitude": 0,
		"geofence_radius_m": 50, "visibility": "discoverable", "access_scope": "owner-only",
	})

	refused := app.do(t, http.MethodPost, "/v1/unlock/location", "", map[string]interface{}{
		"latitude": 0, "longitude": 0, "secret": "pineapple",
	})
	missing := app.do(t, http.MethodPost, "/v1/unlock/location", "", map[string]interface{}{
		"latitude": 0, "longitude": 0, "secret": "mango",
	})
	if refused.Code != http.StatusNotFound || missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for both, got %d and %d", refused.Code, missing.Code)
	}
	if refused.Body.String() != missing.Body.String() {
		t.Fatalf("expected identical bodies, got %s and %s", refused.Body.String(), missing.Body.String())
	}
}

// addressRecorder keeps the client address it was handed.
type addressRecorder struct {
	address string
}

func (r *addressRecorder) UnlockByLocation(_ context.Context, request unlock.LocationRequest) (unlock.Result, error) {
	r.address = request.Requester.Address
	return unlock.Result{}, errors.New("recorded")
}

func (r *addressRecorder) UnlockByID(_ context.Context, request unlock.IDRequest) (unlock.Result, error) {
	r.address = request.Requester.Address
	return unlock.Result{}, errors.New("recorded")
}
