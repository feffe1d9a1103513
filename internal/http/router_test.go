// README: End-to-end HTTP tests over the gin router with in-memory stores.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rideflow/internal/clock"
	apihttp "rideflow/internal/http"
	"rideflow/internal/infra"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/policy"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// tokenVerifier treats "uid" or "uid:role" as a verified token.
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	if raw == "bad" {
		return nil, errors.New("bad token")
	}
	uid, role, _ := strings.Cut(raw, ":")
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &infra.FirebaseToken{UID: uid, Claims: claims}, nil
}

type memTokens struct{ m map[types.ID]string }

func (s *memTokens) Token(_ context.Context, id types.ID) (string, error) { return s.m[id], nil }
func (s *memTokens) SetToken(_ context.Context, id types.ID, tok string) error {
	s.m[id] = tok
	return nil
}

type testAPI struct {
	router   *gin.Engine
	clk      *clock.Fake
	registry *driver.MemoryRegistry
	tokens   *memTokens
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewFake(t0)
	log := zap.NewNop()
	policies := policy.NewService(policy.NewMemoryStore(), log)
	if err := policies.Seed(context.Background(), policy.Default()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	bookings := booking.NewService(booking.NewMemoryStore(), clk, log)
	registry := driver.NewMemoryRegistry()
	drivers := driver.NewService(registry, clk, log)
	scheduler := dispatch.NewScheduler(bookings, drivers, policies, nil, nil, clk, log)
	rides := ride.NewService(bookings, drivers, policies, scheduler, nil, clk, log)
	tokens := &memTokens{m: map[types.ID]string{}}
	router := apihttp.NewRouter(apihttp.RouterDeps{
		Rides:    rides,
		Drivers:  drivers,
		Policies: policies,
		Tokens:   tokens,
		Verifier: tokenVerifier{},
		Clock:    clk,
		Log:      log,
	})
	return &testAPI{router: router, clk: clk, registry: registry, tokens: tokens}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (a *testAPI) createBooking(t *testing.T, passenger string) string {
	t.Helper()
	w, body := a.do(t, http.MethodPost, "/api/passenger/bookings", passenger, map[string]any{
		"pickup_at":  t0.Add(time.Hour),
		"total_cost": map[string]any{"amount": 320, "currency": "TWD"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	return body["booking_id"].(string)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w, _ := a.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	a := newTestAPI(t)
	if w, _ := a.do(t, http.MethodPost, "/api/passenger/bookings", "", map[string]any{}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w, _ := a.do(t, http.MethodPost, "/api/passenger/bookings", "bad", map[string]any{}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRoleGates(t *testing.T) {
	a := newTestAPI(t)
	if w, _ := a.do(t, http.MethodPost, "/api/driver/online", "p1", nil); w.Code != http.StatusForbidden {
		t.Fatalf("passenger reached driver route: %d", w.Code)
	}
	if w, _ := a.do(t, http.MethodGet, "/api/admin/policy", "d1:driver", nil); w.Code != http.StatusForbidden {
		t.Fatalf("driver reached admin route: %d", w.Code)
	}
	if w, _ := a.do(t, http.MethodPost, "/api/passenger/bookings", "d1:driver", map[string]any{"pickup_at": t0}); w.Code != http.StatusForbidden {
		t.Fatalf("driver reached passenger route: %d", w.Code)
	}
}

func TestTripOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	if w, body := a.do(t, http.MethodPost, "/api/driver/online", "d1:driver", nil); w.Code != http.StatusOK || body["status"] != "available" {
		t.Fatalf("online: %d %v", w.Code, body)
	}
	id := a.createBooking(t, "p1")

	// Other passengers cannot see the booking.
	if w, _ := a.do(t, http.MethodGet, "/api/passenger/bookings/"+id, "p2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign booking visible: %d", w.Code)
	}

	w, body := a.do(t, http.MethodPost, "/api/passenger/bookings/"+id+"/confirm", "p1", nil)
	if w.Code != http.StatusOK || body["status"] != "finding_driver" {
		t.Fatalf("confirm: %d %v", w.Code, body)
	}

	w, offer := a.do(t, http.MethodGet, "/api/driver/offer", "d1:driver", nil)
	if w.Code != http.StatusOK || offer["booking_id"] != id {
		t.Fatalf("offer: %d %v", w.Code, offer)
	}
	if offer["expires_in"].(float64) != 15 {
		t.Fatalf("expires_in = %v", offer["expires_in"])
	}
	attempt := offer["attempt_id"].(string)

	if w, _ := a.do(t, http.MethodPost, "/api/driver/offers/"+attempt+"/respond", "d1:driver", map[string]any{"booking_id": id}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing accept: %d", w.Code)
	}
	w, body = a.do(t, http.MethodPost, "/api/driver/offers/"+attempt+"/respond", "d1:driver", map[string]any{"booking_id": id, "accept": true})
	if w.Code != http.StatusOK || body["status"] != "driver_assigned" {
		t.Fatalf("accept: %d %v", w.Code, body)
	}
	if w, _ := a.do(t, http.MethodPost, "/api/driver/offers/"+attempt+"/respond", "d1:driver", map[string]any{"booking_id": id, "accept": true}); w.Code != http.StatusConflict {
		t.Fatalf("second accept: %d", w.Code)
	}
	if w, _ := a.do(t, http.MethodPost, "/api/driver/offline", "d1:driver", nil); w.Code != http.StatusConflict {
		t.Fatalf("busy driver went offline: %d", w.Code)
	}

	for _, step := range []string{"depart", "arrive", "start", "complete"} {
		w, body := a.do(t, http.MethodPost, "/api/driver/bookings/"+id+"/"+step, "d1:driver", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %v", step, w.Code, body)
		}
	}
	w, body = a.do(t, http.MethodGet, "/api/passenger/bookings/"+id, "p1", nil)
	if w.Code != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("final view: %d %v", w.Code, body)
	}

	w, body = a.do(t, http.MethodGet, "/api/admin/bookings/"+id+"/history", "ops:admin", nil)
	if w.Code != http.StatusOK || len(body["events"].([]any)) != 6 {
		t.Fatalf("history: %d %v", w.Code, body)
	}
	w, body = a.do(t, http.MethodGet, "/api/admin/bookings/"+id+"/attempts", "ops:admin", nil)
	if w.Code != http.StatusOK || len(body["attempts"].([]any)) != 1 {
		t.Fatalf("attempts: %d %v", w.Code, body)
	}
}

func TestCancelLimitMapsTo429(t *testing.T) {
	a := newTestAPI(t)
	for i := 0; i < 5; i++ {
		id := a.createBooking(t, "p1")
		if w, body := a.do(t, http.MethodPost, "/api/passenger/bookings/"+id+"/cancel", "p1", map[string]any{"reason": "changed plans"}); w.Code != http.StatusOK || body["status"] != "cancelled" {
			t.Fatalf("cancel %d: %d %v", i, w.Code, body)
		}
	}
	id := a.createBooking(t, "p1")
	w, body := a.do(t, http.MethodPost, "/api/passenger/bookings/"+id+"/cancel", "p1", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %v", w.Code, body)
	}
	if _, ok := body["code"]; ok {
		t.Fatalf("passenger saw the error code: %v", body)
	}
}

func TestActiveLimitAndValidation(t *testing.T) {
	a := newTestAPI(t)
	if w, _ := a.do(t, http.MethodPost, "/api/passenger/bookings", "p1", map[string]any{"total_cost": map[string]any{"amount": 1}}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing pickup_at: %d", w.Code)
	}
	for i := 0; i < 3; i++ {
		a.createBooking(t, "p1")
	}
	w, _ := a.do(t, http.MethodPost, "/api/passenger/bookings", "p1", map[string]any{"pickup_at": t0.Add(time.Hour)})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestAdminPolicy(t *testing.T) {
	a := newTestAPI(t)
	w, doc := a.do(t, http.MethodGet, "/api/admin/policy", "ops:admin", nil)
	if w.Code != http.StatusOK || doc["max_rematch_attempts"].(float64) != 3 {
		t.Fatalf("get policy: %d %v", w.Code, doc)
	}

	doc["max_rematch_attempts"] = 11
	doc["driver_response_timeout_sec"] = 5
	w, body := a.do(t, http.MethodPut, "/api/admin/policy", "ops:admin", doc)
	if w.Code != http.StatusUnprocessableEntity || body["code"] != "policy_out_of_range" {
		t.Fatalf("out of range: %d %v", w.Code, body)
	}
	fields := body["fields"].(map[string]any)
	if _, ok := fields["MaxRematchAttempts"]; !ok {
		t.Fatalf("fields %v", fields)
	}
	if _, ok := fields["DriverResponseTimeout"]; !ok {
		t.Fatalf("fields %v", fields)
	}

	doc["max_rematch_attempts"] = 5
	doc["driver_response_timeout_sec"] = 20
	w, body = a.do(t, http.MethodPut, "/api/admin/policy", "ops:admin", doc)
	if w.Code != http.StatusOK || body["max_rematch_attempts"].(float64) != 5 {
		t.Fatalf("update: %d %v", w.Code, body)
	}
	if body["version"].(float64) <= doc["version"].(float64) {
		t.Fatalf("version not bumped: %v", body["version"])
	}
}

func TestAdminOverrideAndRefund(t *testing.T) {
	a := newTestAPI(t)
	id := a.createBooking(t, "p1")
	if w, _ := a.do(t, http.MethodPost, "/api/admin/bookings/"+id+"/override", "ops:admin", map[string]any{"status": "completed", "reason": "test"}); w.Code != http.StatusConflict {
		t.Fatalf("illegal override: %d", w.Code)
	}
	w, body := a.do(t, http.MethodPost, "/api/admin/bookings/"+id+"/override", "ops:admin", map[string]any{"status": "cancelled", "reason": "fraud check"})
	if w.Code != http.StatusOK || body["status"] != "cancelled" {
		t.Fatalf("override: %d %v", w.Code, body)
	}
	w, body = a.do(t, http.MethodPost, "/api/admin/bookings/"+id+"/refund", "ops:admin", nil)
	if w.Code != http.StatusOK || body["status"] != "refunded" || body["payment_status"] != "refunded" {
		t.Fatalf("refund: %d %v", w.Code, body)
	}
}

func TestDeviceToken(t *testing.T) {
	a := newTestAPI(t)
	if w, _ := a.do(t, http.MethodPut, "/api/devices/token", "p1", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty token: %d", w.Code)
	}
	if w, _ := a.do(t, http.MethodPut, "/api/devices/token", "p1", map[string]any{"token": "fcm-abc"}); w.Code != http.StatusNoContent {
		t.Fatalf("put token: %d", w.Code)
	}
	if a.tokens.m["p1"] != "fcm-abc" {
		t.Fatalf("token not stored")
	}
}
