package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cineverse-seat-lock/internal/config"
	"github.com/iliyamo/cineverse-seat-lock/internal/handler"
	"github.com/iliyamo/cineverse-seat-lock/internal/hub"
	"github.com/iliyamo/cineverse-seat-lock/internal/locktable"
	"github.com/iliyamo/cineverse-seat-lock/internal/middleware"
	"github.com/iliyamo/cineverse-seat-lock/internal/model"
	"github.com/iliyamo/cineverse-seat-lock/internal/repository"
	"github.com/iliyamo/cineverse-seat-lock/internal/reservation"
	"github.com/iliyamo/cineverse-seat-lock/internal/router"
	"github.com/iliyamo/cineverse-seat-lock/internal/utils"
)

const jwtSecret = "handler-secret"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// brokenInventory fails every catalog read.
type brokenInventory struct {
	*repository.MemoryInventory
}

func (brokenInventory) Showtime(context.Context, string) (*model.Showtime, error) {
	return nil, errors.New("connection refused")
}

type env struct {
	e     *echo.Echo
	svc   *reservation.Service
	hub   *hub.Hub
	clock *clock
}

type envConfig struct {
	wrap   func(*repository.MemoryInventory) reservation.Inventory
	buffer int
}

type envOption func(*envConfig)

func withInventory(wrap func(*repository.MemoryInventory) reservation.Inventory) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

func withHubBuffer(n int) envOption {
	return func(c *envConfig) { c.buffer = n }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{buffer: 256}
	for _, o := range opts {
		o(&cfg)
	}
	clk := &clock{now: time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)}
	inv := repository.NewMemoryInventory()
	st, seats := repository.DemoShowtime(clk.Now())
	require.NoError(t, inv.UpsertShowtime(context.Background(), st, seats))

	var store reservation.Inventory = inv
	if cfg.wrap != nil {
		store = cfg.wrap(inv)
	}
	h := hub.New(hub.WithBuffer(cfg.buffer))
	t.Cleanup(h.Close)
	svc := reservation.NewService(
		locktable.NewMemory(locktable.WithClock(clk.Now)),
		store,
		reservation.WithClock(clk.Now),
		reservation.WithPublisher(h),
	)

	e := echo.New()
	e.HideBanner = true
	lh := handler.NewLockHandler(svc)
	lh.Now = clk.Now
	router.RegisterRoutes(e, nil)
	router.RegisterPublic(e, handler.NewShowtimeHandler(svc),
		handler.NewRealtimeHandler(svc, h, 50*time.Millisecond, time.Second, nil),
		middleware.NewRedisCache(config.CacheConfig{}, nil, nil))
	router.RegisterLocks(e, lh, jwtSecret, middleware.NewRateLimiter(config.RateLimitConfig{}, nil, nil).Middleware())
	router.RegisterBookings(e, handler.NewBookingHandler(svc), jwtSecret)
	return &env{e: e, svc: svc, hub: h, clock: clk}
}

func (v *env) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	v.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func bearer(t *testing.T, sub, role string) string {
	tok, err := utils.NewAccessToken(jwtSecret, sub, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

type lockResp struct {
	LockID    string               `json:"lock_id"`
	ExpiresAt time.Time            `json:"expires_at"`
	Granted   []string             `json:"granted"`
	Conflicts []locktable.Conflict `json:"conflicts"`
}

type errResp struct {
	Error   string                    `json:"error"`
	Message string                    `json:"message"`
	Seats   []reservation.SeatFailure `json:"seats"`
}

func lockSeats(t *testing.T, v *env, owner string, seats ...string) *httptest.ResponseRecorder {
	return v.do(t, http.MethodPost, "/v1/showtimes/500/locks", echo.Map{"owner_token": owner, "seat_ids": seats})
}

func payment(id string, amount int64) echo.Map {
	return echo.Map{"confirmed": true, "amount_captured": amount, "provider": "test", "order_id": "o-" + id, "payment_id": id}
}

func TestHealth(t *testing.T) {
	v := newEnv(t)
	rec := v.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = v.do(t, http.MethodGet, "/healthz/redis", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLockPartialGrantAndConflict(t *testing.T) {
	v := newEnv(t)

	rec := lockSeats(t, v, "owner-a", "A1", "A2")
	require.Equal(t, http.StatusOK, rec.Code)
	var first lockResp
	decode(t, rec, &first)
	assert.NotEmpty(t, first.LockID)
	assert.ElementsMatch(t, []string{"A1", "A2"}, first.Granted)
	assert.Equal(t, v.clock.Now().Add(180*time.Second), first.ExpiresAt.UTC())

	rec = lockSeats(t, v, "owner-b", "A2", "A3")
	require.Equal(t, http.StatusOK, rec.Code)
	var second lockResp
	decode(t, rec, &second)
	assert.Equal(t, []string{"A3"}, second.Granted)
	assert.Equal(t, []locktable.Conflict{{SeatID: "A2", Reason: locktable.ReasonLockedByOther}}, second.Conflicts)

	rec = lockSeats(t, v, "owner-c", "A1", "A3")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var none lockResp
	decode(t, rec, &none)
	assert.Empty(t, none.Granted)
	assert.Len(t, none.Conflicts, 2)
}

func TestLockValidation(t *testing.T) {
	v := newEnv(t)

	rec := lockSeats(t, v, "owner-a")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errResp
	decode(t, rec, &body)
	assert.Equal(t, "invalid_request", body.Error)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/999/locks", echo.Map{"owner_token": "o", "seat_ids": []string{"A1"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = lockSeats(t, v, "owner-a", "Z99")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	decode(t, rec, &body)
	require.Len(t, body.Seats, 1)
	assert.Equal(t, "Z99", body.Seats[0].SeatID)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks", echo.Map{"owner_token": "o", "seat_ids": []string{"A1"}, "ttl_ms": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOwnerTokenHeader(t *testing.T) {
	v := newEnv(t)
	rec := v.do(t, http.MethodPost, "/v1/showtimes/500/locks", echo.Map{"seat_ids": []string{"B1"}}, "X-Owner-Token", "hdr-owner")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = v.do(t, http.MethodGet, "/v1/showtimes/500/seats", nil, "X-Owner-Token", "hdr-owner")
	require.Equal(t, http.StatusOK, rec.Code)
	var m model.SeatMap
	decode(t, rec, &m)
	for _, s := range m.Seats {
		if s.SeatID == "B1" {
			assert.Equal(t, model.SeatLocked, s.Status)
			assert.True(t, s.Mine)
		}
	}
	assert.Equal(t, 1, m.Locked)
	assert.Len(t, m.Sections, 2)
}

func TestExtendAndExpiry(t *testing.T) {
	v := newEnv(t)
	require.Equal(t, http.StatusOK, lockSeats(t, v, "owner-a", "C1").Code)

	v.clock.Advance(170 * time.Second)
	rec := v.do(t, http.MethodPost, "/v1/showtimes/500/locks/extend", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"C1"}, "ttl_ms": 120000})
	require.Equal(t, http.StatusOK, rec.Code)
	var ext struct {
		ExpiresAt time.Time `json:"expires_at"`
		Extended  []string  `json:"extended"`
	}
	decode(t, rec, &ext)
	assert.Equal(t, []string{"C1"}, ext.Extended)
	assert.Equal(t, v.clock.Now().Add(120*time.Second), ext.ExpiresAt.UTC())

	v.clock.Advance(121 * time.Second)
	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/extend", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"C1"}})
	assert.Equal(t, http.StatusGone, rec.Code)
	var body errResp
	decode(t, rec, &body)
	assert.Equal(t, "lock_expired", body.Error)
}

func TestShortTTLLapsesOnTime(t *testing.T) {
	v := newEnv(t)
	rec := v.do(t, http.MethodPost, "/v1/showtimes/500/locks", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"C2"}, "ttl_ms": 5000})
	require.Equal(t, http.StatusOK, rec.Code)
	var lr lockResp
	decode(t, rec, &lr)
	assert.Equal(t, v.clock.Now().Add(5*time.Second), lr.ExpiresAt.UTC())

	v.clock.Advance(6 * time.Second)
	rec = v.do(t, http.MethodGet, "/v1/showtimes/500/seats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m model.SeatMap
	decode(t, rec, &m)
	assert.Zero(t, m.Locked)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"C2"}, "ttl_ms": 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/404/locks/extend", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"C2"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseRoutes(t *testing.T) {
	v := newEnv(t)
	rec := lockSeats(t, v, "owner-a", "D1", "D2", "D3")
	var lr lockResp
	decode(t, rec, &lr)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/release", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"D1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"released":["D1"]}`, rec.Body.String())

	// a stranger's release is a no-op, not an error
	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/release", echo.Map{"owner_token": "owner-b"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"released":[]}`, rec.Body.String())

	rec = v.do(t, http.MethodDelete, "/v1/showtimes/500/locks/"+lr.LockID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rel struct {
		Released []string `json:"released"`
	}
	decode(t, rec, &rel)
	assert.ElementsMatch(t, []string{"D2", "D3"}, rel.Released)

	rec = v.do(t, http.MethodDelete, "/v1/showtimes/500/locks/"+lr.LockID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/release", echo.Map{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateLocksRoute(t *testing.T) {
	v := newEnv(t)
	rec := lockSeats(t, v, "owner-a", "E1", "E2")
	require.Equal(t, http.StatusOK, rec.Code)
	var lr lockResp
	decode(t, rec, &lr)
	require.Equal(t, http.StatusOK, lockSeats(t, v, "owner-b", "E3").Code)

	type validation struct {
		Valid        bool                      `json:"valid"`
		InvalidSeats []reservation.SeatFailure `json:"invalid_seats"`
		Reason       string                    `json:"reason"`
		LockID       string                    `json:"lock_id"`
	}

	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/validate", echo.Map{"seat_ids": []string{"E1", "E2"}}, "X-Owner-Token", "owner-a")
	require.Equal(t, http.StatusOK, rec.Code)
	var ok validation
	decode(t, rec, &ok)
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.InvalidSeats)
	assert.Equal(t, lr.LockID, ok.LockID)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/validate", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"E1", "E3"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var bad validation
	decode(t, rec, &bad)
	assert.False(t, bad.Valid)
	assert.Equal(t, []reservation.SeatFailure{{SeatID: "E3", Reason: locktable.ReasonLockedByOther}}, bad.InvalidSeats)
	assert.NotEmpty(t, bad.Reason)

	// validating does not pin the lock, so the owner can still let it go
	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/release", echo.Map{"owner_token": "owner-a"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"released":["E1","E2"]}`, rec.Body.String())

	rec = v.do(t, http.MethodPost, "/v1/showtimes/500/locks/validate", echo.Map{"owner_token": "owner-a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = v.do(t, http.MethodPost, "/v1/showtimes/404/locks/validate", echo.Map{"owner_token": "owner-a", "seat_ids": []string{"E1"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommitBooking(t *testing.T) {
	v := newEnv(t)
	require.Equal(t, http.StatusOK, lockSeats(t, v, "owner-a", "A5", "A6").Code)

	rec := v.do(t, http.MethodPost, "/v1/showtimes/500/bookings", echo.Map{
		"owner_token": "owner-a",
		"seat_ids":    []string{"A5", "A6"},
		"amount":      70000,
		"payment":     payment("pay_1", 70000),
	}, "Authorization", bearer(t, "user-9", "CUSTOMER"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b model.Booking
	decode(t, rec, &b)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "user-9", b.UserID)
	assert.ElementsMatch(t, []string{"A5", "A6"}, b.SeatIDs)

	rec = v.do(t, http.MethodGet, "/v1/bookings/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = lockSeats(t, v, "owner-b", "A5")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var lr lockResp
	decode(t, rec, &lr)
	assert.Equal(t, []locktable.Conflict{{SeatID: "A5", Reason: locktable.ReasonBooked}}, lr.Conflicts)

	rec = v.do(t, http.MethodGet, "/v1/bookings/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommitErrorStatuses(t *testing.T) {
	v := newEnv(t)
	require.Equal(t, http.StatusOK, lockSeats(t, v, "owner-a", "E1").Code)

	commit := func(owner string, seats []string, pay echo.Map, headers ...string) *httptest.ResponseRecorder {
		return v.do(t, http.MethodPost, "/v1/showtimes/500/bookings", echo.Map{
			"owner_token": owner, "seat_ids": seats, "amount": 25000, "payment": pay,
		}, headers...)
	}

	rec := commit("owner-a", []string{"E1"}, echo.Map{"confirmed": false, "payment_id": "p0"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = commit("owner-b", []string{"E1"}, payment("p1", 25000))
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errResp
	decode(t, rec, &body)
	assert.Equal(t, "seat_unavailable", body.Error)
	assert.Equal(t, []reservation.SeatFailure{{SeatID: "E1", Reason: locktable.ReasonLockedByOther}}, body.Seats)

	rec = commit("owner-b", []string{"E2"}, payment("p2", 25000))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = commit("owner-a", []string{"E1"}, payment("p3", 25000), "Authorization", "Bearer nonsense")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	v.clock.Advance(181 * time.Second)
	rec = commit("owner-a", []string{"E1"}, payment("p4", 25000))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestListLocksRequiresAdmin(t *testing.T) {
	v := newEnv(t)
	require.Equal(t, http.StatusOK, lockSeats(t, v, "owner-a", "F1", "F2").Code)

	assert.Equal(t, http.StatusUnauthorized, v.do(t, http.MethodGet, "/v1/showtimes/500/locks", nil).Code)
	assert.Equal(t, http.StatusForbidden, v.do(t, http.MethodGet, "/v1/showtimes/500/locks", nil,
		"Authorization", bearer(t, "u", "CUSTOMER")).Code)

	v.clock.Advance(30 * time.Second)
	rec := v.do(t, http.MethodGet, "/v1/showtimes/500/locks", nil, "Authorization", bearer(t, "admin", "ADMIN"))
	require.Equal(t, http.StatusOK, rec.Code)
	var locks []struct {
		LockID     string   `json:"lock_id"`
		OwnerToken string   `json:"owner_token"`
		SeatIDs    []string `json:"seat_ids"`
		TTLMs      int64    `json:"ttl_ms"`
	}
	decode(t, rec, &locks)
	require.Len(t, locks, 1)
	assert.Equal(t, "owner-a", locks[0].OwnerToken)
	assert.ElementsMatch(t, []string{"F1", "F2"}, locks[0].SeatIDs)
	assert.Equal(t, int64(150000), locks[0].TTLMs)
}

func TestShowtimeDetail(t *testing.T) {
	v := newEnv(t)
	rec := v.do(t, http.MethodGet, "/v1/showtimes/500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st model.Showtime
	decode(t, rec, &st)
	assert.Equal(t, int64(35000), st.Prices["premium"])

	assert.Equal(t, http.StatusNotFound, v.do(t, http.MethodGet, "/v1/showtimes/404", nil).Code)
}

func TestTransientStoreIsRetryable(t *testing.T) {
	v := newEnv(t, withInventory(func(m *repository.MemoryInventory) reservation.Inventory { return brokenInventory{m} }))
	rec := v.do(t, http.MethodGet, "/v1/showtimes/500", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body errResp
	decode(t, rec, &body)
	assert.Equal(t, "transient_store_error", body.Error)
	assert.NotContains(t, body.Message, "connection refused")
}
