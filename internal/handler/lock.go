package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
	"github.com/iliyamo/cineverse-seat-lock/internal/reservation"
)

// LockHandler serves the seat lock routes under /v1/showtimes/:id/locks.
type LockHandler struct {
	Svc *reservation.Service
	Now func() time.Time
}

// NewLockHandler constructs a LockHandler.
func NewLockHandler(svc *reservation.Service) *LockHandler {
	if svc == nil {
		panic("nil service passed to NewLockHandler")
	}
	return &LockHandler{Svc: svc, Now: time.Now}
}

type lockBody struct {
	OwnerToken string   `json:"owner_token"`
	SeatIDs    []string `json:"seat_ids"`
	TTLMs      int64    `json:"ttl_ms"`
}

type releaseBody struct {
	LockID     string   `json:"lock_id"`
	OwnerToken string   `json:"owner_token"`
	SeatIDs    []string `json:"seat_ids"`
}

// ownerToken prefers the body value and falls back to the X-Owner-Token header.
func ownerToken(c echo.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Request().Header.Get("X-Owner-Token")
}

// Lock handles POST /v1/showtimes/:id/locks.  Granted seats and conflicts
// come back together; a request where nothing was granted answers 409 with
// the same body so clients can show which seats were taken.
func (h *LockHandler) Lock(c echo.Context) error {
	var body lockBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.TTLMs < 0 {
		return badRequest(c, "ttl_ms must not be negative")
	}
	res, err := h.Svc.LockSeats(c.Request().Context(), reservation.LockRequest{
		ShowtimeID: c.Param("id"),
		OwnerToken: ownerToken(c, body.OwnerToken),
		SeatIDs:    body.SeatIDs,
		TTL:        time.Duration(body.TTLMs) * time.Millisecond,
	})
	if err != nil {
		return writeError(c, err)
	}
	if len(res.Granted) == 0 {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusOK, res)
}

// Extend handles POST /v1/showtimes/:id/locks/extend.
func (h *LockHandler) Extend(c echo.Context) error {
	var body lockBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := h.Svc.ExtendLock(c.Request().Context(), reservation.ExtendRequest{
		ShowtimeID: c.Param("id"),
		OwnerToken: ownerToken(c, body.OwnerToken),
		SeatIDs:    body.SeatIDs,
		TTL:        time.Duration(body.TTLMs) * time.Millisecond,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Release handles POST /v1/showtimes/:id/locks/release with either a lock id
// or an owner token and optional seats.  It only fails on malformed input.
func (h *LockHandler) Release(c echo.Context) error {
	var body releaseBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	req := reservation.UnlockRequest{ShowtimeID: c.Param("id"), LockID: body.LockID, SeatIDs: body.SeatIDs}
	if req.LockID == "" {
		req.OwnerToken = ownerToken(c, body.OwnerToken)
	}
	res, err := h.Svc.UnlockSeats(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Validate handles POST /v1/showtimes/:id/locks/validate.  It answers 200
// whether or not the seats are still held; clients read the valid flag.
func (h *LockHandler) Validate(c echo.Context) error {
	var body releaseBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := h.Svc.ValidateLocks(c.Request().Context(), reservation.ValidateRequest{
		ShowtimeID: c.Param("id"),
		OwnerToken: ownerToken(c, body.OwnerToken),
		SeatIDs:    body.SeatIDs,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ReleaseByID handles DELETE /v1/showtimes/:id/locks/:lock_id.
func (h *LockHandler) ReleaseByID(c echo.Context) error {
	res, err := h.Svc.UnlockSeats(c.Request().Context(), reservation.UnlockRequest{
		ShowtimeID: c.Param("id"),
		LockID:     c.Param("lock_id"),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// lockView is a live lock as shown to administrators.
type lockView struct {
	model.Lock
	TTLMs int64 `json:"ttl_ms"`
}

// List handles GET /v1/showtimes/:id/locks (ADMIN only).
func (h *LockHandler) List(c echo.Context) error {
	locks, err := h.Svc.Locks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	now := h.Now()
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockView{Lock: l, TTLMs: l.TTL(now).Milliseconds()})
	}
	return c.JSON(http.StatusOK, out)
}
