package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cineverse-seat-lock/internal/reservation"
)

// ShowtimeHandler serves catalog and seat map reads.
type ShowtimeHandler struct {
	Svc *reservation.Service
}

// NewShowtimeHandler constructs a ShowtimeHandler.
func NewShowtimeHandler(svc *reservation.Service) *ShowtimeHandler {
	if svc == nil {
		panic("nil service passed to NewShowtimeHandler")
	}
	return &ShowtimeHandler{Svc: svc}
}

// Get handles GET /v1/showtimes/:id.
func (h *ShowtimeHandler) Get(c echo.Context) error {
	st, err := h.Svc.Showtime(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// SeatMap handles GET /v1/showtimes/:id/seats.  Passing owner_token (query
// or X-Owner-Token header) flags the caller's own locked seats.
func (h *ShowtimeHandler) SeatMap(c echo.Context) error {
	m, err := h.Svc.SeatMap(c.Request().Context(), c.Param("id"), ownerToken(c, c.QueryParam("owner_token")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}
