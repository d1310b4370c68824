package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cineverse-seat-lock/internal/middleware"
	"github.com/iliyamo/cineverse-seat-lock/internal/reservation"
)

// BookingHandler commits locks into bookings and reads them back.
type BookingHandler struct {
	Svc *reservation.Service
}

// NewBookingHandler constructs a BookingHandler.
func NewBookingHandler(svc *reservation.Service) *BookingHandler {
	if svc == nil {
		panic("nil service passed to NewBookingHandler")
	}
	return &BookingHandler{Svc: svc}
}

type paymentBody struct {
	Confirmed      bool   `json:"confirmed"`
	AmountCaptured int64  `json:"amount_captured"`
	Provider       string `json:"provider"`
	OrderID        string `json:"order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

type commitBody struct {
	OwnerToken string      `json:"owner_token"`
	SeatIDs    []string    `json:"seat_ids"`
	Amount     int64       `json:"amount"`
	Payment    paymentBody `json:"payment"`
}

// Commit handles POST /v1/showtimes/:id/bookings.  A valid bearer token
// attaches the user to the booking; guests book with their owner token only.
func (h *BookingHandler) Commit(c echo.Context) error {
	var body commitBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	b, err := h.Svc.CommitBooking(c.Request().Context(), reservation.CommitRequest{
		ShowtimeID: c.Param("id"),
		OwnerToken: ownerToken(c, body.OwnerToken),
		SeatIDs:    body.SeatIDs,
		Amount:     body.Amount,
		Payment: reservation.PaymentProof{
			Confirmed:      body.Payment.Confirmed,
			AmountCaptured: body.Payment.AmountCaptured,
			Provider:       body.Payment.Provider,
			OrderID:        body.Payment.OrderID,
			PaymentID:      body.Payment.PaymentID,
			Signature:      body.Payment.Signature,
		},
		UserID: middleware.UserID(c),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.Svc.Booking(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}
