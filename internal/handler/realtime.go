package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cineverse-seat-lock/internal/hub"
	"github.com/iliyamo/cineverse-seat-lock/internal/model"
	"github.com/iliyamo/cineverse-seat-lock/internal/reservation"
)

// Frame types exchanged on the seat stream.
const (
	frameConnected  = "connected"
	framePing       = "ping"
	framePong       = "pong"
	frameSnapshot   = "snapshot"
	frameSeatUpdate = "seat_update"
	frameError      = "error"
)

// frame is a control or snapshot message.  Only the fields of its type are
// set.
type frame struct {
	Type       string         `json:"type"`
	ShowtimeID string         `json:"showtime_id,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	SeatMap    *model.SeatMap `json:"seatmap,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// seatUpdate is one delta.  Revision 0 marks an unordered change.
type seatUpdate struct {
	Type       string           `json:"type"`
	ShowtimeID string           `json:"showtime_id"`
	SeatID     string           `json:"seat_id"`
	Status     model.SeatStatus `json:"status"`
	Reason     string           `json:"reason"`
	Revision   int64            `json:"revision"`
	At         time.Time        `json:"at"`
}

// clientMessage is what viewers send: ping or snapshot requests.
type clientMessage struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	OwnerToken string `json:"owner_token"`
}

// RealtimeHandler streams seat deltas of one showtime over a websocket.
type RealtimeHandler struct {
	Svc          *reservation.Service
	Hub          *hub.Hub
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	Log          *zap.Logger

	upgrader websocket.Upgrader
}

// NewRealtimeHandler constructs a RealtimeHandler.
func NewRealtimeHandler(svc *reservation.Service, h *hub.Hub, heartbeat, writeTimeout time.Duration, log *zap.Logger) *RealtimeHandler {
	if svc == nil || h == nil {
		panic("nil dependency passed to NewRealtimeHandler")
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RealtimeHandler{
		Svc:          svc,
		Hub:          h,
		Heartbeat:    heartbeat,
		WriteTimeout: writeTimeout,
		Log:          log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Subscribe handles GET /v1/showtimes/:id/seats/ws.
//
// The viewer first receives a connected frame and a full snapshot, then
// seat_update deltas.  It is subscribed before the snapshot is read, so no
// change falls between the two; a delta may repeat what the snapshot
// already shows.  All writes happen on this goroutine.
func (h *RealtimeHandler) Subscribe(c echo.Context) error {
	showtimeID := c.Param("id")
	owner := ownerToken(c, c.QueryParam("owner_token"))
	if _, err := h.Svc.Showtime(c.Request().Context(), showtimeID); err != nil {
		return writeError(c, err)
	}

	sub, err := h.Hub.Subscribe(showtimeID)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "shutting_down", Message: err.Error()})
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered the client
		h.Log.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	log := h.Log.With(zap.String("showtime_id", showtimeID), zap.String("remote", c.RealIP()))
	log.Debug("viewer connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replies := make(chan frame, 8)
	readerDone := make(chan struct{})
	go h.read(ctx, conn, showtimeID, owner, replies, readerDone)

	if err := h.write(conn, frame{Type: frameConnected, ShowtimeID: showtimeID}); err != nil {
		return nil
	}
	if err := h.write(conn, h.snapshot(ctx, showtimeID, owner)); err != nil {
		return nil
	}

	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Events():
			if err := h.write(conn, seatUpdate{
				Type:       frameSeatUpdate,
				ShowtimeID: ev.ShowtimeID,
				SeatID:     ev.SeatID,
				Status:     ev.Status,
				Reason:     ev.Reason,
				Revision:   ev.Revision,
				At:         ev.At,
			}); err != nil {
				log.Debug("write failed; dropping viewer", zap.Error(err))
				return nil
			}
		case f := <-replies:
			if err := h.write(conn, f); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := h.write(conn, frame{Type: framePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return nil
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.WriteTimeout)); err != nil {
				return nil
			}
		case <-sub.Done():
			code, text := websocket.CloseGoingAway, "server shutting down"
			if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
				code, text = websocket.CloseTryAgainLater, "too slow, reconnect and snapshot"
			}
			log.Debug("closing viewer", zap.Int("code", code), zap.Error(sub.Err()))
			h.closeWith(conn, code, text)
			return nil
		case <-readerDone:
			log.Debug("viewer disconnected")
			return nil
		}
	}
}

// read consumes client frames until the connection fails.  The read
// deadline is pushed forward by every frame and every pong, so a viewer that
// stops answering heartbeats is dropped after two missed intervals.
func (h *RealtimeHandler) read(ctx context.Context, conn *websocket.Conn, showtimeID, owner string, replies chan<- frame, done chan<- struct{}) {
	defer close(done)
	wait := 2*h.Heartbeat + h.WriteTimeout
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		var reply frame
		switch msg.Type {
		case framePing:
			reply = frame{Type: framePong, Timestamp: msg.Timestamp}
		case frameSnapshot:
			o := owner
			if msg.OwnerToken != "" {
				o = msg.OwnerToken
			}
			reply = h.snapshot(ctx, showtimeID, o)
		default:
			reply = frame{Type: frameError, Message: "unknown message type"}
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *RealtimeHandler) snapshot(ctx context.Context, showtimeID, owner string) frame {
	m, err := h.Svc.SeatMap(ctx, showtimeID, owner)
	if err != nil {
		return frame{Type: frameError, Message: err.Error()}
	}
	return frame{Type: frameSnapshot, ShowtimeID: showtimeID, SeatMap: m}
}

func (h *RealtimeHandler) write(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
	return conn.WriteJSON(v)
}

func (h *RealtimeHandler) closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(h.WriteTimeout))
}
