package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

// MySQLInventory is the durable seat inventory.  Seat status only moves
// from AVAILABLE to BOOKED, inside CommitBooking.
type MySQLInventory struct {
	db *sql.DB
}

// NewMySQLInventory returns an inventory bound to db.
func NewMySQLInventory(db *sql.DB) *MySQLInventory { return &MySQLInventory{db: db} }

// DB exposes the handle for health checks.
func (r *MySQLInventory) DB() *sql.DB { return r.db }

// Showtime loads a showtime with its price table.
func (r *MySQLInventory) Showtime(ctx context.Context, id string) (*model.Showtime, error) {
	const q = `SELECT id, movie_title, screen_name, starts_at, status FROM showtimes WHERE id = ?`
	var s model.Showtime
	err := r.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.MovieTitle, &s.ScreenName, &s.StartsAt, &s.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShowtimeNotFound
		}
		return nil, err
	}
	s.StartsAt = s.StartsAt.UTC()

	rows, err := r.db.QueryContext(ctx, `SELECT category, price_cents FROM showtime_prices WHERE showtime_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	s.Prices = make(map[string]int64)
	for rows.Next() {
		var cat string
		var price int64
		if err := rows.Scan(&cat, &price); err != nil {
			return nil, err
		}
		s.Prices[cat] = price
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Seats returns the seat map of a showtime ordered by row and number.
// ErrShowtimeNotFound is returned when the showtime has no seats and does
// not exist.
func (r *MySQLInventory) Seats(ctx context.Context, showtimeID string) ([]model.Seat, error) {
	const q = `SELECT seat_id, row_label, seat_number, category, status
               FROM showtime_seats
               WHERE showtime_id = ?
               ORDER BY row_label, seat_number`
	rows, err := r.db.QueryContext(ctx, q, showtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Seat
	for rows.Next() {
		var s model.Seat
		var status string
		if err := rows.Scan(&s.ID, &s.Row, &s.Number, &s.Category, &status); err != nil {
			return nil, err
		}
		s.Status = seatStatus(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		var one int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM showtimes WHERE id = ?`, showtimeID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShowtimeNotFound
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func seatStatus(db string) model.SeatStatus {
	if db == "BOOKED" {
		return model.SeatBooked
	}
	return model.SeatAvailable
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// CommitBooking writes the booking and flips its seats to BOOKED in one
// transaction.  Either every seat is booked or nothing is written: seats
// that are missing or already booked are reported in a *SeatsTakenError.
func (r *MySQLInventory) CommitBooking(ctx context.Context, b *model.Booking) error {
	if len(b.SeatIDs) == 0 {
		return errors.New("booking has no seats")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Lock the seat rows so concurrent commits on the same seats serialise.
	args := make([]interface{}, 0, len(b.SeatIDs)+1)
	args = append(args, b.ShowtimeID)
	for _, s := range b.SeatIDs {
		args = append(args, s)
	}
	q := `SELECT ss.seat_id, ss.status, COALESCE(p.price_cents, 0)
          FROM showtime_seats ss
          LEFT JOIN showtime_prices p ON p.showtime_id = ss.showtime_id AND p.category = ss.category
          WHERE ss.showtime_id = ? AND ss.seat_id IN (` + placeholders(len(b.SeatIDs)) + `)
          FOR UPDATE`
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	prices := make(map[string]int64, len(b.SeatIDs))
	var taken []string
	for rows.Next() {
		var seat, status string
		var price int64
		if err := rows.Scan(&seat, &status, &price); err != nil {
			rows.Close()
			return err
		}
		if status != "AVAILABLE" {
			taken = append(taken, seat)
			continue
		}
		prices[seat] = price
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, s := range b.SeatIDs {
		if _, ok := prices[s]; !ok && !contains(taken, s) {
			taken = append(taken, s)
		}
	}
	if len(taken) > 0 {
		sort.Strings(taken)
		return &SeatsTakenError{Seats: taken}
	}

	const insBooking = `INSERT INTO bookings (id, showtime_id, owner_token, user_id, amount_cents, payment_ref, committed_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insBooking,
		b.ID, b.ShowtimeID, b.OwnerToken, nullString(b.UserID), b.Amount, nullString(b.PaymentRef), b.CommittedAt.UTC(),
	); err != nil {
		return mapDuplicate(err)
	}

	ins := `INSERT INTO booking_seats (booking_id, showtime_id, seat_id, price_cents) VALUES `
	seatArgs := make([]interface{}, 0, len(b.SeatIDs)*4)
	for i, s := range b.SeatIDs {
		if i > 0 {
			ins += ","
		}
		ins += "(?, ?, ?, ?)"
		seatArgs = append(seatArgs, b.ID, b.ShowtimeID, s, prices[s])
	}
	if _, err := tx.ExecContext(ctx, ins, seatArgs...); err != nil {
		if isDuplicate(err) {
			return &SeatsTakenError{Seats: append([]string(nil), b.SeatIDs...)}
		}
		return err
	}

	upd := `UPDATE showtime_seats SET status = 'BOOKED', booking_id = ?, version = version + 1
            WHERE showtime_id = ? AND status = 'AVAILABLE' AND seat_id IN (` + placeholders(len(b.SeatIDs)) + `)`
	updArgs := append([]interface{}{b.ID}, args...)
	res, err := tx.ExecContext(ctx, upd, updArgs...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if int(n) != len(b.SeatIDs) {
		return &SeatsTakenError{Seats: append([]string(nil), b.SeatIDs...)}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// BookingByPaymentRef finds the booking created for a payment.
func (r *MySQLInventory) BookingByPaymentRef(ctx context.Context, ref string) (*model.Booking, error) {
	return r.booking(ctx, `payment_ref = ?`, ref)
}

// BookingByID loads a booking with its seats.
func (r *MySQLInventory) BookingByID(ctx context.Context, id string) (*model.Booking, error) {
	return r.booking(ctx, `id = ?`, id)
}

func (r *MySQLInventory) booking(ctx context.Context, where string, arg interface{}) (*model.Booking, error) {
	q := `SELECT id, showtime_id, owner_token, user_id, amount_cents, payment_ref, committed_at
          FROM bookings WHERE ` + where
	var b model.Booking
	var userID, paymentRef sql.NullString
	var committedAt time.Time
	err := r.db.QueryRowContext(ctx, q, arg).Scan(
		&b.ID, &b.ShowtimeID, &b.OwnerToken, &userID, &b.Amount, &paymentRef, &committedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	b.UserID = userID.String
	b.PaymentRef = paymentRef.String
	b.CommittedAt = committedAt.UTC()

	rows, err := r.db.QueryContext(ctx,
		`SELECT seat_id FROM booking_seats WHERE booking_id = ? ORDER BY seat_id`, b.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		b.SeatIDs = append(b.SeatIDs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertShowtime writes a showtime, its prices and its seats.  Existing
// seats keep their status.  Used for seeding.
func (r *MySQLInventory) UpsertShowtime(ctx context.Context, s *model.Showtime, seats []model.Seat) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	status := s.Status
	if status == "" {
		status = model.ShowtimeScheduled
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO showtimes (id, movie_title, screen_name, starts_at, status) VALUES (?, ?, ?, ?, ?)
         ON DUPLICATE KEY UPDATE movie_title = VALUES(movie_title), screen_name = VALUES(screen_name),
                                 starts_at = VALUES(starts_at), status = VALUES(status)`,
		s.ID, s.MovieTitle, s.ScreenName, s.StartsAt.UTC(), status,
	); err != nil {
		return err
	}
	for cat, price := range s.Prices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO showtime_prices (showtime_id, category, price_cents) VALUES (?, ?, ?)
             ON DUPLICATE KEY UPDATE price_cents = VALUES(price_cents)`,
			s.ID, cat, price,
		); err != nil {
			return err
		}
	}
	if len(seats) > 0 {
		q := `INSERT IGNORE INTO showtime_seats (showtime_id, seat_id, row_label, seat_number, category) VALUES `
		args := make([]interface{}, 0, len(seats)*5)
		for i, seat := range seats {
			if i > 0 {
				q += ","
			}
			q += "(?, ?, ?, ?, ?)"
			args = append(args, s.ID, seat.ID, seat.Row, seat.Number, seat.Category)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func mapDuplicate(err error) error {
	if isDuplicate(err) {
		return fmt.Errorf("%w: %v", ErrDuplicatePayment, err)
	}
	return err
}
