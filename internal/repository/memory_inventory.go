package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cineverse-seat-lock/internal/model"
)

// MemoryInventory keeps the inventory in process.  It backs tests and the
// demo mode of the server; CommitBooking has the same all-or-nothing
// behaviour as the MySQL implementation.
type MemoryInventory struct {
	mu        sync.RWMutex
	showtimes map[string]*model.Showtime
	seats     map[string][]model.Seat // ordered by row, number
	bookings  map[string]*model.Booking
	byPayment map[string]string
}

// NewMemoryInventory returns an empty inventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		showtimes: make(map[string]*model.Showtime),
		seats:     make(map[string][]model.Seat),
		bookings:  make(map[string]*model.Booking),
		byPayment: make(map[string]string),
	}
}

// UpsertShowtime adds or replaces a showtime.  Seats already booked stay
// booked.
func (m *MemoryInventory) UpsertShowtime(_ context.Context, s *model.Showtime, seats []model.Seat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	if cp.Status == "" {
		cp.Status = model.ShowtimeScheduled
	}
	cp.Prices = make(map[string]int64, len(s.Prices))
	for k, v := range s.Prices {
		cp.Prices[k] = v
	}
	m.showtimes[s.ID] = &cp

	booked := make(map[string]bool)
	for _, seat := range m.seats[s.ID] {
		if seat.Status == model.SeatBooked {
			booked[seat.ID] = true
		}
	}
	list := make([]model.Seat, 0, len(seats))
	for _, seat := range seats {
		seat.Status = model.SeatAvailable
		if booked[seat.ID] {
			seat.Status = model.SeatBooked
		}
		list = append(list, seat)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Row != list[j].Row {
			return list[i].Row < list[j].Row
		}
		return list[i].Number < list[j].Number
	})
	m.seats[s.ID] = list
	return nil
}

// Showtime implements the inventory read path.
func (m *MemoryInventory) Showtime(_ context.Context, id string) (*model.Showtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.showtimes[id]
	if !ok {
		return nil, ErrShowtimeNotFound
	}
	cp := *s
	cp.Prices = make(map[string]int64, len(s.Prices))
	for k, v := range s.Prices {
		cp.Prices[k] = v
	}
	return &cp, nil
}

// Seats returns a copy of the seat map.
func (m *MemoryInventory) Seats(_ context.Context, showtimeID string) ([]model.Seat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.showtimes[showtimeID]; !ok {
		return nil, ErrShowtimeNotFound
	}
	return append([]model.Seat(nil), m.seats[showtimeID]...), nil
}

// CommitBooking books every seat of b or none of them.
func (m *MemoryInventory) CommitBooking(_ context.Context, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.showtimes[b.ShowtimeID]; !ok {
		return ErrShowtimeNotFound
	}
	if b.PaymentRef != "" {
		if _, dup := m.byPayment[b.PaymentRef]; dup {
			return ErrDuplicatePayment
		}
	}
	seats := m.seats[b.ShowtimeID]
	index := make(map[string]int, len(seats))
	for i, s := range seats {
		index[s.ID] = i
	}
	var taken []string
	for _, id := range b.SeatIDs {
		i, ok := index[id]
		if !ok || seats[i].Status == model.SeatBooked {
			taken = append(taken, id)
		}
	}
	if len(taken) > 0 {
		sort.Strings(taken)
		return &SeatsTakenError{Seats: taken}
	}
	for _, id := range b.SeatIDs {
		seats[index[id]].Status = model.SeatBooked
	}

	cp := *b
	cp.SeatIDs = append([]string(nil), b.SeatIDs...)
	sort.Strings(cp.SeatIDs)
	m.bookings[b.ID] = &cp
	if b.PaymentRef != "" {
		m.byPayment[b.PaymentRef] = b.ID
	}
	return nil
}

// BookingByPaymentRef finds the booking created for a payment.
func (m *MemoryInventory) BookingByPaymentRef(ctx context.Context, ref string) (*model.Booking, error) {
	m.mu.RLock()
	id, ok := m.byPayment[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrBookingNotFound
	}
	return m.BookingByID(ctx, id)
}

// BookingByID returns a booking.
func (m *MemoryInventory) BookingByID(_ context.Context, id string) (*model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	cp.SeatIDs = append([]string(nil), b.SeatIDs...)
	return &cp, nil
}

// DemoShowtime builds the showtime seeded in demo mode: rows A-D premium,
// rows E-J regular, twelve seats per row.
func DemoShowtime(now time.Time) (*model.Showtime, []model.Seat) {
	s := &model.Showtime{
		ID:         "500",
		MovieTitle: "The Long Intermission",
		ScreenName: "Screen 1",
		StartsAt:   now.UTC().Truncate(time.Hour).Add(3 * time.Hour),
		Status:     model.ShowtimeScheduled,
		Prices:     map[string]int64{"premium": 35000, "regular": 25000},
	}
	var seats []model.Seat
	for _, row := range "ABCDEFGHIJ" {
		cat := "regular"
		if row <= 'D' {
			cat = "premium"
		}
		for n := 1; n <= 12; n++ {
			seats = append(seats, model.Seat{
				ID:       fmt.Sprintf("%c%d", row, n),
				Row:      string(row),
				Number:   n,
				Category: cat,
				Status:   model.SeatAvailable,
			})
		}
	}
	return s, seats
}
