package model

import "time"

// Showtime identifies one screening of a movie on a screen.  It is
// read-only catalog data for the seat lock service; prices are keyed
// by seat category.
//
// Fields:
//
//	ID         – showtime identifier, unique across the catalog.
//	MovieTitle – title shown on tickets.
//	ScreenName – screen (auditorium) the showtime runs in.
//	StartsAt   – scheduled start.
//	Status     – SCHEDULED, CANCELLED or FINISHED.
//	Prices     – price in minor units per seat category.
type Showtime struct {
	ID         string           `json:"id"`          // showtimes.id
	MovieTitle string           `json:"movie_title"` // showtimes.movie_title
	ScreenName string           `json:"screen_name"` // showtimes.screen_name
	StartsAt   time.Time        `json:"starts_at"`   // showtimes.starts_at
	Status     string           `json:"status"`      // showtimes.status
	Prices     map[string]int64 `json:"prices"`      // showtime_prices
}

// ShowtimeScheduled is the only status that accepts new locks and bookings.
const ShowtimeScheduled = "SCHEDULED"

// PriceFor returns the price of a seat category and whether the category is priced.
func (s *Showtime) PriceFor(category string) (int64, bool) {
	p, ok := s.Prices[category]
	return p, ok
}
