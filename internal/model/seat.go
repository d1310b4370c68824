package model

// SeatStatus is the status of a seat as seen by clients.  Inventory
// only ever stores available or booked; locked is derived from the
// lock table.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatLocked    SeatStatus = "locked"
	SeatBooked    SeatStatus = "booked"
)

// Seat is one entry of a showtime's seat map as stored in inventory.
//
// Fields:
//
//	ID       – seat identifier unique within the showtime (e.g. "A1").
//	Row      – row label used for display.
//	Number   – seat number within the row.
//	Category – price tier (premium, regular, ...).
//	Status   – permanent status, available or booked.
type Seat struct {
	ID       string     // showtime_seats.seat_id
	Row      string     // showtime_seats.row_label
	Number   int        // showtime_seats.seat_number
	Category string     // showtime_seats.category
	Status   SeatStatus // showtime_seats.status
}

// SeatView is a seat with its effective status: booked beats locked
// beats available.
type SeatView struct {
	SeatID   string     `json:"seat_id"`
	Row      string     `json:"row"`
	Number   int        `json:"number"`
	Category string     `json:"category"`
	Price    int64      `json:"price"`
	Status   SeatStatus `json:"status"`
	Mine     bool       `json:"mine,omitempty"`
}

// SeatRow groups the seats of one row, ordered by seat number.
type SeatRow struct {
	Row   string     `json:"row"`
	Seats []SeatView `json:"seats"`
}

// SeatSection groups rows of one price category.
type SeatSection struct {
	Category string    `json:"category"`
	Price    int64     `json:"price"`
	Rows     []SeatRow `json:"rows"`
}

// SeatMap is the full reconciliation snapshot of a showtime.
type SeatMap struct {
	ShowtimeID string        `json:"showtime_id"`
	Seats      []SeatView    `json:"seats"`
	Sections   []SeatSection `json:"sections"`
	Available  int           `json:"available"`
	Locked     int           `json:"locked"`
	Booked     int           `json:"booked"`
}
