package models

import "time"

const (
	EventsTable       = "events"
	DefaultEventColor = "#4285F4"
)

// Event represents a row in the events table
type Event struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     time.Time  `json:"end_date"`
	AllDay      bool       `json:"all_day"`
	Location    *string    `json:"location"`
	Color       string     `json:"color"`
	CreatedBy   *string    `json:"created_by"`
	UpdatedBy   *string    `json:"updated_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

type NewEvent struct {
	UserID      int64     `json:"user_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	AllDay      bool      `json:"all_day"`
	Location    *string   `json:"location"`
	Color       string    `json:"color"`
	CreatedBy   *string   `json:"created_by"`
}

// EventUpdate lists the mutable event fields. A nil field is left unchanged
type EventUpdate struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	AllDay      *bool      `json:"all_day"`
	Location    *string    `json:"location"`
	Color       *string    `json:"color"`
	UpdatedBy   *string    `json:"updated_by"`
}

// EventFilter selects one user's events. A From/To pair matches events overlapping
// the range and takes precedence over Month/Year
type EventFilter struct {
	UserID int64
	From   *time.Time
	To     *time.Time
	Month  int
	Year   int
}
