package calendar

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Provider is the bookable side of a principal: a consultation fee and an
// availability flag. Booked slots live in their own table keyed by
// (provider, date, time label); presence of a row means the slot is held.
type Provider struct {
	ID        uuid.UUID
	Specialty *string
	FeeMinor  int64 // fee per slot in minor currency units
	Available bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParseSlotMoment turns a date and time label into the concrete start moment
// of the slot, in UTC.
func ParseSlotMoment(date, timeLabel string) (time.Time, error) {
	t, err := time.Parse(DateLayout+" "+TimeLayout, date+" "+timeLabel)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot %q %q: %w", date, timeLabel, err)
	}
	return t.UTC(), nil
}
