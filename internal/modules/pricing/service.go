// README: Fare computation. Elapsed time is truncated to whole minutes.
package pricing

import (
	"errors"
	"time"

	"ambudispatch/internal/types"
)

var ErrInvalidSchedule = errors.New("invalid fare schedule")

func (s Schedule) Validate() error {
	if s.BaseFare < 0 || s.PerMinute < 0 || s.Currency == "" {
		return ErrInvalidSchedule
	}
	return nil
}

// Quote prices a trip from start to end. An end before start counts as zero minutes.
func (s Schedule) Quote(start, end time.Time) Quote {
	minutes := int64(end.Sub(start) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	timeCost := s.PerMinute * minutes
	return Quote{
		StartedAt: start,
		EndedAt:   end,
		Minutes:   minutes,
		Base:      s.BaseFare,
		TimeCost:  timeCost,
		Total:     types.Money{Amount: s.BaseFare + timeCost, Currency: s.Currency},
	}
}

func (s Schedule) Fare(start, end time.Time) types.Money {
	return s.Quote(start, end).Total
}
