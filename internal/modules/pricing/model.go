// README: Fare schedule definition.
package pricing

import (
	"time"

	"ambudispatch/internal/types"
)

// Schedule is a time-based tariff: a flat base plus a rate per whole elapsed minute.
type Schedule struct {
	BaseFare  int64
	PerMinute int64
	Currency  string
}

type Quote struct {
	StartedAt time.Time
	EndedAt   time.Time
	Minutes   int64
	Base      int64
	TimeCost  int64
	Total     types.Money
}
