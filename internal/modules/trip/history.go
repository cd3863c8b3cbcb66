// README: Append-only trip status history.
package trip

import (
	"context"
	"time"

	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

type History struct{}

func (History) Record(ctx context.Context, tx store.Tx, tripID types.ID, status store.TripStatus, at time.Time) error {
	return tx.AppendTripStatus(ctx, &store.TripStatusEvent{TripID: tripID, Status: status, ChangedAt: at})
}

// List returns a trip's status changes in the order they were recorded.
func (History) List(ctx context.Context, tx store.Tx, tripID types.ID) ([]store.TripStatusEvent, error) {
	return tx.TripHistory(ctx, tripID)
}
