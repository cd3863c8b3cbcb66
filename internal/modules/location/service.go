// README: Location service stores pickup and drop-off points referenced by requests.
package location

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/apperr"
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

// Geocoder resolves a street address for a coordinate.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

type Service struct {
	store    store.Store
	geocoder Geocoder
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewService builds the service. geocoder may be nil.
func NewService(st store.Store, geocoder Geocoder, log logrus.FieldLogger) *Service {
	return &Service{store: st, geocoder: geocoder, log: log, now: time.Now}
}

func (s *Service) Save(ctx context.Context, cmd SaveCommand) (*store.Location, error) {
	if cmd.Owner.UserID == "" {
		return nil, apperr.Forbidden("authenticated caller required")
	}
	if err := ValidatePoint(cmd.Position); err != nil {
		return nil, err
	}

	address := strings.TrimSpace(cmd.Address)
	if address == "" && s.geocoder != nil {
		resolved, err := s.geocoder.ReverseGeocode(ctx, cmd.Position)
		if err != nil {
			s.log.WithError(err).Warn("reverse geocode failed")
		} else {
			address = resolved
		}
	}

	l := &store.Location{
		ID:        types.NewID(),
		OwnerID:   cmd.Owner.UserID,
		Address:   address,
		Position:  cmd.Position,
		CreatedAt: s.now(),
	}
	if err := s.store.InTx(ctx, func(tx store.Tx) error { return tx.CreateLocation(ctx, l) }); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*store.Location, error) {
	var out *store.Location
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		l, err := tx.Location(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("location %s", id)
		}
		out = l
		return err
	})
	return out, err
}

func ValidatePoint(p types.Point) error {
	if p.Lat < -90 || p.Lat > 90 {
		return apperr.BadRequest("latitude %.6f out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return apperr.BadRequest("longitude %.6f out of range", p.Lng)
	}
	return nil
}
