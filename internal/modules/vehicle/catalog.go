// README: Vehicle type catalog served through the cache; Invalidate drops the cached copy.
package vehicle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/cache"
	"ambudispatch/internal/store"
)

const catalogKey = "vehicle-types"

type Catalog struct {
	store store.Store
	cache cache.Cache
	ttl   time.Duration
	log   logrus.FieldLogger
}

func NewCatalog(st store.Store, c cache.Cache, ttl time.Duration, log logrus.FieldLogger) *Catalog {
	return &Catalog{store: st, cache: c, ttl: ttl, log: log}
}

// Types lists vehicle types. Cache failures fall back to the store.
func (c *Catalog) Types(ctx context.Context) ([]store.VehicleType, error) {
	var cached []store.VehicleType
	hit, err := c.cache.Get(ctx, catalogKey, &cached)
	if err != nil {
		c.log.WithError(err).Warn("vehicle type cache read failed")
	}
	if hit && err == nil {
		return cached, nil
	}

	var out []store.VehicleType
	err = c.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.VehicleTypes(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, catalogKey, out, c.ttl); err != nil {
		c.log.WithError(err).Warn("vehicle type cache write failed")
	}
	return out, nil
}

func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.cache.Delete(ctx, catalogKey)
}
