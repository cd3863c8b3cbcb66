// README: Entry point; loads config, wires stores, publishers and services, serves HTTP until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/cache"
	"ambudispatch/internal/config"
	"ambudispatch/internal/events"
	httptransport "ambudispatch/internal/http"
	"ambudispatch/internal/infra"
	"ambudispatch/internal/maps"
	"ambudispatch/internal/modules/availability"
	"ambudispatch/internal/modules/location"
	"ambudispatch/internal/modules/pricing"
	"ambudispatch/internal/modules/request"
	"ambudispatch/internal/modules/trip"
	"ambudispatch/internal/modules/vehicle"
	"ambudispatch/internal/store"
	"ambudispatch/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("dispatch-api stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	st, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	c, closeCache, err := newCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	pub, err := newPublisher(cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.WithError(err).Warn("close event publisher")
		}
	}()

	var geocoder location.Geocoder
	if cfg.Maps.APIKey != "" {
		g, err := maps.NewGeocodeService(cfg.Maps.APIKey, cfg.Maps.Language, cfg.Maps.Region)
		if err != nil {
			return fmt.Errorf("geocoder: %w", err)
		}
		geocoder = g
	}

	schedule := pricing.Schedule{BaseFare: cfg.Fare.Base, PerMinute: cfg.Fare.PerMinute, Currency: cfg.Fare.Currency}
	if err := schedule.Validate(); err != nil {
		return err
	}

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.ServerDeps{
		Requests:     request.NewService(st, pub, log),
		Trips:        trip.NewService(st, schedule, pub, log),
		Availability: availability.NewService(st, pub, log),
		Vehicles:     vehicle.NewService(st, log),
		Catalog:      vehicle.NewCatalog(st, c, cfg.Redis.CacheTTL, log),
		Locations:    location.NewService(st, geocoder, log),
		Verifier:     verifier,
		Log:          log,
	})

	log.WithFields(logrus.Fields{
		"store":  cfg.Store.Backend,
		"events": cfg.Events.Driver,
		"auth":   cfg.Auth.Mode,
	}).Info("dispatch-api starting")
	return server.Run(ctx, cfg.HTTP.ShutdownTimeout)
}

func newVerifier(ctx context.Context, cfg config.AuthConfig) (infra.TokenVerifier, error) {
	if cfg.Mode == "firebase" {
		v, err := infra.NewFirebaseVerifier(ctx, cfg.FirebaseProject, cfg.FirebaseCredentials)
		if err != nil {
			return nil, fmt.Errorf("firebase init: %w", err)
		}
		return v, nil
	}
	return infra.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
}

func newStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Store, func(), error) {
	if cfg.Store.Backend == "memory" {
		log.Warn("using in-memory store; data is lost on exit")
		m := store.NewMemory()
		seedDemo(m)
		return m, func() {}, nil
	}
	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}

func newCache(ctx context.Context, cfg config.Config) (cache.Cache, func(), error) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemory(), func() {}, nil
	}
	client, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedis(client, "dispatch:"), func() { _ = client.Close() }, nil
}

func newPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "amqp":
		p, err := events.NewAMQP(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, fmt.Errorf("amqp publisher: %w", err)
		}
		return p, nil
	case "kafka":
		return events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return events.Noop{}, nil
	}
}
