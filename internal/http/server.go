// README: API gateway; owns the gin engine and the HTTP server lifecycle.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ambudispatch/internal/infra"
	"ambudispatch/internal/modules/availability"
	"ambudispatch/internal/modules/location"
	"ambudispatch/internal/modules/request"
	"ambudispatch/internal/modules/trip"
	"ambudispatch/internal/modules/vehicle"
)

type ServerDeps struct {
	Requests     *request.Service
	Trips        *trip.Service
	Availability *availability.Service
	Vehicles     *vehicle.Service
	Catalog      *vehicle.Catalog
	Locations    *location.Service
	Verifier     infra.TokenVerifier
	Log          logrus.FieldLogger
}

type Server struct {
	deps ServerDeps
	http *http.Server
}

func NewServer(addr string, deps ServerDeps) *Server {
	s := &Server{deps: deps}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() *gin.Engine {
	return NewRouter(s.deps)
}

// Run serves until ctx is cancelled, then drains in-flight requests for up to
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.WithField("addr", s.http.Addr).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.deps.Log.Info("http server shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
