// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambudispatch/internal/http/handlers"
	"ambudispatch/internal/http/middleware"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	requestHandler := handlers.NewRequestHandler(deps.Requests)
	api.POST("/requests", requestHandler.Submit)
	api.GET("/requests", requestHandler.ListMine)
	api.GET("/requests/:id", requestHandler.Get)
	api.POST("/requests/:id/cancel", requestHandler.Cancel)

	tripHandler := handlers.NewTripHandler(deps.Trips)
	api.GET("/trips", tripHandler.ListRequester)
	api.GET("/trips/:id", tripHandler.Details)

	driver := api.Group("/driver")
	driver.GET("/requests", requestHandler.ListPending)
	driver.POST("/requests/:id/accept", requestHandler.Accept)
	driver.POST("/requests/:id/reject", requestHandler.Reject)
	driver.POST("/requests/:id/start", tripHandler.Start)
	driver.POST("/trips/:id/end", tripHandler.End)
	driver.GET("/trips", tripHandler.ListDriver)

	vehicleHandler := handlers.NewVehicleHandler(deps.Vehicles, deps.Availability, deps.Catalog)
	driver.POST("/vehicles", vehicleHandler.Register)
	driver.GET("/vehicles", vehicleHandler.List)
	driver.PUT("/vehicles/:id", vehicleHandler.Update)
	driver.DELETE("/vehicles/:id", vehicleHandler.Delete)
	driver.PUT("/vehicles/:id/availability", vehicleHandler.SetAvailability)
	api.GET("/vehicle-types", vehicleHandler.Types)
	api.DELETE("/cache/vehicle-types", vehicleHandler.InvalidateTypes)

	locationHandler := handlers.NewLocationHandler(deps.Locations)
	api.POST("/locations", locationHandler.Save)
	api.GET("/locations/:id", locationHandler.Get)

	return r
}
