// README: Trip handlers for start/end, history lists and trip details.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambudispatch/internal/http/middleware"
	"ambudispatch/internal/modules/trip"
)

type TripHandler struct {
	trips *trip.Service
}

func NewTripHandler(svc *trip.Service) *TripHandler {
	return &TripHandler{trips: svc}
}

// Start begins the trip for an accepted request; the path id is the request id.
func (h *TripHandler) Start(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	t, err := h.trips.StartTrip(c.Request.Context(), trip.StartCommand{
		RequestID: id,
		Operator:  middleware.Caller(c),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newTripView(t))
}

func (h *TripHandler) End(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.trips.EndTrip(c.Request.Context(), trip.EndCommand{
		TripID:   id,
		Operator: middleware.Caller(c),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"trip":    newTripView(res.Trip),
		"payment": newPaymentView(res.Payment),
	})
}

func (h *TripHandler) ListDriver(c *gin.Context) {
	ts, err := h.trips.ListDriverTrips(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": newTripViews(ts)})
}

func (h *TripHandler) ListRequester(c *gin.Context) {
	ts, err := h.trips.ListRequesterTrips(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": newTripViews(ts)})
}

func (h *TripHandler) Details(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.trips.GetTripDetails(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newTripDetailsView(d))
}
