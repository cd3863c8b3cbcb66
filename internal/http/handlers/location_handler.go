// README: Location handlers for saving and reading pickup/drop-off points.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambudispatch/internal/http/middleware"
	"ambudispatch/internal/modules/location"
	"ambudispatch/internal/types"
)

type LocationHandler struct {
	locations *location.Service
}

func NewLocationHandler(svc *location.Service) *LocationHandler {
	return &LocationHandler{locations: svc}
}

type saveLocationReq struct {
	Address string   `json:"address" validate:"max=512"`
	Lat     *float64 `json:"lat" validate:"required"`
	Lng     *float64 `json:"lng" validate:"required"`
}

func (h *LocationHandler) Save(c *gin.Context) {
	var req saveLocationReq
	if !bindJSON(c, &req) {
		return
	}
	l, err := h.locations.Save(c.Request.Context(), location.SaveCommand{
		Owner:    middleware.Caller(c),
		Address:  req.Address,
		Position: types.Point{Lat: *req.Lat, Lng: *req.Lng},
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newLocationView(l))
}

func (h *LocationHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	l, err := h.locations.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newLocationView(l))
}
