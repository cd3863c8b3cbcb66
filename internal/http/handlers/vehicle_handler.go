// README: Vehicle handlers for the operator fleet, availability toggle and type catalog.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambudispatch/internal/http/middleware"
	"ambudispatch/internal/modules/availability"
	"ambudispatch/internal/modules/vehicle"
	"ambudispatch/internal/types"
)

type VehicleHandler struct {
	vehicles     *vehicle.Service
	availability *availability.Service
	catalog      *vehicle.Catalog
}

func NewVehicleHandler(vehicles *vehicle.Service, avail *availability.Service, catalog *vehicle.Catalog) *VehicleHandler {
	return &VehicleHandler{vehicles: vehicles, availability: avail, catalog: catalog}
}

type registerVehicleReq struct {
	TypeID string `json:"type_id" validate:"required"`
	Number string `json:"number" validate:"required,max=32"`
	Label  string `json:"label" validate:"max=128"`
}

func (h *VehicleHandler) Register(c *gin.Context) {
	var req registerVehicleReq
	if !bindJSON(c, &req) {
		return
	}
	v, err := h.vehicles.Register(c.Request.Context(), vehicle.RegisterCommand{
		Operator: middleware.Caller(c),
		TypeID:   types.ID(req.TypeID),
		Number:   req.Number,
		Label:    req.Label,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	free := vehicle.DefaultFree
	writeJSON(c, http.StatusCreated, newVehicleView(v, &free))
}

func (h *VehicleHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req registerVehicleReq
	if !bindJSON(c, &req) {
		return
	}
	v, err := h.vehicles.Update(c.Request.Context(), vehicle.UpdateCommand{
		Operator:  middleware.Caller(c),
		VehicleID: id,
		TypeID:    types.ID(req.TypeID),
		Number:    req.Number,
		Label:     req.Label,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newVehicleView(v, nil))
}

func (h *VehicleHandler) List(c *gin.Context) {
	ls, err := h.vehicles.ListByOperator(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"vehicles": newListingViews(ls)})
}

func (h *VehicleHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	err := h.vehicles.Delete(c.Request.Context(), vehicle.DeleteCommand{
		Operator:  middleware.Caller(c),
		VehicleID: id,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type availabilityReq struct {
	Free *bool `json:"free" validate:"required"`
}

func (h *VehicleHandler) SetAvailability(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req availabilityReq
	if !bindJSON(c, &req) {
		return
	}
	a, err := h.availability.Toggle(c.Request.Context(), availability.ToggleCommand{
		VehicleID: id,
		Operator:  middleware.Caller(c),
		Free:      *req.Free,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"vehicle_id": a.VehicleID, "free": a.Free, "updated_at": a.UpdatedAt})
}

func (h *VehicleHandler) Types(c *gin.Context) {
	vts, err := h.catalog.Types(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	out := make([]gin.H, 0, len(vts))
	for _, vt := range vts {
		out = append(out, gin.H{"id": vt.ID, "name": vt.Name})
	}
	writeJSON(c, http.StatusOK, gin.H{"vehicle_types": out})
}

// InvalidateTypes drops the cached catalog. Restricted to drivers.
func (h *VehicleHandler) InvalidateTypes(c *gin.Context) {
	if !middleware.Caller(c).Is(types.RoleDriver) {
		writeError(c, http.StatusForbidden, "driver capability required")
		return
	}
	if err := h.catalog.Invalidate(c.Request.Context()); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
