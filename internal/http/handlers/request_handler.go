// README: Request handlers for submit/list/cancel and the driver accept/reject flow.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ambudispatch/internal/http/middleware"
	"ambudispatch/internal/modules/request"
	"ambudispatch/internal/types"
)

type RequestHandler struct {
	requests *request.Service
}

func NewRequestHandler(svc *request.Service) *RequestHandler {
	return &RequestHandler{requests: svc}
}

type submitRequestReq struct {
	PickupID  string `json:"pickup_id" validate:"required"`
	DropoffID string `json:"dropoff_id" validate:"required"`
}

func (h *RequestHandler) Submit(c *gin.Context) {
	var req submitRequestReq
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.requests.Submit(c.Request.Context(), request.SubmitCommand{
		Requester: middleware.Caller(c),
		PickupID:  types.ID(req.PickupID),
		DropoffID: types.ID(req.DropoffID),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newRequestView(r))
}

func (h *RequestHandler) ListMine(c *gin.Context) {
	rs, err := h.requests.ListByRequester(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": newRequestViews(rs)})
}

func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.requests.Get(c.Request.Context(), middleware.Caller(c), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRequestView(r))
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.requests.Cancel(c.Request.Context(), request.CancelCommand{
		RequestID: id,
		Requester: middleware.Caller(c),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRequestView(r))
}

func (h *RequestHandler) ListPending(c *gin.Context) {
	rs, err := h.requests.ListPending(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": newRequestViews(rs)})
}

func (h *RequestHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.requests.Accept(c.Request.Context(), request.AcceptCommand{
		RequestID: id,
		Operator:  middleware.Caller(c),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRequestView(r))
}

func (h *RequestHandler) Reject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.requests.Reject(c.Request.Context(), request.RejectCommand{
		RequestID: id,
		Operator:  middleware.Caller(c),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newRequestView(r))
}
