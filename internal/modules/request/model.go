// README: Request state flow and commands.
package request

import (
	"ambudispatch/internal/store"
	"ambudispatch/internal/types"
)

// AllowedTransitions represents the request state flow (diagram) as code.
// Terminal states (rejected, cancelled, completed) have no outgoing edges.
var AllowedTransitions = map[store.RequestStatus][]store.RequestStatus{
	store.RequestPending:    {store.RequestAccepted, store.RequestRejected, store.RequestCancelled},
	store.RequestAccepted:   {store.RequestInProgress},
	store.RequestInProgress: {store.RequestCompleted},
}

func CanTransition(from, to store.RequestStatus) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type SubmitCommand struct {
	Requester types.Principal
	PickupID  types.ID
	DropoffID types.ID
}

type AcceptCommand struct {
	RequestID types.ID
	Operator  types.Principal
}

type RejectCommand struct {
	RequestID types.ID
	Operator  types.Principal
}

type CancelCommand struct {
	RequestID types.ID
	Requester types.Principal
}
