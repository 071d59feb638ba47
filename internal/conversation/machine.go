// Package conversation tracks the per-shipment customer interaction lifecycle.
package conversation

import "lastmile/internal/model"

type transitionKey struct {
	from  model.ConversationStatus
	event model.ConversationEvent
}

var transitions = map[transitionKey]model.ConversationStatus{
	{model.StatusOpen, model.EventMessageReceived}:         model.StatusActive,
	{model.StatusOpen, model.EventActionCompleted}:         model.StatusActive,
	{model.StatusActive, model.EventCustomerSatisfied}:     model.StatusResolved,
	{model.StatusActive, model.EventActionCompleted}:       model.StatusActive,
	{model.StatusResolved, model.EventCustomerGoodbye}:     model.StatusClosed,
	{model.StatusResolved, model.EventCustomerNewRequest}:  model.StatusReopened,
	{model.StatusResolved, model.EventTimeout24h}:          model.StatusClosed,
	{model.StatusReopened, model.EventMessageReceived}:     model.StatusActive,
	{model.StatusReopened, model.EventActionCompleted}:     model.StatusActive,
	{model.StatusClosed, model.EventCustomerNewRequest}:    model.StatusReopened,
}

// Next returns the status reached from current on event. ok is false when the pair has
// no transition; that is a benign no-op, not an error.
func Next(current model.ConversationStatus, event model.ConversationEvent) (next model.ConversationStatus, ok bool) {
	next, ok = transitions[transitionKey{current, event}]
	return next, ok
}

func CanTransition(current model.ConversationStatus, event model.ConversationEvent) bool {
	_, ok := Next(current, event)
	return ok
}

// ValidEvent reports whether e is one of the known lifecycle events.
func ValidEvent(e model.ConversationEvent) bool {
	switch e {
	case model.EventMessageReceived, model.EventActionCompleted, model.EventCustomerSatisfied,
		model.EventCustomerGoodbye, model.EventCustomerNewRequest, model.EventTimeout24h:
		return true
	}
	return false
}
