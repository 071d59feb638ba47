package conversation

import (
	"testing"

	"lastmile/internal/model"
)

func TestTransitionTable(t *testing.T) {
	statuses := []model.ConversationStatus{model.StatusOpen, model.StatusActive, model.StatusResolved, model.StatusClosed, model.StatusReopened}
	evs := []model.ConversationEvent{model.EventMessageReceived, model.EventActionCompleted, model.EventCustomerSatisfied,
		model.EventCustomerGoodbye, model.EventCustomerNewRequest, model.EventTimeout24h}
	want := map[[2]string]model.ConversationStatus{
		{"OPEN", "MESSAGE_RECEIVED"}:         model.StatusActive,
		{"OPEN", "ACTION_COMPLETED"}:         model.StatusActive,
		{"ACTIVE", "CUSTOMER_SATISFIED"}:     model.StatusResolved,
		{"ACTIVE", "ACTION_COMPLETED"}:       model.StatusActive,
		{"RESOLVED", "CUSTOMER_GOODBYE"}:     model.StatusClosed,
		{"RESOLVED", "CUSTOMER_NEW_REQUEST"}: model.StatusReopened,
		{"RESOLVED", "TIMEOUT_24H"}:          model.StatusClosed,
		{"REOPENED", "MESSAGE_RECEIVED"}:     model.StatusActive,
		{"REOPENED", "ACTION_COMPLETED"}:     model.StatusActive,
		{"CLOSED", "CUSTOMER_NEW_REQUEST"}:   model.StatusReopened,
	}
	for _, st := range statuses {
		for _, ev := range evs {
			next, ok := Next(st, ev)
			exp, listed := want[[2]string{string(st), string(ev)}]
			if ok != listed || next != exp {
				t.Errorf("Next(%s, %s) = %q,%v want %q,%v", st, ev, next, ok, exp, listed)
			}
			if CanTransition(st, ev) != listed {
				t.Errorf("CanTransition(%s, %s) mismatch", st, ev)
			}
		}
	}
}

func TestValidEvent(t *testing.T) {
	if !ValidEvent(model.EventTimeout24h) || ValidEvent("NOPE") {
		t.Fatal("ValidEvent")
	}
}
