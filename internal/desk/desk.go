// Package desk is the caller-side glue between customer conversations and the orchestrator:
// an action runs inside the shipment's live conversation and a success advances it.
package desk

import (
	"context"
	"log/slog"

	"lastmile/internal/conversation"
	"lastmile/internal/model"
	"lastmile/internal/orchestrator"
)

type Executor interface {
	ExecuteAs(ctx context.Context, action model.Action, shipmentID string, trust orchestrator.Trust) model.Result
}

type Conversations interface {
	GetOrCreate(ctx context.Context, shipmentID string) (model.Conversation, bool, error)
	Transition(ctx context.Context, id string, event model.ConversationEvent) (conversation.TransitionResult, error)
	ProcessMessage(ctx context.Context, shipmentID, text string) (conversation.TransitionResult, error)
}

type Desk struct {
	exec  Executor
	convs Conversations
	log   *slog.Logger
}

func New(exec Executor, convs Conversations, logger *slog.Logger) *Desk {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desk{exec: exec, convs: convs, log: logger}
}

// ActionOutcome pairs the orchestrator result with the conversation it ran in.
type ActionOutcome struct {
	Result       model.Result                    `json:"result"`
	Conversation *conversation.TransitionResult `json:"conversation,omitempty"`
}

// HandleAction executes the action, opens (or reuses) the live conversation for a known
// shipment and fires ACTION_COMPLETED when the action succeeded. Conversation bookkeeping
// never changes the Result.
func (d *Desk) HandleAction(ctx context.Context, shipmentID string, action model.Action, trust orchestrator.Trust) ActionOutcome {
	out := ActionOutcome{Result: d.exec.ExecuteAs(ctx, action, shipmentID, trust)}
	if orchestrator.IsNotFound(out.Result.Cause) {
		return out
	}
	conv, _, err := d.convs.GetOrCreate(ctx, shipmentID)
	if err != nil {
		d.log.Warn("conversation unavailable", slog.String("shipment_id", shipmentID), slog.Any("err", err))
		return out
	}
	if !out.Result.Success {
		return out
	}
	tr, err := d.convs.Transition(ctx, conv.ID, model.EventActionCompleted)
	if err != nil {
		d.log.Warn("action completed but conversation not advanced", slog.String("conversation_id", conv.ID), slog.Any("err", err))
		return out
	}
	out.Conversation = &tr
	return out
}

// HandleMessage feeds an inbound customer message to the shipment's conversation.
func (d *Desk) HandleMessage(ctx context.Context, shipmentID, text string) (conversation.TransitionResult, error) {
	return d.convs.ProcessMessage(ctx, shipmentID, text)
}
