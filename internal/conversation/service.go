package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lastmile/internal/events"
	"lastmile/internal/lock"
	"lastmile/internal/metrics"
	"lastmile/internal/model"
	"lastmile/internal/store"
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrUnknownEvent = errors.New("unknown conversation event")
)

// Service applies lifecycle events to stored conversations. The transition table is pure;
// timestamps, the action counter and persistence live here.
type Service struct {
	store  store.ConversationStore
	locks  lock.Locker
	Now    func() time.Time
	Log    *slog.Logger
	Events events.Publisher
}

// NewService wires a service. locks may be nil, in which case an in-process keyed lock is used.
func NewService(s store.ConversationStore, locks lock.Locker, logger *slog.Logger) *Service {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, locks: locks, Now: time.Now, Log: logger}
}

// TransitionResult describes one processed event. Valid is false when the table has no
// entry for (From, Event); the conversation still had its bookkeeping fields updated.
type TransitionResult struct {
	Conversation model.Conversation      `json:"conversation"`
	Event        model.ConversationEvent `json:"event"`
	From         model.ConversationStatus `json:"from"`
	To           model.ConversationStatus `json:"to"`
	Valid        bool                    `json:"valid"`
	Changed      bool                    `json:"changed"`
}

// GetOrCreate returns the live conversation for shipmentID, creating one in OPEN when none exists.
func (s *Service) GetOrCreate(ctx context.Context, shipmentID string) (model.Conversation, bool, error) {
	release, err := s.locks.Lock(ctx, "conversation:shipment:"+shipmentID)
	if err != nil {
		return model.Conversation{}, false, err
	}
	defer release()

	live, err := s.store.FindLiveConversation(ctx, shipmentID)
	if err != nil {
		return model.Conversation{}, false, err
	}
	if live != nil {
		return *live, false, nil
	}
	c, err := s.store.CreateConversation(ctx, shipmentID, s.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		// another replica created it between our read and insert
		live, err = s.store.FindLiveConversation(ctx, shipmentID)
		if err != nil {
			return model.Conversation{}, false, err
		}
		if live == nil {
			return model.Conversation{}, false, fmt.Errorf("conversation for %s: conflict without live row", shipmentID)
		}
		return *live, false, nil
	}
	if err != nil {
		return model.Conversation{}, false, err
	}
	s.Log.Info("conversation opened", slog.String("conversation_id", c.ID), slog.String("shipment_id", shipmentID))
	return c, true, nil
}

// Transition applies event to conversation id.
func (s *Service) Transition(ctx context.Context, id string, event model.ConversationEvent) (TransitionResult, error) {
	res, _, err := s.transition(ctx, id, event, nil)
	return res, err
}

// transition runs event under the conversation's lock. When guard rejects the current
// row nothing is written and applied is false.
func (s *Service) transition(ctx context.Context, id string, event model.ConversationEvent, guard func(model.Conversation) bool) (TransitionResult, bool, error) {
	if !ValidEvent(event) {
		return TransitionResult{}, false, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	release, err := s.locks.Lock(ctx, "conversation:"+id)
	if err != nil {
		return TransitionResult{}, false, err
	}
	defer release()

	c, err := s.Get(ctx, id)
	if err != nil {
		return TransitionResult{}, false, err
	}
	if guard != nil && !guard(c) {
		return TransitionResult{Conversation: c, Event: event, From: c.Status, To: c.Status}, false, nil
	}

	now := s.Now().UTC()
	next, ok := Next(c.Status, event)
	patch := model.ConversationPatch{LastMessageAt: &now, IncrementActions: event == model.EventActionCompleted}
	if ok {
		patch.Status = &next
		switch next {
		case model.StatusResolved:
			patch.ResolvedAt = &now
		case model.StatusClosed:
			patch.ClosedAt = &now
		case model.StatusReopened:
			patch.ReopenedAt = &now
		}
	}
	updated, err := s.store.UpdateConversation(ctx, id, patch)
	if err != nil {
		return TransitionResult{}, false, fmt.Errorf("update conversation %s: %w", id, err)
	}

	res := TransitionResult{Conversation: updated, Event: event, From: c.Status, To: updated.Status, Valid: ok, Changed: updated.Status != c.Status}
	to := ""
	if ok {
		to = string(next)
	}
	metrics.ConversationTransitions.WithLabelValues(string(event), string(c.Status), to).Inc()
	if ok {
		s.Log.Info("conversation transition", slog.String("conversation_id", id), slog.String("event", string(event)),
			slog.String("from", string(c.Status)), slog.String("to", string(next)))
	} else {
		s.Log.Debug("conversation event ignored", slog.String("conversation_id", id), slog.String("event", string(event)),
			slog.String("status", string(c.Status)))
	}
	s.publish(ctx, res)
	return res, true, nil
}

func (s *Service) publish(ctx context.Context, res TransitionResult) {
	if s.Events == nil {
		return
	}
	ev := events.New(events.TypeConversationTransitioned, res.Conversation.ShipmentID, s.Now(), map[string]any{
		"conversationId": res.Conversation.ID,
		"event":          string(res.Event),
		"from":           string(res.From),
		"to":             string(res.To),
		"valid":          res.Valid,
		"actionsTaken":   res.Conversation.ActionsTaken,
	})
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Log.Warn("conversation event publish failed", slog.Any("err", err))
	}
}

// ProcessMessage routes an inbound customer message: get-or-create, detect intent, transition.
// On a RESOLVED conversation only an explicit request reopens it.
func (s *Service) ProcessMessage(ctx context.Context, shipmentID, text string) (TransitionResult, error) {
	c, _, err := s.GetOrCreate(ctx, shipmentID)
	if err != nil {
		return TransitionResult{}, err
	}
	event := DetectIntent(text)
	if event == model.EventMessageReceived && c.Status == model.StatusResolved && IsNewRequest(text) {
		event = model.EventCustomerNewRequest
	}
	return s.Transition(ctx, c.ID, event)
}

// RecordActionCompleted fires ACTION_COMPLETED on the shipment's live conversation, opening one if needed.
func (s *Service) RecordActionCompleted(ctx context.Context, shipmentID string) (TransitionResult, error) {
	c, _, err := s.GetOrCreate(ctx, shipmentID)
	if err != nil {
		return TransitionResult{}, err
	}
	return s.Transition(ctx, c.ID, model.EventActionCompleted)
}

func (s *Service) Get(ctx context.Context, id string) (model.Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return c, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

// Live returns the shipment's live conversation or nil.
func (s *Service) Live(ctx context.Context, shipmentID string) (*model.Conversation, error) {
	return s.store.FindLiveConversation(ctx, shipmentID)
}

// History lists every conversation for a shipment, oldest first.
func (s *Service) History(ctx context.Context, shipmentID string) ([]model.Conversation, error) {
	return s.store.ListConversations(ctx, shipmentID)
}
