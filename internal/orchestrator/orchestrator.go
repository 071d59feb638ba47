// Package orchestrator is the only component that writes to the backend systems and the
// evidence ledger. Every Execute call leaves exactly one evidence record behind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lastmile/internal/adapters"
	"lastmile/internal/events"
	"lastmile/internal/ledger"
	"lastmile/internal/lock"
	"lastmile/internal/metrics"
	"lastmile/internal/model"
	"lastmile/internal/policy"
	"lastmile/internal/store"
)

// Trust is how the requester was verified; it is recorded on evidence verbatim.
type Trust struct {
	Method     string
	Confidence float64
}

type Orchestrator struct {
	oms      adapters.OMS
	dispatch adapters.Dispatch
	policies store.PolicyStore
	ledger   *ledger.Ledger

	// Locks, when set, serializes the read-decide-write span per shipment.
	Locks       lock.Locker
	Events      events.Publisher
	Log         *slog.Logger
	Now         func() time.Time
	CallTimeout time.Duration
	Trust       Trust

	Tracer   trace.Tracer
	defaults singleflight.Group
}

func New(oms adapters.OMS, dispatch adapters.Dispatch, policies store.PolicyStore, l *ledger.Ledger, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		oms: oms, dispatch: dispatch, policies: policies, ledger: l,
		Log:         logger,
		Now:         time.Now,
		CallTimeout: 5 * time.Second,
		Trust:       Trust{Method: "session", Confidence: 1},
		Tracer:      otel.Tracer("lastmile/orchestrator"),
	}
}

// attempt accumulates what one Execute call learns; it becomes the evidence record.
type attempt struct {
	shipmentID string
	action     model.Action
	kind       model.ActionKind
	trust      Trust
	before     *model.Shipment
	after      *model.Shipment
	policy     *model.PolicyConfig
	policyRead bool
	writes     []model.SystemWrite
	cause      error
	recorded   bool
}

// Execute runs one orchestration attempt with the orchestrator's default trust.
func (o *Orchestrator) Execute(ctx context.Context, action model.Action, shipmentID string) model.Result {
	return o.ExecuteAs(ctx, action, shipmentID, o.Trust)
}

// ExecuteAs is Execute with an explicit trust assertion for the requester.
func (o *Orchestrator) ExecuteAs(ctx context.Context, action model.Action, shipmentID string, trust Trust) (res model.Result) {
	start := time.Now()
	at := &attempt{shipmentID: shipmentID, action: action, trust: trust}
	if action != nil {
		at.kind = action.Kind()
	}
	ctx, span := o.Tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("shipment.id", shipmentID),
		attribute.String("action.type", string(at.kind)),
	))
	log := o.Log.With(slog.String("shipment_id", shipmentID), slog.String("action", string(at.kind)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("orchestration panic", slog.Any("panic", r))
			span.RecordError(fmt.Errorf("panic: %v", r))
			if at.before != nil && at.after == nil {
				o.rereadAfter(ctx, log, at)
			}
			res = o.conclude(ctx, log, at, model.OutcomeExecutionError, fmt.Sprintf("internal error: %v", r))
			res.Error = "internal error"
		}
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)), attribute.Bool("success", res.Success))
		if !res.Success {
			span.SetStatus(codes.Error, string(res.Outcome))
		}
		span.End()
		metrics.Orchestrations.WithLabelValues(string(at.kind), string(res.Outcome)).Inc()
		metrics.OrchestrationDuration.WithLabelValues(string(at.kind)).Observe(time.Since(start).Seconds())
		o.publish(ctx, at, res)
	}()

	if o.Locks != nil {
		release, err := o.Locks.Lock(ctx, "shipment:"+shipmentID)
		if err != nil {
			return o.conclude(ctx, log, at, model.OutcomeExecutionError, fmt.Sprintf("shipment lock: %v", err))
		}
		defer release()
	}
	return o.run(ctx, log, at)
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, at *attempt) model.Result {
	log.Debug("reading shipment")
	before, err := o.readSnapshot(ctx, at.shipmentID)
	if err != nil {
		log.Warn("snapshot read failed", slog.Any("err", err))
		at.cause = err
		return o.conclude(ctx, log, at, model.OutcomeExecutionError, err.Error())
	}
	at.before = before

	log.Debug("reading policy")
	at.policyRead = true
	cfg, err := o.currentPolicy(ctx)
	if err != nil {
		log.Warn("policy read failed", slog.Any("err", err))
		at.after = at.before
		return o.conclude(ctx, log, at, model.OutcomeExecutionError, fmt.Sprintf("read policy: %v", err))
	}
	at.policy = &cfg

	now := o.Now().UTC()
	log.Debug("validating")
	if err := policy.ValidateAction(*before, at.action, now); err != nil {
		at.after = at.before
		return o.conclude(ctx, log, at, model.OutcomeValidationError, err.Error())
	}

	log.Debug("evaluating policy", slog.Int("policy_version", cfg.Version))
	decision := policy.Evaluate(*before, at.action, cfg, now)
	if !decision.Allowed {
		at.after = at.before
		return o.conclude(ctx, log, at, model.OutcomePolicyDenied, decision.DenialReason)
	}

	log.Debug("executing writes")
	writeErr := o.applyWrites(ctx, log, at)

	log.Debug("re-reading shipment")
	o.rereadAfter(ctx, log, at)

	if writeErr != nil {
		at.cause = writeErr
		return o.conclude(ctx, log, at, model.OutcomeExecutionError, writeErr.Error())
	}
	return o.conclude(ctx, log, at, model.OutcomeSucceeded, "")
}

// readSnapshot reads the OMS record and the route lock concurrently and normalizes them.
func (o *Orchestrator) readSnapshot(ctx context.Context, shipmentID string) (*model.Shipment, error) {
	var (
		raw    adapters.RawShipment
		locked bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(func() error {
		cctx, cancel := o.callCtx(gctx)
		defer cancel()
		r, err := o.oms.GetShipment(cctx, shipmentID)
		if err != nil {
			return fmt.Errorf("read shipment: %w", err)
		}
		raw = r
		return nil
	}))
	g.Go(guard(func() error {
		cctx, cancel := o.callCtx(gctx)
		defer cancel()
		l, err := o.dispatch.IsRouteLocked(cctx, shipmentID)
		if err != nil {
			return fmt.Errorf("read route lock: %w", err)
		}
		locked = l
		return nil
	}))
	if err := g.Wait(); err != nil {
		var p panicked
		if errors.As(err, &p) {
			// re-raise on the caller's goroutine so Execute's recover sees it
			panic(p.value)
		}
		return nil, err
	}
	s := adapters.Normalize(raw, locked)
	return &s, nil
}

// rereadAfter captures the post-write state. A failed read leaves after_state empty.
func (o *Orchestrator) rereadAfter(ctx context.Context, log *slog.Logger, at *attempt) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("post-write read panicked", slog.Any("panic", r))
		}
	}()
	after, err := o.readSnapshot(context.WithoutCancel(ctx), at.shipmentID)
	if err != nil {
		log.Warn("post-write read failed", slog.Any("err", err))
		return
	}
	at.after = after
}

// fillPolicy reads the governing policy for records concluded before the policy step ran.
// When that read fails too the snapshot stays empty rather than zeroed.
func (o *Orchestrator) fillPolicy(ctx context.Context, log *slog.Logger, at *attempt) {
	at.policyRead = true
	defer func() {
		if r := recover(); r != nil {
			log.Warn("policy read for evidence panicked", slog.Any("panic", r))
		}
	}()
	cfg, err := o.currentPolicy(context.WithoutCancel(ctx))
	if err != nil {
		log.Warn("policy read for evidence failed", slog.Any("err", err))
		return
	}
	at.policy = &cfg
}

type panicked struct{ value any }

func (p panicked) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// guard turns a panic inside an errgroup goroutine into an error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicked{value: r}
			}
		}()
		return fn()
	}
}

// currentPolicy returns the latest policy, persisting the default exactly once when none exists.
func (o *Orchestrator) currentPolicy(ctx context.Context) (model.PolicyConfig, error) {
	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	p, err := o.policies.LatestPolicy(cctx)
	if err != nil {
		return model.PolicyConfig{}, err
	}
	if p != nil {
		return *p, nil
	}
	v, err, _ := o.defaults.Do("default-policy", func() (any, error) {
		// shared by every waiter, so it must not die with the first caller
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout())
		defer dcancel()
		return o.policies.EnsureDefaultPolicy(dctx, model.DefaultPolicyConfig())
	})
	if err != nil {
		return model.PolicyConfig{}, err
	}
	o.Log.Info("policy default in effect", slog.Int("version", v.(model.PolicyConfig).Version))
	return v.(model.PolicyConfig), nil
}

// conclude writes the single evidence record for the attempt and builds the Result.
func (o *Orchestrator) conclude(ctx context.Context, log *slog.Logger, at *attempt, outcome model.Outcome, detail string) model.Result {
	res := model.Result{Success: outcome == model.OutcomeSucceeded, Outcome: outcome, Cause: at.cause}
	switch outcome {
	case model.OutcomePolicyDenied:
		res.DenialReason = detail
	case model.OutcomeValidationError, model.OutcomeExecutionError:
		res.Error = detail
	}
	if at.recorded {
		// evidence was already attempted for this call
		if res.Success {
			res.Success = false
			res.Error = "evidence not recorded"
		}
		return res
	}
	at.recorded = true
	if !at.policyRead {
		o.fillPolicy(ctx, log, at)
	}

	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout())
	defer cancel()
	id, err := o.ledger.Append(ectx, ledger.Entry{
		ShipmentID:      at.shipmentID,
		ActionType:      at.kind,
		Outcome:         outcome,
		Detail:          detail,
		TrustMethod:     at.trust.Method,
		TrustConfidence: at.trust.Confidence,
		PolicySnapshot:  at.policy,
		BeforeState:     at.before,
		Requested:       at.action,
		SystemWrites:    at.writes,
		AfterState:      at.after,
	})
	if err != nil {
		metrics.EvidenceFailures.Inc()
		log.Error("evidence append failed", slog.String("outcome", string(outcome)), slog.Any("err", err))
		res.Success = false
		if res.Error == "" {
			res.Error = "evidence not recorded: " + err.Error()
		}
		return res
	}
	res.EvidenceID = id
	log.Info("orchestration finished", slog.String("outcome", string(outcome)), slog.String("evidence_id", id), slog.Int("writes", len(at.writes)))
	return res
}

func (o *Orchestrator) publish(ctx context.Context, at *attempt, res model.Result) {
	if o.Events == nil {
		return
	}
	data := map[string]any{
		"actionType": string(at.kind),
		"outcome":    string(res.Outcome),
		"success":    res.Success,
		"evidenceId": res.EvidenceID,
	}
	if res.DenialReason != "" {
		data["denialReason"] = res.DenialReason
	}
	ev := events.New(events.TypeActionExecuted, at.shipmentID, o.Now(), data)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout())
	defer cancel()
	if err := o.Events.Publish(pctx, ev); err != nil {
		o.Log.Warn("action event publish failed", slog.Any("err", err))
	}
}

func (o *Orchestrator) timeout() time.Duration {
	if o.CallTimeout <= 0 {
		return 5 * time.Second
	}
	return o.CallTimeout
}

func (o *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.timeout())
}

// AvailableSlots proxies the dispatch slot offer for a shipment.
func (o *Orchestrator) AvailableSlots(ctx context.Context, shipmentID string) ([]model.TimeSlot, error) {
	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	return o.dispatch.GetAvailableSlots(cctx, shipmentID)
}

// Snapshot returns the normalized shipment plus the decision context a caller needs
// to avoid proposing actions that would be denied.
func (o *Orchestrator) Snapshot(ctx context.Context, shipmentID string) (model.Shipment, []model.ActionKind, model.PolicyConfig, error) {
	s, err := o.readSnapshot(ctx, shipmentID)
	if err != nil {
		return model.Shipment{}, nil, model.PolicyConfig{}, err
	}
	cfg, err := o.currentPolicy(ctx)
	if err != nil {
		return model.Shipment{}, nil, model.PolicyConfig{}, err
	}
	return *s, policy.AllowedActions(*s, cfg, o.Now().UTC()), cfg, nil
}

// IsNotFound reports whether err came from an adapter that does not know the shipment.
func IsNotFound(err error) bool { return errors.Is(err, adapters.ErrNotFound) }
