package conversation

import (
	"context"
	"log/slog"
	"time"

	"lastmile/internal/model"
)

// Sweeper closes RESOLVED conversations that have been quiet for Timeout by firing TIMEOUT_24H.
type Sweeper struct {
	Service  *Service
	Timeout  time.Duration
	Interval time.Duration
	Batch    int
	Stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(svc *Service, timeout, interval time.Duration) *Sweeper {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{Service: svc, Timeout: timeout, Interval: interval, Batch: 100, Stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *Sweeper) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Shutdown stops the loop and waits for an in-flight sweep to finish.
func (w *Sweeper) Shutdown() {
	close(w.Stop)
	<-w.done
}

func (w *Sweeper) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := w.SweepOnce(ctx)
	if err != nil {
		w.Service.Log.Warn("conversation sweep failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		w.Service.Log.Info("conversations timed out", slog.Int("count", n))
	}
}

// SweepOnce closes one batch of stale conversations and returns how many were closed.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := w.Service.Now().UTC().Add(-w.Timeout)
	stale, err := w.Service.store.ListStaleConversations(ctx, model.StatusResolved, cutoff, w.Batch)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, c := range stale {
		// the customer may have written since the listing; recheck under the lock
		stillStale := func(cur model.Conversation) bool {
			return cur.Status == model.StatusResolved && cur.LastMessageAt.Before(cutoff)
		}
		res, applied, err := w.Service.transition(ctx, c.ID, model.EventTimeout24h, stillStale)
		if err != nil {
			w.Service.Log.Warn("timeout transition failed", slog.String("conversation_id", c.ID), slog.Any("err", err))
			continue
		}
		if applied && res.Changed {
			closed++
		}
	}
	return closed, nil
}
