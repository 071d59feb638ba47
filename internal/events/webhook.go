package events

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Webhook posts signed envelopes to a single URL from a background worker, retrying
// with exponential backoff. Publish only enqueues; a full queue drops the event.
type Webhook struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int
	Log         *slog.Logger

	queue chan delivery
	stop  chan struct{}
	done  chan struct{}
	sleep func(context.Context, time.Duration) bool
}

type delivery struct {
	ev       Event
	attempts int
}

func NewWebhook(url, secret string, maxAttempts int, logger *slog.Logger) *Webhook {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		URL: url, Secret: secret, MaxAttempts: maxAttempts, Log: logger,
		HTTP:  &http.Client{Timeout: 5 * time.Second},
		queue: make(chan delivery, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		sleep: sleepCtx,
	}
}

func (w *Webhook) Publish(_ context.Context, ev Event) error {
	select {
	case w.queue <- delivery{ev: ev}:
		return nil
	default:
		return fmt.Errorf("webhook queue full, dropping %s", ev.ID)
	}
}

func (w *Webhook) Start() {
	go func() {
		defer close(w.done)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-w.stop
			cancel()
		}()
		for {
			select {
			case <-w.stop:
				return
			case d := <-w.queue:
				w.deliver(ctx, d)
			}
		}
	}()
}

// Stop ends the worker; queued events not yet delivered are dropped.
func (w *Webhook) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Webhook) deliver(ctx context.Context, d delivery) {
	body, sig, err := Encode(d.ev, w.Secret)
	if err != nil {
		w.Log.Error("webhook encode", slog.Any("err", err))
		return
	}
	for {
		code, err := w.post(ctx, d.ev, body, sig)
		if err == nil && code >= 200 && code < 300 {
			return
		}
		d.attempts++
		if d.attempts >= w.MaxAttempts {
			w.Log.Warn("webhook delivery failed", slog.String("event_id", d.ev.ID), slog.Int("attempts", d.attempts), slog.Int("status", code), slog.Any("err", err))
			return
		}
		if !w.sleep(ctx, nextBackoff(d.attempts-1)) {
			return
		}
	}
}

func (w *Webhook) post(ctx context.Context, ev Event, body []byte, sig string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", ev.Type)
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 { attempts = 0 }
	if attempts > 10 { attempts = 10 }
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour { base = time.Hour }
	return base
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
