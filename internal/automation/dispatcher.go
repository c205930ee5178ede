package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-bizchat-backend/internal/config"
	"github.com/tbourn/go-bizchat-backend/internal/domain"
	"github.com/tbourn/go-bizchat-backend/internal/observability"
	"github.com/tbourn/go-bizchat-backend/internal/repo"
)

// backoffSchedule is the fixed retry-delay table indexed by how many
// delivery attempts have completed. Attempts beyond the table reuse the
// last value.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// backoffDelay returns the delay before retry number attempt (1-based: the
// delay scheduled after the attempt-th failed delivery).
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		attempt = len(backoffSchedule)
	}
	return backoffSchedule[attempt-1]
}

// secretHeader authenticates deliveries to the workflow engine.
const secretHeader = "X-Automation-Secret"

// deliveryBody is the JSON document posted per event.
type deliveryBody struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
	Ts       time.Time       `json:"ts"`
}

// Dispatcher is the single polling loop that drains due automation events.
//
// Running more than one dispatcher instance against the same database
// causes duplicate delivery attempts; downstream consumers must tolerate
// at-least-once semantics, and deployments should run exactly one.
type Dispatcher struct {
	db    *gorm.DB
	cfg   config.DispatcherConfig
	httpc *http.Client
	now   func() time.Time // test seam

	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher constructs a stopped Dispatcher.
func NewDispatcher(db *gorm.DB, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		db:    db,
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.HTTPTimeout},
		now:   time.Now,
		done:  make(chan struct{}),
	}
}

// Start launches the polling loop. It returns immediately; the loop runs
// until Stop is called or ctx is canceled. Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		go d.run(ctx)
	})
}

// Stop cancels the loop and waits for in-flight deliveries to finish, or
// for ctx to expire. Stop is idempotent.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		select {
		case <-d.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// run polls on the configured interval until canceled. One poll fires
// immediately on start so queued events do not wait a full interval.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce polls for one batch of due events and delivers them concurrently.
// Exported so tests (and operational tooling) can drive the dispatcher
// without the timer.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	events, err := repo.ListDueAutomationEvents(ctx, d.db, d.now().UTC(), d.cfg.MaxAttempts, d.cfg.BatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("automation poll failed")
		return
	}
	if len(events) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := range events {
		wg.Add(1)
		go func(e domain.AutomationEvent) {
			defer wg.Done()
			d.deliverAndSettle(ctx, e)
		}(events[i])
	}
	wg.Wait()
}

// deliverAndSettle posts one event and records the outcome: dispatched on a
// 2xx, rescheduled per the backoff table otherwise, terminally failed once
// the attempt budget is spent.
func (d *Dispatcher) deliverAndSettle(ctx context.Context, e domain.AutomationEvent) {
	deliveryErr := d.deliver(ctx, e)
	if deliveryErr == nil {
		if err := repo.MarkEventDispatched(ctx, d.db, e.ID); err != nil {
			log.Error().Err(err).Str("event_id", e.ID).Msg("mark dispatched failed")
			return
		}
		observability.AutomationDeliveries.WithLabelValues(observability.DeliveryDispatched).Inc()
		log.Info().Str("event_id", e.ID).Str("type", string(e.Type)).Msg("automation event dispatched")
		return
	}

	attempt := e.Attempts + 1
	if attempt >= d.cfg.MaxAttempts {
		if err := repo.FailEvent(ctx, d.db, e.ID, deliveryErr.Error()); err != nil {
			log.Error().Err(err).Str("event_id", e.ID).Msg("mark failed failed")
			return
		}
		observability.AutomationDeliveries.WithLabelValues(observability.DeliveryFailed).Inc()
		log.Error().Err(deliveryErr).Str("event_id", e.ID).Int("attempts", attempt).
			Msg("automation event failed terminally")
		return
	}

	next := d.now().UTC().Add(backoffDelay(attempt))
	if err := repo.RescheduleEvent(ctx, d.db, e.ID, next, deliveryErr.Error()); err != nil {
		log.Error().Err(err).Str("event_id", e.ID).Msg("reschedule failed")
		return
	}
	observability.AutomationDeliveries.WithLabelValues(observability.DeliveryRescheduled).Inc()
	log.Warn().Err(deliveryErr).Str("event_id", e.ID).Int("attempt", attempt).
		Time("next_retry_at", next).Msg("automation delivery failed, rescheduled")
}

// deliver issues the HTTP POST for one event. nil means the delivery was
// accepted (2xx).
func (d *Dispatcher) deliver(ctx context.Context, e domain.AutomationEvent) error {
	body, err := json.Marshal(deliveryBody{
		ID:       e.ID,
		Type:     string(e.Type),
		TenantID: e.TenantID,
		Payload:  json.RawMessage(e.Payload),
		Ts:       d.now().UTC(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, d.cfg.Secret)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
