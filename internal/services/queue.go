package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-bizchat-backend/internal/config"
	"github.com/tbourn/go-bizchat-backend/internal/wa"
)

// Processor consumes one normalized inbound message. Satisfied by
// WebhookService.ProcessInbound.
type Processor interface {
	ProcessInbound(ctx context.Context, msg wa.InboundMessage) (string, error)
}

// Queue decouples webhook acknowledgment from message processing: the
// handler enqueues and returns 200 immediately, a fixed pool of workers
// drains the buffer. When the buffer is full the message is dropped with
// ErrQueueFull; the provider redelivers and deduplication absorbs the
// overlap.
type Queue struct {
	proc    Processor
	buf     chan wa.InboundMessage
	workers int

	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	startOne sync.Once
	stopOne  sync.Once
}

// NewQueue sizes the pool and buffer from cfg.
func NewQueue(proc Processor, cfg config.PipelineConfig) *Queue {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &Queue{
		proc:    proc,
		buf:     make(chan wa.InboundMessage, size),
		workers: workers,
	}
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (q *Queue) Start() {
	q.startOne.Do(func() {
		q.baseCtx, q.cancel = context.WithCancel(context.Background())
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.worker(i)
		}
	})
}

// Stop closes intake and waits for in-flight work, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	var err error
	q.stopOne.Do(func() {
		close(q.buf)
		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			q.cancel()
			err = ctx.Err()
		}
	})
	return err
}

// Enqueue hands a message to the pool without blocking the webhook request.
func (q *Queue) Enqueue(msg wa.InboundMessage) error {
	select {
	case q.buf <- msg:
		return nil
	default:
		log.Warn().Str("provider_message_id", msg.MessageID).Msg("queue full, dropping message")
		return ErrQueueFull
	}
}

// worker drains the buffer until it is closed. A panic while processing one
// message is logged and must not take the worker down with it.
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for msg := range q.buf {
		q.process(id, msg)
	}
}

func (q *Queue) process(id int, msg wa.InboundMessage) {
	wlog := log.With().
		Int("worker", id).
		Str("provider_message_id", msg.MessageID).
		Str("phone_number_id", msg.PhoneNumberID).
		Logger()
	ctx := wlog.WithContext(q.baseCtx)

	defer func() {
		if r := recover(); r != nil {
			wlog.Error().Interface("panic", r).Msg("message processing panicked")
		}
	}()

	outcome, err := q.proc.ProcessInbound(ctx, msg)
	if err != nil {
		wlog.Error().Err(err).Msg("message processing failed")
		return
	}
	wlog.Info().Str("outcome", outcome).Msg("message processed")
}
