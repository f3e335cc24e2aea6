package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("notification queue is full")
	ErrClosed    = errors.New("notification dispatcher is closed")
)

// Observer receives one call per terminal delivery outcome.
type Observer interface {
	DeliveryObserved(status string)
}

// DefaultRetryBackoff is the wait before the second attempt; later attempts
// wait proportionally longer.
const DefaultRetryBackoff = time.Second

// DispatcherConfig tunes the worker pool. A zero RetryBackoff means
// DefaultRetryBackoff.
type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	SendTimeout  time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 2
	}
	if c.QueueSize < 1 {
		c.QueueSize = 100
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Dispatcher queues rendered notifications and delivers them from a fixed
// pool of workers. Enqueue never blocks the caller. Only undelivered
// notifications are held in memory; finished ones are reduced to counters.
type Dispatcher struct {
	cfg       DispatcherConfig
	sender    EmailSender
	templates *TemplateEngine
	logger    zerolog.Logger
	observer  Observer

	queue  chan *Notification
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending map[string]*Notification
	counts  map[string]int
}

// NewDispatcher starts the worker pool. observer may be nil.
func NewDispatcher(cfg DispatcherConfig, sender EmailSender, templates *TemplateEngine, observer Observer, logger zerolog.Logger) *Dispatcher {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:       cfg,
		sender:    sender,
		templates: templates,
		logger:    logger.With().Str("component", "notification").Logger(),
		observer:  observer,
		queue:     make(chan *Notification, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*Notification),
		counts:    make(map[string]int),
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue renders the template and queues one email to recipient. It returns
// the notification id, or ErrQueueFull/ErrClosed when the message was not
// accepted.
func (d *Dispatcher) Enqueue(templateID, recipient string, data map[string]string) (string, error) {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return "", fmt.Errorf("render notification: %w", err)
	}

	n := &Notification{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
		CreatedAt:  time.Now().UTC(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}

	select {
	case d.queue <- n:
		d.pending[n.ID] = n
		return n.ID, nil
	default:
		d.counts[StatusDropped]++
		d.observe(StatusDropped)
		d.logger.Warn().
			Str("notification_id", n.ID).
			Str("template", templateID).
			Msg("notification queue full, dropping message")
		return n.ID, ErrQueueFull
	}
}

// Stats counts notifications by status. Queued covers messages not yet
// finished, including ones being sent.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := make(map[string]int, len(d.counts)+1)
	for status, n := range d.counts {
		stats[status] = n
	}
	if len(d.pending) > 0 {
		stats[StatusQueued] = len(d.pending)
	}
	return stats
}

// Close stops accepting work and waits for the queue to drain. If ctx ends
// first, in-flight sends are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n *Notification) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if d.ctx.Err() != nil {
			lastErr = d.ctx.Err()
			break
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
		lastErr = d.sender.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
		cancel()
		attempts = attempt

		if lastErr == nil {
			d.finish(n, StatusSent)
			d.logger.Info().
				Str("notification_id", n.ID).
				Str("template", n.TemplateID).
				Int("attempts", attempt).
				Msg("notification sent")
			return
		}

		d.logger.Warn().
			Err(lastErr).
			Str("notification_id", n.ID).
			Int("attempt", attempt).
			Msg("notification delivery attempt failed")

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-time.After(d.cfg.RetryBackoff * time.Duration(attempt)):
			case <-d.ctx.Done():
			}
		}
	}

	d.finish(n, StatusFailed)
	d.logger.Error().
		Err(lastErr).
		Str("notification_id", n.ID).
		Str("template", n.TemplateID).
		Int("attempts", attempts).
		Msg("notification delivery failed")
}

// finish releases a delivered or abandoned notification and counts its
// outcome.
func (d *Dispatcher) finish(n *Notification, status string) {
	d.mu.Lock()
	delete(d.pending, n.ID)
	d.counts[status]++
	d.mu.Unlock()
	d.observe(status)
}

func (d *Dispatcher) observe(status string) {
	if d.observer != nil {
		d.observer.DeliveryObserved(status)
	}
}
