package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/scrypster/locai/pkg/types"
)

// WebhookOptions configures a WebhookHook.
type WebhookOptions struct {
	Name     string
	Priority int32
	Timeout  time.Duration

	// Events limits which events are posted. Empty posts all of them.
	Events []EventType

	// Client defaults to an http.Client with a 10 second timeout.
	Client *http.Client

	// MaxRetries after the first attempt. Default: 3
	MaxRetries uint64

	// BreakerFailures trips the circuit after this many consecutive failed
	// deliveries. Default: 5
	BreakerFailures uint32

	// BreakerTimeout is how long the circuit stays open. Default: 30 seconds
	BreakerTimeout time.Duration
}

// WebhookHook POSTs each event as JSON to a URL. Delivery retries with
// exponential backoff (100ms initial, x2, 10s cap) and is guarded by a
// circuit breaker so a dead endpoint stops costing every write its retry
// budget. It never vetoes deletes.
type WebhookHook struct {
	Base
	url     string
	events  map[EventType]bool
	client  *http.Client
	retries uint64
	breaker *gobreaker.CircuitBreaker
}

// NewWebhookHook returns a hook posting to url.
func NewWebhookHook(url string, opts WebhookOptions) *WebhookHook {
	if opts.Name == "" {
		opts.Name = "webhook:" + url
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	var events map[EventType]bool
	if len(opts.Events) > 0 {
		events = make(map[EventType]bool, len(opts.Events))
		for _, e := range opts.Events {
			events[e] = true
		}
	}
	failures := opts.BreakerFailures
	return &WebhookHook{
		Base:    Base{HookName: opts.Name, HookPriority: opts.Priority, HookTimeout: opts.Timeout},
		url:     url,
		events:  events,
		client:  opts.Client,
		retries: opts.MaxRetries,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    opts.Name,
			Timeout: opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}),
	}
}

func (w *WebhookHook) OnMemoryCreated(ctx context.Context, m *types.Memory) Result {
	w.deliver(ctx, newEvent(EventCreated, m, nil))
	return Continue()
}

func (w *WebhookHook) OnMemoryAccessed(ctx context.Context, m *types.Memory) Result {
	w.deliver(ctx, newEvent(EventAccessed, m, nil))
	return Continue()
}

func (w *WebhookHook) OnMemoryUpdated(ctx context.Context, previous, current *types.Memory) Result {
	w.deliver(ctx, newEvent(EventUpdated, current, previous))
	return Continue()
}

func (w *WebhookHook) BeforeMemoryDeleted(ctx context.Context, m *types.Memory) Result {
	w.deliver(ctx, newEvent(EventDeleting, m, nil))
	return Continue()
}

// deliver posts e; failures are dropped since hook errors never fail the
// operation that raised them.
func (w *WebhookHook) deliver(ctx context.Context, e Event) {
	if w.events != nil && !w.events[e.Type] {
		return
	}
	_ = w.Post(ctx, e)
}

// Post sends one event through the breaker with retries.
func (w *WebhookHook) Post(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return types.Wrap(types.KindSerialization, err, "webhook: encode event")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, backoff.Retry(func() error {
			return w.post(ctx, body)
		}, backoff.WithContext(backoff.WithMaxRetries(b, w.retries), ctx))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.Wrap(types.KindConnection, err, "webhook %s", w.url)
	}
	if err != nil {
		return types.Wrap(types.KindOperation, err, "webhook %s", w.url)
	}
	return nil
}

func (w *WebhookHook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// Other client errors will not improve on retry.
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// State reports the circuit state: "closed", "open" or "half-open".
func (w *WebhookHook) State() string { return w.breaker.State().String() }
