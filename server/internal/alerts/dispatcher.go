package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ppeguard/ppeguard/pkg/types"
	"github.com/ppeguard/ppeguard/server/internal/engine"
)

// Default retry policy values, applied when a Config field is zero.
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 10 * time.Second
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
)

// Notification is what a transport delivers.
type Notification struct {
	EventID string         `json:"event_id"`
	Message string         `json:"message"`
	Worker  types.Worker   `json:"worker"`
	Verdict engine.Verdict `json:"verdict"`
	SentAt  time.Time      `json:"sent_at"`
}

// Transport delivers a notification over one channel.
// Send must honour ctx; the dispatcher abandons attempts that outlive it.
type Transport interface {
	Channel() types.Channel
	Send(ctx context.Context, n Notification) error
}

type funcTransport struct {
	ch types.Channel
	fn func(context.Context, Notification) error
}

func (f funcTransport) Channel() types.Channel { return f.ch }

func (f funcTransport) Send(ctx context.Context, n Notification) error { return f.fn(ctx, n) }

// FuncTransport adapts fn into a Transport bound to ch.
func FuncTransport(ch types.Channel, fn func(context.Context, Notification) error) Transport {
	return funcTransport{ch: ch, fn: fn}
}

// Request is one alert to fan out.
type Request struct {
	EventID  string
	Verdict  engine.Verdict
	Worker   types.Worker
	Channels []types.Channel
	Message  string

	// At is the event time carried to transports. Defaults to now.
	At time.Time
}

// ChannelOutcome is the delivery result for one channel.
type ChannelOutcome struct {
	Channel   types.Channel `json:"channel"`
	Succeeded bool          `json:"succeeded"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`

	// Err is the typed failure (ErrChannelNotConfigured, ErrChannelTransport
	// or ErrCancelled) for errors.Is checks. Nil on success.
	Err error `json:"-"`
}

func (o *ChannelOutcome) fail(err error) {
	o.Succeeded = false
	o.Err = err
	o.Error = err.Error()
}

// Result aggregates the per-channel outcomes of one dispatch.
type Result struct {
	PerChannel map[types.Channel]ChannelOutcome
}

func newResult(outcomes []ChannelOutcome) Result {
	r := Result{PerChannel: make(map[types.Channel]ChannelOutcome, len(outcomes))}
	for _, o := range outcomes {
		r.PerChannel[o.Channel] = o
	}
	return r
}

// AlertSent reports whether at least one channel delivered the alert.
func (r Result) AlertSent() bool {
	for _, o := range r.PerChannel {
		if o.Succeeded {
			return true
		}
	}
	return false
}

// Delivered returns the channels that succeeded, sorted.
func (r Result) Delivered() []types.Channel {
	out := make([]types.Channel, 0, len(r.PerChannel))
	for ch, o := range r.PerChannel {
		if o.Succeeded {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON emits the breakdown together with the derived alert_sent flag.
func (r Result) MarshalJSON() ([]byte, error) {
	per := r.PerChannel
	if per == nil {
		per = map[types.Channel]ChannelOutcome{}
	}
	return json.Marshal(struct {
		AlertSent  bool                             `json:"alert_sent"`
		PerChannel map[types.Channel]ChannelOutcome `json:"per_channel"`
	}{r.AlertSent(), per})
}

// Config is the retry and concurrency policy of a Dispatcher.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// MaxConcurrency caps in-flight attempts across all dispatches.
	// Zero means unbounded.
	MaxConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}

// Dispatcher delivers alerts to registered transports.
//
// Dispatcher holds no per-event state and is safe for concurrent use.
type Dispatcher struct {
	cfg        Config
	transports map[types.Channel]Transport
	sem        *semaphore.Weighted // nil when unbounded

	after func(time.Duration) <-chan time.Time // injectable for tests
}

// New creates a Dispatcher with the given policy and transports.
// A later transport for the same channel replaces an earlier one.
func New(cfg Config, transports ...Transport) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:        cfg,
		transports: make(map[types.Channel]Transport, len(transports)),
		after:      time.After,
	}
	if cfg.MaxConcurrency > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	for _, t := range transports {
		if t == nil {
			continue
		}
		d.transports[t.Channel()] = t
	}
	return d
}

// Channels returns the channels that have a transport bound, sorted.
func (d *Dispatcher) Channels() []types.Channel {
	out := make([]types.Channel, 0, len(d.transports))
	for ch := range d.transports {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch attempts delivery of req on every requested channel concurrently
// and returns once each channel has an outcome.
//
// A request with no channels or an empty message fails with
// types.ErrConfiguration before anything is sent. All other failures are
// recorded per channel. Dispatch never de-duplicates across calls.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	channels, err := validateRequest(req)
	if err != nil {
		return Result{}, err
	}

	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	n := Notification{
		EventID: req.EventID,
		Message: req.Message,
		Worker:  req.Worker,
		Verdict: req.Verdict,
		SentAt:  at,
	}

	outcomes := make([]ChannelOutcome, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch types.Channel) {
			defer wg.Done()
			outcomes[i] = d.deliver(ctx, ch, n)
		}(i, ch)
	}
	wg.Wait()

	res := newResult(outcomes)
	slog.Info("alerts: dispatch complete",
		"event", req.EventID,
		"alert_sent", res.AlertSent(),
		"channels", len(channels),
		"delivered", len(res.Delivered()),
	)
	return res, nil
}

// validateRequest returns the de-duplicated channel list of req.
func validateRequest(req Request) ([]types.Channel, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: alert message is empty", types.ErrConfiguration)
	}
	seen := make(map[types.Channel]struct{}, len(req.Channels))
	out := make([]types.Channel, 0, len(req.Channels))
	for _, ch := range req.Channels {
		if ch == "" {
			return nil, fmt.Errorf("%w: blank channel name", types.ErrConfiguration)
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: alert request has no channels", types.ErrConfiguration)
	}
	return out, nil
}

// deliver runs the retry loop for one channel. It is the only writer of the
// returned outcome.
func (d *Dispatcher) deliver(ctx context.Context, ch types.Channel, n Notification) ChannelOutcome {
	out := ChannelOutcome{Channel: ch}

	t, ok := d.transports[ch]
	if !ok {
		out.fail(fmt.Errorf("%w: %s", ErrChannelNotConfigured, ch))
		slog.Warn("alerts: channel not configured", "channel", ch, "event", n.EventID)
		return out
	}

	bo := newBackoff(d.cfg.BackoffInitial, d.cfg.BackoffMax)
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.acquire(ctx); err != nil {
			out.fail(cancelled(err, lastErr))
			return out
		}
		out.Attempts = attempt
		err := d.attempt(ctx, t, n)
		d.release()

		if err == nil {
			out.Succeeded = true
			out.Err = nil
			out.Error = ""
			slog.Debug("alerts: channel delivered",
				"channel", ch, "event", n.EventID, "attempt", attempt)
			return out
		}
		lastErr = err

		if ctx.Err() != nil {
			out.fail(cancelled(ctx.Err(), lastErr))
			return out
		}

		if IsPermanent(err) {
			slog.Error("alerts: permanent channel error, not retrying",
				"channel", ch, "event", n.EventID, "attempt", attempt, "err", err)
			break
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}

		wait := bo.next()
		slog.Warn("alerts: channel delivery failed, will retry",
			"channel", ch, "event", n.EventID, "attempt", attempt,
			"err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			out.fail(cancelled(ctx.Err(), lastErr))
			return out
		case <-d.after(wait):
		}
	}

	out.fail(fmt.Errorf("%w: %s: %w", ErrChannelTransport, ch, lastErr))
	slog.Error("alerts: channel delivery failed",
		"channel", ch, "event", n.EventID, "attempts", out.Attempts, "err", lastErr)
	return out
}

// attempt performs one bounded Send. A transport that ignores its context is
// abandoned when the attempt deadline passes; its goroutine drains into a
// buffered channel.
func (d *Dispatcher) attempt(ctx context.Context, t Transport, n Notification) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("transport panic: %v", r)
			}
		}()
		done <- t.Send(actx, n)
	}()

	select {
	case err := <-done:
		return err
	case <-actx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("attempt timed out after %s: %w", d.cfg.AttemptTimeout, actx.Err())
	}
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.sem == nil {
		return ctx.Err()
	}
	return d.sem.Acquire(ctx, 1)
}

func (d *Dispatcher) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}

// cancelled builds the ErrCancelled failure, keeping the last transport error
// in the chain when there was one.
func cancelled(cause, last error) error {
	if last != nil && !errors.Is(last, cause) {
		return fmt.Errorf("%w: %w (last error: %v)", ErrCancelled, cause, last)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
