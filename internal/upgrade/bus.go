// Package upgrade carries "the user was denied something" signals from any gate
// to whichever component renders the upgrade prompt.
package upgrade

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Reason says why an upgrade is being requested.
type Reason string

const (
	ReasonFeature Reason = "feature"
	ReasonQuota   Reason = "quota"
	ReasonPlan    Reason = "plan"
	ReasonLimit   Reason = "limit"
)

// Request is the payload of one upgrade signal. It is never persisted.
type Request struct {
	ID       string    `json:"id"`
	Reason   Reason    `json:"reason"`
	Code     string    `json:"code,omitempty"`
	QuotaKey string    `json:"quotaKey,omitempty"`
	PlanTier string    `json:"planTier,omitempty"`
	Source   string    `json:"source,omitempty"`
	At       time.Time `json:"at"`
}

// Handler receives upgrade requests.
type Handler func(Request)

type subscription struct {
	id      uint64
	handler Handler
	removed *atomic.Bool
}

// Bus is a synchronous broadcast channel. Handlers run on the publisher's
// goroutine in subscription order; there is no buffering and no replay.
// Handlers may publish or unsubscribe re-entrantly.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription

	nowFn   func() time.Time
	onEvent func(Request, int)
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.nowFn = now }
}

// WithObserver registers a hook called after every publish with the number of
// handlers that received it. Used for metrics.
func WithObserver(fn func(req Request, delivered int)) Option {
	return func(b *Bus) { b.onEvent = fn }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{nowFn: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RequestUpgrade broadcasts req to every current subscriber. With no subscriber
// the request is dropped.
func (b *Bus) RequestUpgrade(req Request) {
	if b == nil {
		return
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.At.IsZero() {
		req.At = b.nowFn()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if b.deliver(s, req) {
			delivered++
		}
	}

	if delivered == 0 {
		log.Debug().
			Str("reason", string(req.Reason)).
			Str("code", req.Code).
			Str("quota_key", req.QuotaKey).
			Msg("Upgrade request dropped: no subscribers")
	}
	if b.onEvent != nil {
		b.onEvent(req, delivered)
	}
}

// SubscribeUpgrade registers handler and returns a function that removes it.
// The returned function is idempotent. Once it returns, any publish that has not
// yet started the handler skips it, including a publish in progress on the
// calling goroutine. A call already running on another goroutine is not waited
// for and may finish after unsubscribe returns.
func (b *Bus) SubscribeUpgrade(handler Handler) (unsubscribe func()) {
	if b == nil || handler == nil {
		return func() {}
	}
	removed := new(atomic.Bool)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: handler, removed: removed})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			removed.Store(true)
			b.remove(id)
		})
	}
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// deliver runs the handler unless it was removed after the publish took its
// copy of the subscriber list.
func (b *Bus) deliver(s subscription, req Request) (ran bool) {
	if s.removed.Load() {
		return false
	}
	ran = true
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("subscriber", s.id).
				Str("reason", string(req.Reason)).
				Msg("Upgrade handler panicked")
		}
	}()
	s.handler(req)
	return ran
}
