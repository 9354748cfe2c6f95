// Package auth exposes the authenticated console session and notifies
// listeners when the active business changes.
package auth

import (
	"strings"
	"sync"
)

// Business is the workspace owner the session acts for. Older backends send
// businessId, newer ones id.
type Business struct {
	ID         string `json:"id,omitempty"`
	BusinessID string `json:"businessId,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Key returns the business identifier, preferring id over businessId.
func (b *Business) Key() string {
	if b == nil {
		return ""
	}
	if id := strings.TrimSpace(b.ID); id != "" {
		return id
	}
	return strings.TrimSpace(b.BusinessID)
}

// Session is the authenticated user state.
type Session struct {
	UserID   string    `json:"userId,omitempty"`
	Email    string    `json:"email,omitempty"`
	Role     string    `json:"role,omitempty"`
	Business *Business `json:"business,omitempty"`
	Loading  bool      `json:"-"`
}

// BusinessID returns the active business id, or "" when none is associated.
func (s Session) BusinessID() string {
	return s.Business.Key()
}

// Authenticated reports whether a user is signed in.
func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.UserID) != "" || s.Business.Key() != ""
}

// Provider is the auth collaborator consumed by the entitlements store.
type Provider interface {
	Session() Session
	Subscribe(func(Session)) (unsubscribe func())
}

// Holder is an in-memory Provider. Set notifies subscribers synchronously.
type Holder struct {
	mu      sync.RWMutex
	session Session
	nextID  int
	subs    map[int]func(Session)
}

// NewHolder creates a holder with an initial session.
func NewHolder(initial Session) *Holder {
	return &Holder{session: initial, subs: make(map[int]func(Session))}
}

// Session returns the current session.
func (h *Holder) Session() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// Set replaces the session and notifies subscribers.
func (h *Holder) Set(s Session) {
	h.mu.Lock()
	h.session = s
	listeners := make([]func(Session), 0, len(h.subs))
	for id := 0; id <= h.nextID; id++ {
		if fn, ok := h.subs[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// SetBusiness switches the active business, keeping the rest of the session.
// An empty id clears the business.
func (h *Holder) SetBusiness(id string) {
	s := h.Session()
	s.Loading = false
	if strings.TrimSpace(id) == "" {
		s.Business = nil
	} else {
		s.Business = &Business{ID: id}
	}
	h.Set(s)
}

// Subscribe registers fn for session changes.
func (h *Holder) Subscribe(fn func(Session)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}
