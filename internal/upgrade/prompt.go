package upgrade

import "sync"

// Prompt is the single root-mounted consumer: it remembers only the most recent
// request. A newer request replaces whatever is pending.
type Prompt struct {
	mu       sync.Mutex
	pending  *Request
	shown    int
	onChange func(Request)
	unsub    func()
}

// NewPrompt subscribes a prompt to bus. onChange, when non-nil, is called with
// every request the prompt accepts.
func NewPrompt(bus *Bus, onChange func(Request)) *Prompt {
	p := &Prompt{onChange: onChange}
	p.unsub = bus.SubscribeUpgrade(p.handle)
	return p
}

func (p *Prompt) handle(req Request) {
	p.mu.Lock()
	r := req
	p.pending = &r
	p.shown++
	cb := p.onChange
	p.mu.Unlock()

	if cb != nil {
		cb(req)
	}
}

// Pending returns the request currently on display.
func (p *Prompt) Pending() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Request{}, false
	}
	return *p.pending, true
}

// Shown returns how many requests the prompt has accepted.
func (p *Prompt) Shown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown
}

// Dismiss clears the pending request.
func (p *Prompt) Dismiss() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// Close detaches the prompt from its bus.
func (p *Prompt) Close() {
	if p.unsub != nil {
		p.unsub()
	}
}
