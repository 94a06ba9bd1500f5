package orchestrator

import (
	"sync"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

// publisher fans progress events out to per-session subscribers. The run
// goroutine is the only writer, so events reach every subscriber in
// publish order; tokens are never reordered or coalesced.
type publisher struct {
	mu   sync.Mutex
	subs map[string][]chan contractx.ProgressEvent
}

func newPublisher() *publisher {
	return &publisher{subs: make(map[string][]chan contractx.ProgressEvent)}
}

func (p *publisher) subscribe(sessionID string, buffer int) <-chan contractx.ProgressEvent {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan contractx.ProgressEvent, buffer)
	p.mu.Lock()
	p.subs[sessionID] = append(p.subs[sessionID], ch)
	p.mu.Unlock()
	return ch
}

// publish delivers one event to every subscriber of its session. Sends
// block once a subscriber's buffer is full; consumers are expected to
// drain their channel for the lifetime of a run.
func (p *publisher) publish(ev contractx.ProgressEvent) {
	p.mu.Lock()
	targets := append([]chan contractx.ProgressEvent(nil), p.subs[ev.SessionID]...)
	p.mu.Unlock()

	for _, ch := range targets {
		ch <- ev
	}
}

// closeSession closes and forgets the session's subscriber channels. Called
// exactly once per run, after the final event went out.
func (p *publisher) closeSession(sessionID string) {
	p.mu.Lock()
	targets := p.subs[sessionID]
	delete(p.subs, sessionID)
	p.mu.Unlock()

	for _, ch := range targets {
		close(ch)
	}
}
