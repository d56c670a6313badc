package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"confessbot/internal/faults"
	"confessbot/internal/storage"
)

var ErrNoTransport = errors.New("no transport for platform")

// Mux routes Send calls to the adapter of the destination's platform.
type Mux struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewMux() *Mux { return &Mux{senders: map[string]Sender{}} }

func (m *Mux) Register(platform string, s Sender) {
	m.mu.Lock()
	m.senders[platform] = s
	m.mu.Unlock()
}

func (m *Mux) Unregister(platform string) {
	m.mu.Lock()
	delete(m.senders, platform)
	m.mu.Unlock()
}

func (m *Mux) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.senders))
	for p := range m.senders {
		out = append(out, p)
	}
	return out
}

// Send delivers to d's platform. A platform without an adapter is a
// transient fault: the adapter may be re-enabled by a config reload and its
// destinations must not be unsubscribed meanwhile.
func (m *Mux) Send(ctx context.Context, d storage.Destination, text string) error {
	m.mu.RLock()
	s := m.senders[d.Platform]
	m.mu.RUnlock()
	if s == nil {
		return faults.Transient(fmt.Errorf("%w %q", ErrNoTransport, d.Platform))
	}
	return s.Send(ctx, d, text)
}
