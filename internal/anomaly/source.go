// Package anomaly defines the contract for the external ML collaborator
// that scores each frame, plus a concrete built-in scorer.
//
// The trust engine treats Source as an opaque sensor: a non-negative
// scalar with no threshold semantics, nominal mean around 0.02, unbounded
// above. Source implementations are swappable the way the teacher's
// contrib package lets operators swap anomaly scorers without touching
// the escalation logic — the engine only ever sees the scalar.
package anomaly

import (
	"fmt"
	"sync"

	"github.com/visionguard/visionguard/internal/frame"
)

// Source scores a single frame. Implementations must be goroutine-safe,
// must return quickly (the caller is on a tick-rate budget), must not
// perform blocking I/O, and must never panic — a Source that cannot score
// a frame should return (0, err) and let the caller substitute 0, per the
// AnomalyUnavailable disposition.
type Source interface {
	// Name returns a stable, unique identifier used as a config key.
	Name() string
	// Score returns a non-negative anomaly scalar for f.
	Score(f *frame.Frame) (float64, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Source{}
)

// Register adds s to the set of sources selectable by name. Panics if the
// name is already registered, matching the teacher's plugin registration
// discipline (a duplicate name is a programmer error, not a runtime one).
func Register(s Source) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name := s.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("anomaly: source %q already registered", name))
	}
	registry[name] = s
}

// Lookup returns the registered source with the given name, or nil and
// false if no such source is registered.
func Lookup(name string) (Source, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}
