package jobflow

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

type dispatchers struct {
	mu sync.RWMutex
	m  map[string]Dispatcher
}

func newDispatchers() *dispatchers {
	return &dispatchers{m: make(map[string]Dispatcher)}
}

// RegisterDispatcher associates d with its name. Registering two dispatchers
// under the same name panics.
func (m *Manager) RegisterDispatcher(d Dispatcher) {
	m.dispatchers.mu.Lock()
	defer m.dispatchers.mu.Unlock()
	if _, ok := m.dispatchers.m[d.Name()]; ok {
		panic(fmt.Sprintf("dispatcher %s already registered", d.Name()))
	}
	m.dispatchers.m[d.Name()] = d
}

// getDispatcher returns the dispatcher registered under name.
func (m *Manager) getDispatcher(name string) (Dispatcher, error) {
	m.dispatchers.mu.RLock()
	defer m.dispatchers.mu.RUnlock()
	d, ok := m.dispatchers.m[name]
	if !ok || name == "" {
		return nil, errors.Wrapf(ErrDispatcherNotFound, "no dispatcher registered under %q", name)
	}
	return d, nil
}
