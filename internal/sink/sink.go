// Package sink writes analysis results.
package sink

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"firestige.xyz/tracelens/pkg/model"
)

// Sink writes the result of one run.
type Sink interface {
	Write(m *model.Model) error
}

// Factory creates a sink writing to w.
type Factory func(w io.Writer) Sink

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sink available under name. Sinks register in init.
func Register(name string, fn Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = fn
}

// New creates the sink registered under name.
func New(name string, w io.Writer) (Sink, error) {
	mu.RLock()
	fn, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink %q", name)
	}
	return fn(w), nil
}

// Names lists the registered sinks.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
