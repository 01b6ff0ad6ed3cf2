// Package ocr defines the recognizer contract and routes each image to the
// backend chosen by the selector.
package ocr

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/ocr-gateway/internal/imagesrc"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// Engine recognizes text regions in an image.
//
// Failures are *provider.Error values of kind Transport, Quota, Auth or
// Client, or provider.ErrNoText when the page has no text.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img imagesrc.Image) ([]types.Fragment, error)
}

// Registry maps backend names to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates a registry holding engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds or replaces an engine under its name.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recognize runs the named backend and stamps each fragment with it.
func (r *Registry) Recognize(ctx context.Context, img imagesrc.Image, backend string) ([]types.Fragment, error) {
	r.mu.RLock()
	engine, ok := r.engines[backend]
	r.mu.RUnlock()
	if !ok {
		return nil, provider.New(backend, provider.KindConfiguration, fmt.Errorf("no recognizer registered for backend %q", backend))
	}

	fragments, err := engine.Recognize(ctx, img)
	if err != nil {
		return nil, err
	}
	for i := range fragments {
		fragments[i].BackendUsed = backend
	}
	return fragments, nil
}
