// Package platform defines the streaming-platform integration contract used
// by onboarding, the chat commands and the notification router.
package platform

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/onnwee/stream-alerts/alerts"
)

// Platform is one streaming-platform integration.
type Platform interface {
	Name() string
	// FormatURL returns the public channel URL of streamer.
	FormatURL(streamer string) string
	// RegisterRoutes mounts the platform's webhook handlers.
	RegisterRoutes(mux *http.ServeMux)
	// Init restores persisted state, obtains a usable credential (blocking on
	// the operator handshake if necessary) and establishes the event session.
	// Background work stops when ctx is done.
	Init(ctx context.Context) error
	// Online delivers the name of every streamer that went live.
	Online() <-chan string

	AddAlert(ctx context.Context, streamer, guild string) alerts.Result
	RemoveAlert(ctx context.Context, streamer, guild string) bool
	IsSubscribed(streamer, guild string) bool
	// Subscriptions lists the subscribed streamer names.
	Subscriptions() []string
	// Ready returns nil while the platform can deliver alerts.
	Ready() error
	Close() error
}

// Registry holds the platforms that finished onboarding.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]Platform)}
}

// Add makes p available to the command layer.
func (r *Registry) Add(p Platform) {
	r.mu.Lock()
	r.platforms[strings.ToLower(p.Name())] = p
	r.mu.Unlock()
}

// Get finds a platform by case-insensitive name.
func (r *Registry) Get(name string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// All returns the available platforms sorted by name.
func (r *Registry) All() []Platform {
	r.mu.RLock()
	out := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the display names of the available platforms.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, p := range all {
		names[i] = p.Name()
	}
	return names
}
