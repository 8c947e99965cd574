package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pagemesh/pagemesh/db"
)

// NotificationChannel is the capability every delivery channel implements.
// Send reports its outcome as a value; a channel must not panic, and if it
// does the dispatcher captures it as a failed result.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, userID string, payload db.NotificationPayload) db.ChannelDeliveryResult
	SupportsInteractivity() bool
}

// ProviderStatus is optionally implemented by channels that can report
// provider health for dashboards.
type ProviderStatus interface {
	Status(ctx context.Context) (healthy bool, latency time.Duration)
}

// ChannelRegistry maps channel names to implementations. It is built at
// startup and read-only afterwards; the lock only guards registration.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]NotificationChannel
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[string]NotificationChannel)}
}

// Register adds a channel. Registering the same name twice is a programming
// error and fails loudly at startup.
func (r *ChannelRegistry) Register(ch NotificationChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %q already registered", ch.Name())
	}
	r.channels[ch.Name()] = ch
	return nil
}

// Get returns the channel registered under name, or nil.
func (r *ChannelRegistry) Get(name string) NotificationChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name]
}

// Names returns the registered channel names, sorted.
func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
