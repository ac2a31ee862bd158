// Package registry holds the set of bound devices managed by this agent and
// their transient per-device upgrade state.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/iotali/device-agent/internal/logx"
)

var log = logx.With("registry")

// State is the transient per-binding upgrade state described in the data
// model: downloading and updating are mutually exclusive, stopRequested is
// observed cooperatively by the upgrade worker.
type State struct {
	Downloading   bool
	Updating      bool
	StopRequested bool
}

// Binding is a managed workload on this host.
type Binding struct {
	Key          string
	IsCustom     bool
	Directory    string
	EntryName    string
	CondaEnv     string
	StartCommand string
	UpTopic      string
	DownTopic    string

	mu    sync.Mutex
	state State
}

// WithState runs fn while holding the binding's state lock, so callers can
// inspect-then-mutate state atomically.
func (b *Binding) WithState(fn func(*State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
}

// Snapshot returns a copy of the current state.
func (b *Binding) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscriber is the subset of Transport the registry needs to keep topic
// subscriptions in sync with bind-set mutations.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, topic string) error
}

// Registry is the thread-safe binding table.
type Registry struct {
	mu         sync.Mutex
	bindings   map[string]*Binding
	agentID    string
	agentTopic string
	sub        Subscriber
	onMessage  func(topic string, payload []byte)
}

// New creates an empty registry. agentID/agentDownTopic identify the
// agent's own binding used for custom devices. onMessage is
// the handler attached to every subscribed down-topic.
func New(sub Subscriber, agentID, agentDownTopic string, onMessage func(topic string, payload []byte)) *Registry {
	return &Registry{
		bindings:   make(map[string]*Binding),
		agentID:    agentID,
		agentTopic: agentDownTopic,
		sub:        sub,
		onMessage:  onMessage,
	}
}

// Add inserts a binding, subscribing its down-topic on the transport when it
// is a registered (non-custom) device.
func (r *Registry) Add(ctx context.Context, b *Binding) error {
	r.mu.Lock()
	r.bindings[b.Key] = b
	r.mu.Unlock()

	if b.IsCustom {
		return nil
	}
	if err := r.sub.Subscribe(ctx, b.DownTopic, r.onMessage); err != nil {
		log.WithError(err).WithField("topic", b.DownTopic).Warn("subscribe failed")
		return err
	}
	return nil
}

// Update replaces a binding in place. When both the old and new bindings are
// registered (non-custom) devices with different down-topics, it
// unsubscribes the old topic and subscribes the new one.
func (r *Registry) Update(ctx context.Context, b *Binding) error {
	r.mu.Lock()
	existing, ok := r.bindings[b.Key]
	r.bindings[b.Key] = b
	r.mu.Unlock()
	if ok && !existing.IsCustom && existing.DownTopic != b.DownTopic && !b.IsCustom {
		_ = r.sub.Unsubscribe(ctx, existing.DownTopic)
		return r.sub.Subscribe(ctx, b.DownTopic, r.onMessage)
	}
	return nil
}

// Delete removes a binding, unsubscribing its down-topic if registered.
func (r *Registry) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	b, ok := r.bindings[key]
	delete(r.bindings, key)
	r.mu.Unlock()
	if !ok || b.IsCustom {
		return nil
	}
	return r.sub.Unsubscribe(ctx, b.DownTopic)
}

// Lookup finds a binding by device id or custom composite key.
func (r *Registry) Lookup(key string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[key]
	return b, ok
}

// Ensure returns the existing binding for key, or inserts and returns b if
// absent. Used to synthesize transient custom-device bindings.
func (r *Registry) Ensure(ctx context.Context, key string, b *Binding) (*Binding, error) {
	r.mu.Lock()
	existing, ok := r.bindings[key]
	if ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.bindings[key] = b
	r.mu.Unlock()
	if !b.IsCustom {
		if err := r.sub.Subscribe(ctx, b.DownTopic, r.onMessage); err != nil {
			return b, err
		}
	}
	return b, nil
}

// All returns every binding currently registered, for subscription bootstrap.
func (r *Registry) All() []*Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	return out
}

// CustomKey builds the composite key used to identify a custom device.
func CustomKey(directory, entryName string) string {
	return fmt.Sprintf("%s/%s", directory, entryName)
}
