// Package channels defines the platform adapter contract and the
// registry that aggregates inbound events from every connected
// platform into a single stream for the gateway.
package channels

import (
	"context"
	"sync"

	"github.com/haasonsaas/hermes/pkg/models"
)

// ChatInfo describes a chat as reported by the platform.
type ChatInfo struct {
	ID          string
	Name        string
	Type        models.ChatType
	Topic       string
	MemberCount int
}

// Adapter is the contract every platform connector implements. Start
// begins delivering inbound events on the Events channel; Stop tears
// the connection down and waits for in-flight handlers, honoring the
// context deadline.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send delivers text to a chat, splitting it to fit the
	// platform's message limit. The returned result carries the
	// platform message ID of the last chunk.
	Send(ctx context.Context, chatID, content string, opts *models.SendOptions) (*models.SendResult, error)

	// SendTyping shows a typing indicator where the platform has
	// one. Best effort; adapters without indicators return nil.
	SendTyping(ctx context.Context, chatID string) error

	SendImage(ctx context.Context, chatID, source, caption string, opts *models.SendOptions) (*models.SendResult, error)
	SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *models.SendOptions) (*models.SendResult, error)

	ChatInfo(ctx context.Context, chatID string) (*ChatInfo, error)

	Events() <-chan *models.MessageEvent
	Type() models.Source
}

// ApprovalRequest asks a user to authorize a command. Key is the
// conversation key the approval gate resolves on.
type ApprovalRequest struct {
	Key         string
	Command     string
	Description string
	RequesterID string
	TimeoutText string
}

// ApprovalPrompter is implemented by adapters that can render an
// interactive approval prompt (inline keyboards, buttons). Adapters
// without interactive affordances fall back to plain text prompts.
type ApprovalPrompter interface {
	PromptApproval(ctx context.Context, chatID string, req *ApprovalRequest) error
}

// Registry tracks the connected adapters and fans their event streams
// into one channel.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Source]Adapter
	order    []models.Source
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.Source]Adapter),
	}
}

// Register adds an adapter. Registering the same platform twice
// replaces the earlier adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Type()]; !ok {
		r.order = append(r.order, a.Type())
	}
	r.adapters[a.Type()] = a
}

// Get returns the adapter for a platform.
func (r *Registry) Get(src models.Source) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[src]
	return a, ok
}

// All returns the registered adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, src := range r.order {
		out = append(out, r.adapters[src])
	}
	return out
}

// StartAll starts every adapter. The first failure stops the ones
// already started and is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Adapter, 0)
	for _, a := range r.All() {
		if err := a.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return ErrConnection(string(a.Type())+" adapter failed to start", err)
		}
		started = append(started, a)
	}
	return nil
}

// StopAll stops every adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var last error
	for _, a := range r.All() {
		if err := a.Stop(ctx); err != nil {
			last = err
		}
	}
	return last
}

// Events merges the event streams of all registered adapters. The
// merged channel closes once ctx is done and the forwarding goroutines
// have drained.
func (r *Registry) Events(ctx context.Context) <-chan *models.MessageEvent {
	merged := make(chan *models.MessageEvent, 100)

	var wg sync.WaitGroup
	for _, a := range r.All() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-a.Events():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(a)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged
}
