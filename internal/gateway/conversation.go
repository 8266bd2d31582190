package gateway

import (
	"context"
	"sync"

	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/pkg/models"
)

// conversation is the per-key state: the serialized work lane, the active
// session, per-session overrides, and the in-flight turn's cancel hook.
// Turns for one conversation run strictly in order; turns across
// conversations run in parallel.
type conversation struct {
	key    string
	origin models.Origin

	// queue is the conversation's FIFO lane. Capacity is the shed
	// watermark; a full lane drops the message with a busy reply.
	queue chan func(context.Context)
	once  sync.Once
	wg    *sync.WaitGroup

	mu          sync.Mutex
	sessionID   string
	model       string
	personality string
	cancelTurn  context.CancelFunc
	clarify     chan string
	todos       *tools.TodoList
}

func newConversation(key string, origin models.Origin, watermark int, wg *sync.WaitGroup) *conversation {
	if watermark <= 0 {
		watermark = 16
	}
	return &conversation{
		key:    key,
		origin: origin,
		queue:  make(chan func(context.Context), watermark),
		wg:     wg,
		todos:  tools.NewTodoList(),
	}
}

// enqueue adds work to the lane, starting the worker on first use. It
// reports false when the lane is at its watermark.
func (c *conversation) enqueue(fn func(context.Context)) bool {
	select {
	case c.queue <- fn:
	default:
		return false
	}
	c.once.Do(func() {
		c.wg.Add(1)
		go c.work()
	})
	return true
}

// work drains the lane one turn at a time. Each turn gets its own
// cancellable context so /stop interrupts only the in-flight turn.
func (c *conversation) work() {
	defer c.wg.Done()
	for fn := range c.queue {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelTurn = cancel
		c.mu.Unlock()

		fn(ctx)

		c.mu.Lock()
		c.cancelTurn = nil
		c.mu.Unlock()
		cancel()
	}
}

// stopTurn cancels the in-flight turn, if any. Queued turns still run,
// each beginning a fresh agent run.
func (c *conversation) stopTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTurn == nil {
		return false
	}
	c.cancelTurn()
	return true
}

func (c *conversation) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conversation) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// resetSession clears the session binding and per-session state,
// returning the old session ID.
func (c *conversation) resetSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.sessionID
	c.sessionID = ""
	c.todos.Clear()
	return old
}

// askClarify opens the clarify slot and returns the channel the next
// inbound message will answer on.
func (c *conversation) askClarify() chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clarify = make(chan string, 1)
	return c.clarify
}

// answerClarify resolves a waiting clarify question with the inbound
// text. It reports whether a question was waiting.
func (c *conversation) answerClarify(text string) bool {
	c.mu.Lock()
	ch := c.clarify
	c.clarify = nil
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- text:
	default:
	}
	return true
}

func (c *conversation) modelOverride() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *conversation) setModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

func (c *conversation) personalityOverride() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.personality
}

func (c *conversation) setPersonality(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personality = name
}
