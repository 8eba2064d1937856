// Package client implements the streaming chat consumer: it keeps a channel
// to the gateway open, renders streamed frames into messages, falls back to
// the synchronous HTTP endpoint, and reconciles persisted history.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultErrorText is displayed when an error frame carries no message.
const DefaultErrorText = "Sorry, there was an error processing your request."

// Message is one rendered chat bubble.
type Message struct {
	ID        string
	Role      string
	Text      string
	Citations []string
	Time      time.Time

	// Receiving is the typing indicator between start and complete.
	Receiving bool
	// AwaitingContent is set until the first chunk lands.
	AwaitingContent bool
	Sealed          bool
	Failed          bool
}

// Conversation is the transient message list of one chat session. Sealed
// messages are never modified again.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	pending  int
	cutoff   time.Time
	changed  chan struct{}
	onTitle  func(string)
	onUpdate func(Message)
	now      func() time.Time
}

// NewConversation creates an empty conversation. onTitle is called with a
// server-derived session title; onUpdate after every change to a message.
// Either may be nil.
func NewConversation(onTitle func(string), onUpdate func(Message)) *Conversation {
	return &Conversation{
		pending:  -1,
		changed:  make(chan struct{}),
		onTitle:  onTitle,
		onUpdate: onUpdate,
		now:      time.Now,
	}
}

// Messages returns a copy of the current message list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m
		out[i].Citations = append([]string(nil), m.Citations...)
	}
	return out
}

// Pending returns the assistant message currently being filled, if any.
func (c *Conversation) Pending() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending < 0 {
		return Message{}, false
	}
	return c.messages[c.pending], true
}

// BeginTurn appends the user's query and an empty pending assistant message.
// An unsealed pending message from an earlier turn is sealed as failed.
func (c *Conversation) BeginTurn(id, query string) Message {
	c.mu.Lock()
	if c.pending >= 0 {
		c.fail(DefaultErrorText)
	}
	t := c.now()
	c.messages = append(c.messages,
		Message{ID: id + ":query", Role: RoleUser, Text: query, Time: t, Sealed: true},
		Message{ID: id + ":response", Role: RoleAssistant, Time: t.Add(time.Nanosecond), AwaitingContent: true},
	)
	c.pending = len(c.messages) - 1
	msg := c.messages[c.pending]
	c.notify()
	c.mu.Unlock()

	c.updated(msg)
	return msg
}

// Apply renders one inbound stream frame into the pending message. Frames
// arriving with nothing pending are ignored and reported as false.
func (c *Conversation) Apply(frame domain.StreamFrame) bool {
	c.mu.Lock()
	if c.pending < 0 {
		c.mu.Unlock()
		return false
	}
	idx := c.pending
	m := &c.messages[idx]

	var title string
	switch frame.Type {
	case domain.FrameStart:
		m.Receiving = true
	case domain.FrameChunk:
		m.Text += frame.Content
		if frame.Content != "" {
			m.AwaitingContent = false
		}
	case domain.FrameComplete:
		if len(frame.Sources) > 0 {
			m.Citations = append([]string(nil), frame.Sources...)
		}
		c.seal()
		title = frame.SessionName
	case domain.FrameError:
		text := frame.Message
		if text == "" {
			text = DefaultErrorText
		}
		c.fail(text)
	default:
		c.mu.Unlock()
		return false
	}
	msg := c.messages[idx]
	c.notify()
	c.mu.Unlock()

	c.updated(msg)
	if title != "" && c.onTitle != nil {
		c.onTitle(title)
	}
	return true
}

// Resolve seals the pending message with a complete synchronous answer,
// replacing any partial streamed text. The result has the same shape as a
// streamed answer.
func (c *Conversation) Resolve(text string, citations []string, sessionName string) bool {
	c.mu.Lock()
	if c.pending < 0 {
		c.mu.Unlock()
		return false
	}
	idx := c.pending
	m := &c.messages[idx]
	m.Text = text
	m.Citations = nil
	if len(citations) > 0 {
		m.Citations = append([]string(nil), citations...)
	}
	c.seal()
	msg := c.messages[idx]
	c.notify()
	c.mu.Unlock()

	c.updated(msg)
	if sessionName != "" && c.onTitle != nil {
		c.onTitle(sessionName)
	}
	return true
}

// Fail seals the pending message as failed with text.
func (c *Conversation) Fail(text string) {
	c.Apply(domain.StreamFrame{Type: domain.FrameError, Message: text})
}

// WaitSealed blocks until no message is pending and returns the last
// message, or until ctx is done.
func (c *Conversation) WaitSealed(ctx context.Context) (Message, error) {
	for {
		c.mu.Lock()
		if c.pending < 0 {
			var last Message
			if n := len(c.messages); n > 0 {
				last = c.messages[n-1]
			}
			c.mu.Unlock()
			return last, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// seal and fail require c.mu.
func (c *Conversation) seal() {
	m := &c.messages[c.pending]
	m.Receiving = false
	m.AwaitingContent = false
	m.Sealed = true
	c.pending = -1
}

func (c *Conversation) fail(text string) {
	m := &c.messages[c.pending]
	m.Text = text
	m.Failed = true
	c.seal()
}

func (c *Conversation) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Conversation) updated(m Message) {
	if c.onUpdate != nil {
		c.onUpdate(m)
	}
}
