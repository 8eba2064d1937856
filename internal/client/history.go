package client

import (
	"sort"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
)

// ExpandInteraction turns one persisted interaction into zero, one, or two
// messages. The response sorts one nanosecond after its query so a pair
// never interleaves with a neighbouring interaction.
func ExpandInteraction(in domain.Interaction) []Message {
	var out []Message
	if in.HasQuery() {
		out = append(out, Message{
			ID:     in.ID + ":query",
			Role:   RoleUser,
			Text:   *in.QueryText,
			Time:   in.CreatedAt,
			Sealed: true,
		})
	}
	if in.HasResponse() {
		out = append(out, Message{
			ID:        in.ID + ":response",
			Role:      RoleAssistant,
			Text:      *in.ResponseText,
			Citations: append([]string(nil), in.SourceChunks...),
			Time:      in.CreatedAt.Add(time.Nanosecond),
			Sealed:    true,
		})
	}
	return out
}

// ReconcileInteractions replaces the message list wholesale with the
// expanded history and records the load cutoff. Interactions are ordered by
// time before expansion so a query and its response stay adjacent. Loading
// the same history twice yields the same list.
func (c *Conversation) ReconcileInteractions(interactions []domain.Interaction) {
	ordered := append([]domain.Interaction(nil), interactions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})

	messages := make([]Message, 0, 2*len(ordered))
	for _, in := range ordered {
		messages = append(messages, ExpandInteraction(in)...)
	}

	c.mu.Lock()
	c.messages = messages
	c.pending = -1
	c.cutoff = c.now()
	c.notify()
	c.mu.Unlock()
}

// LoadCutoff returns the moment the last history load completed.
func (c *Conversation) LoadCutoff() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cutoff
}

// ShouldAnimate reports whether m arrived after the last history load and
// may be rendered with an entrance animation.
func (c *Conversation) ShouldAnimate(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !m.Time.Before(c.cutoff)
}
