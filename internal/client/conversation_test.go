package client

import (
	"testing"
	"time"

	"github.com/ashureev/textbook-companion/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptedFrames() []domain.StreamFrame {
	return []domain.StreamFrame{
		{Type: domain.FrameStart},
		{Type: domain.FrameChunk, Content: "Hel"},
		{Type: domain.FrameChunk, Content: "lo"},
		{Type: domain.FrameComplete, Sources: []string{"p12"}},
	}
}

func TestStreamingRoundTrip(t *testing.T) {
	var updates []Message
	conv := NewConversation(nil, func(m Message) { updates = append(updates, m) })
	conv.BeginTurn("t1", "say hello")

	for _, f := range scriptedFrames() {
		require.True(t, conv.Apply(f))
	}

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	got := msgs[1]
	assert.Equal(t, "Hello", got.Text)
	assert.Equal(t, []string{"p12"}, got.Citations)
	assert.False(t, got.Receiving)
	assert.False(t, got.AwaitingContent)
	assert.True(t, got.Sealed)
	assert.False(t, got.Failed)

	// begin, start, chunk, chunk, complete
	require.Len(t, updates, 5)
	assert.True(t, updates[1].Receiving)
	assert.True(t, updates[1].AwaitingContent)
	assert.False(t, updates[2].AwaitingContent)
	assert.Equal(t, "Hel", updates[2].Text)
}

func TestStartDoesNotResetText(t *testing.T) {
	conv := NewConversation(nil, nil)
	conv.BeginTurn("t1", "q")
	conv.Apply(domain.StreamFrame{Type: domain.FrameChunk, Content: "abc"})
	conv.Apply(domain.StreamFrame{Type: domain.FrameStart})

	m, ok := conv.Pending()
	require.True(t, ok)
	assert.Equal(t, "abc", m.Text)
	assert.True(t, m.Receiving)
}

func TestSealedMessagesAreImmutable(t *testing.T) {
	conv := NewConversation(nil, nil)
	conv.BeginTurn("t1", "q")
	for _, f := range scriptedFrames() {
		conv.Apply(f)
	}

	assert.False(t, conv.Apply(domain.StreamFrame{Type: domain.FrameChunk, Content: "late"}))
	assert.False(t, conv.Apply(domain.StreamFrame{Type: domain.FrameError, Message: "late"}))
	assert.False(t, conv.Resolve("late", nil, ""))
	assert.Equal(t, "Hello", conv.Messages()[1].Text)
}

func TestCompleteTriggersTitleUpdate(t *testing.T) {
	var title string
	conv := NewConversation(func(s string) { title = s }, nil)
	conv.BeginTurn("t1", "q")
	conv.Apply(domain.StreamFrame{Type: domain.FrameComplete, SessionName: "Photosynthesis"})
	assert.Equal(t, "Photosynthesis", title)

	title = ""
	conv.BeginTurn("t2", "q")
	conv.Apply(domain.StreamFrame{Type: domain.FrameComplete})
	assert.Empty(t, title)
}

func TestErrorFrameSealsWithDisplayText(t *testing.T) {
	conv := NewConversation(nil, nil)
	conv.BeginTurn("t1", "q")
	conv.Apply(domain.StreamFrame{Type: domain.FrameStart})
	conv.Apply(domain.StreamFrame{Type: domain.FrameChunk, Content: "partial"})
	conv.Apply(domain.StreamFrame{Type: domain.FrameError})

	m := conv.Messages()[1]
	assert.Equal(t, DefaultErrorText, m.Text)
	assert.True(t, m.Failed)
	assert.True(t, m.Sealed)
	assert.False(t, m.Receiving)
	_, pending := conv.Pending()
	assert.False(t, pending)
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	conv := NewConversation(nil, nil)
	conv.BeginTurn("t1", "q")
	assert.False(t, conv.Apply(domain.StreamFrame{Type: "mystery"}))
	_, pending := conv.Pending()
	assert.True(t, pending)
}

func TestResolveMatchesStreamedShape(t *testing.T) {
	streamed := NewConversation(nil, nil)
	streamed.BeginTurn("a", "q")
	for _, f := range scriptedFrames() {
		streamed.Apply(f)
	}

	resolved := NewConversation(nil, nil)
	resolved.BeginTurn("b", "q")
	resolved.Apply(domain.StreamFrame{Type: domain.FrameChunk, Content: "stale partial"})
	require.True(t, resolved.Resolve("Hello", []string{"p12"}, ""))

	assertSameShape(t, streamed.Messages()[1], resolved.Messages()[1])
}

func assertSameShape(t *testing.T, want, got Message) {
	t.Helper()
	assert.Equal(t, want.Role, got.Role)
	assert.Equal(t, want.Text, got.Text)
	assert.Equal(t, want.Citations, got.Citations)
	assert.Equal(t, want.Sealed, got.Sealed)
	assert.Equal(t, want.Receiving, got.Receiving)
	assert.Equal(t, want.AwaitingContent, got.AwaitingContent)
	assert.Equal(t, want.Failed, got.Failed)
}

func history() []domain.Interaction {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []domain.Interaction{
		{
			ID:           "i2",
			QueryText:    domain.StringPtr("second question"),
			ResponseText: domain.StringPtr("second answer"),
			SourceChunks: []string{"p40"},
			CreatedAt:    base.Add(time.Minute),
		},
		{
			ID:           "i1",
			QueryText:    domain.StringPtr("first question"),
			ResponseText: domain.StringPtr("first answer"),
			CreatedAt:    base,
		},
		{
			ID:        "i3",
			QueryText: domain.StringPtr("unanswered"),
			CreatedAt: base.Add(2 * time.Minute),
		},
		{
			ID:        "i4",
			CreatedAt: base.Add(3 * time.Minute),
		},
	}
}

func TestReconcileExpandsAndOrders(t *testing.T) {
	conv := NewConversation(nil, nil)
	conv.ReconcileInteractions(history())

	msgs := conv.Messages()
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
		assert.True(t, m.Sealed)
	}
	assert.Equal(t, []string{"i1:query", "i1:response", "i2:query", "i2:response", "i3:query"}, ids)
	assert.Equal(t, []string{"p40"}, msgs[3].Citations)
}

func TestReconcileQueryBeforeResponse(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Neighbour written in the same instant must not split the pair.
	interactions := []domain.Interaction{
		{ID: "b", QueryText: domain.StringPtr("qb"), ResponseText: domain.StringPtr("rb"), CreatedAt: at},
		{ID: "a", QueryText: domain.StringPtr("qa"), ResponseText: domain.StringPtr("ra"), CreatedAt: at.Add(-time.Nanosecond)},
	}
	for _, in := range interactions {
		msgs := ExpandInteraction(in)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].Time.Before(msgs[1].Time))
		assert.Equal(t, RoleUser, msgs[0].Role)
		assert.Equal(t, RoleAssistant, msgs[1].Role)
	}

	conv := NewConversation(nil, nil)
	conv.ReconcileInteractions(interactions)
	msgs := conv.Messages()
	for i, m := range msgs {
		if m.Role == RoleAssistant {
			require.Greater(t, i, 0)
			assert.Equal(t, msgs[i-1].ID[:1], m.ID[:1], "response must directly follow its query")
		}
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	conv := NewConversation(nil, nil)
	conv.ReconcileInteractions(history())
	first := conv.Messages()

	conv.BeginTurn("transient", "not persisted")
	conv.ReconcileInteractions(history())
	second := conv.Messages()

	assert.Equal(t, first, second)
	_, pending := conv.Pending()
	assert.False(t, pending)
}

func TestShouldAnimateRespectsLoadCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	conv := NewConversation(nil, nil)
	conv.now = func() time.Time { return now }
	conv.ReconcileInteractions(history())
	assert.Equal(t, now, conv.LoadCutoff())

	for _, m := range conv.Messages() {
		assert.False(t, conv.ShouldAnimate(m), m.ID)
	}

	now = now.Add(time.Second)
	fresh := conv.BeginTurn("new", "q")
	assert.True(t, conv.ShouldAnimate(fresh))
}
