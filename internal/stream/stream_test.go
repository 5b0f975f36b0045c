package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch *Channel) []Event {
	t.Helper()
	var events []Event
	for e := range ch.Send {
		events = append(events, e)
	}
	return events
}

func TestTypingFiresExactlyOnceBeforeFirstToken(t *testing.T) {
	ch := NewChannel()
	go func() {
		ch.StartTyping()
		ch.StartTyping()
		ch.Token("hi")
		ch.Done()
	}()

	events := drain(t, ch)
	typingTrue := 0
	for _, e := range events {
		if e.Kind == KindTyping && e.Typing {
			typingTrue++
		}
	}
	assert.Equal(t, 1, typingTrue)
}

func TestExactlyOneTerminalEventThenChannelCloses(t *testing.T) {
	ch := NewChannel()
	go func() {
		ch.StartTyping()
		ch.Token("a")
		ch.Done()
		ch.Error("Timeout", "too late") // must be a no-op, already terminal
	}()

	events := drain(t, ch)
	terminalCount := 0
	for _, e := range events {
		if e.Kind == KindDone || e.Kind == KindError || e.Kind == KindCancelled {
			terminalCount++
		}
	}
	assert.Equal(t, 1, terminalCount)
}

func TestSourcesFiresAtMostOnceAfterTokensBeforeTerminal(t *testing.T) {
	ch := NewChannel()
	go func() {
		ch.StartTyping()
		ch.Token("a")
		ch.Token("b")
		ch.Sources([]Source{{Book: "bio", Ordinal: 1, Score: 0.8}})
		ch.Sources([]Source{{Book: "bio", Ordinal: 2, Score: 0.5}}) // no-op
		ch.Done()
	}()

	events := drain(t, ch)
	sourcesIdx, terminalIdx := -1, -1
	for i, e := range events {
		if e.Kind == KindSources && sourcesIdx == -1 {
			sourcesIdx = i
		}
		if e.Kind == KindDone {
			terminalIdx = i
		}
	}
	require.NotEqual(t, -1, sourcesIdx)
	require.NotEqual(t, -1, terminalIdx)
	assert.Less(t, sourcesIdx, terminalIdx)

	sourcesCount := 0
	for _, e := range events {
		if e.Kind == KindSources {
			sourcesCount++
		}
	}
	assert.Equal(t, 1, sourcesCount)
}

func TestTypingFalseFiresOnceBeforeTerminal(t *testing.T) {
	ch := NewChannel()
	go func() {
		ch.StartTyping()
		ch.Token("a")
		ch.Cancelled()
	}()

	events := drain(t, ch)
	typingFalse := 0
	for _, e := range events {
		if e.Kind == KindTyping && !e.Typing {
			typingFalse++
		}
	}
	assert.Equal(t, 1, typingFalse)
	assert.Equal(t, KindCancelled, events[len(events)-1].Kind)
}
