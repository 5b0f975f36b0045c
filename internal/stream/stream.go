// Package stream implements C7, the Stream Protocol: one server-pushed
// event channel per inference request. Grounded on the teacher's
// websocket Client/WritePump shape (buffered send channel, heartbeat
// ticker, write-deadline discipline) but narrowed from a many-client
// broadcast hub to a single-consumer per-request channel, since this
// gateway pushes one response stream to the one caller that submitted
// it rather than fanning a shared feed out to subscribers.
package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Kind is one of the closed set of event kinds (§4.7).
type Kind string

const (
	KindPosition  Kind = "position"
	KindTyping    Kind = "typing"
	KindToken     Kind = "token"
	KindSources   Kind = "sources"
	KindDone      Kind = "done"
	KindError     Kind = "error"
	KindCancelled Kind = "cancelled"
)

// Source is one entry of a `sources` event payload.
type Source struct {
	Book    string  `json:"book"`
	Ordinal int     `json:"ordinal"`
	Score   float32 `json:"score"`
}

// Event is one frame pushed down the channel.
type Event struct {
	Kind     Kind    `json:"kind"`
	Position int     `json:"position,omitempty"`
	Typing   bool    `json:"typing,omitempty"`
	Token    string  `json:"token,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
	ErrKind  string  `json:"error_kind,omitempty"`
	ErrMsg   string  `json:"error_message,omitempty"`
}

// Channel is a single request's event stream. Send is buffered so a
// producer (the RAG Orchestrator) never blocks on a slow consumer for
// more than the buffer depth, keeping the ≥10Hz token cadence (§4.7).
type Channel struct {
	Send chan Event

	sentTyping   bool
	sentSources  bool
	sentTerminal bool
}

func NewChannel() *Channel {
	return &Channel{Send: make(chan Event, 64)}
}

// Position emits a position update; valid any number of times while
// queued, never after typing has started (§4.7).
func (c *Channel) Position(pos int) {
	c.Send <- Event{Kind: KindPosition, Position: pos}
}

// StartTyping must fire exactly once before the first token.
func (c *Channel) StartTyping() {
	if c.sentTyping {
		return
	}
	c.sentTyping = true
	c.Send <- Event{Kind: KindTyping, Typing: true}
}

func (c *Channel) Token(fragment string) {
	c.Send <- Event{Kind: KindToken, Token: fragment}
}

// Sources fires at most once, after all tokens, before the terminal event.
func (c *Channel) Sources(sources []Source) {
	if c.sentSources {
		return
	}
	c.sentSources = true
	c.Send <- Event{Kind: KindSources, Sources: sources}
}

// stopTyping must fire exactly once before the terminal event.
func (c *Channel) stopTyping() {
	c.Send <- Event{Kind: KindTyping, Typing: false}
}

// Done emits the terminal success event and closes the channel.
func (c *Channel) Done() {
	if c.sentTerminal {
		return
	}
	c.sentTerminal = true
	c.stopTyping()
	c.Send <- Event{Kind: KindDone}
	close(c.Send)
}

// Error emits the terminal error event and closes the channel.
func (c *Channel) Error(kind, message string) {
	if c.sentTerminal {
		return
	}
	c.sentTerminal = true
	c.stopTyping()
	c.Send <- Event{Kind: KindError, ErrKind: kind, ErrMsg: message}
	close(c.Send)
}

// Cancelled emits the terminal cancellation event and closes the channel.
func (c *Channel) Cancelled() {
	if c.sentTerminal {
		return
	}
	c.sentTerminal = true
	c.stopTyping()
	c.Send <- Event{Kind: KindCancelled}
	close(c.Send)
}

// Pump writes every Event on ch.Send to conn as JSON until the channel
// closes or ctx is cancelled, with a periodic heartbeat so idle
// connections aren't reaped by intermediate proxies (teacher WritePump
// shape, §4.7 cadence requirement on the wire).
func Pump(ctx context.Context, conn *websocket.Conn, ch *Channel) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case event, ok := <-ch.Send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
