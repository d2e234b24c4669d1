package app

import (
	"context"

	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/audio/wsbridge"
)

// bridgeConn is the slice of [wsbridge.Conn] the session glue uses. An
// interface so tests can drive the glue without a live WebSocket.
type bridgeConn interface {
	ID() string
	Source() audio.Source
	Sink() audio.Sink
	Done() <-chan struct{}
	SendState(phase string, canInterrupt bool)
	SendTranscript(text string)
	SendAssistantText(delta string)
	SendNotice(text string)
}

var _ bridgeConn = (*wsbridge.Conn)(nil)

// bridgeSession adapts one managed conversation to the bridge's session
// contract: engine events flow to the client as JSON, and the bridge maps
// the client's control messages onto Enter, Exit and SendNow.
type bridgeSession struct {
	id      string
	gen     uint64
	engine  *conversation.Engine
	manager *ConversationManager
}

var _ wsbridge.Session = (*bridgeSession)(nil)

// newBridgeSession registers a conversation for the connection and wires the
// engine's callbacks and notices to it.
func (a *App) newBridgeSession(conn bridgeConn) (*bridgeSession, error) {
	eng, gen, err := a.manager.Start(conn.ID(), "ws", conn.Source(), conn.Sink())
	if err != nil {
		return nil, err
	}

	eng.OnStateChange(func(s conversation.State) {
		conn.SendState(string(s.Phase()), canInterrupt(s))
	})
	eng.OnTranscript(conn.SendTranscript)
	eng.OnAssistantText(conn.SendAssistantText)
	go forwardNotices(eng.Notices(), conn)

	// The client renders state; tell it where the conversation stands
	// before the first transition fires.
	s := eng.State()
	conn.SendState(string(s.Phase()), canInterrupt(s))

	return &bridgeSession{id: conn.ID(), gen: gen, engine: eng, manager: a.manager}, nil
}

// forwardNotices pumps engine notices to the client until the connection
// closes.
func forwardNotices(notices <-chan conversation.Notice, conn bridgeConn) {
	for {
		select {
		case n := <-notices:
			conn.SendNotice(n.Text)
		case <-conn.Done():
			return
		}
	}
}

// canInterrupt reports whether user speech would stop playback in state s.
func canInterrupt(s conversation.State) bool {
	sp, ok := s.(conversation.Speaking)
	return ok && sp.CanInterrupt
}

func (s *bridgeSession) Enter(ctx context.Context) error { return s.engine.Enter(ctx) }

func (s *bridgeSession) Exit() error { return s.engine.Exit() }

func (s *bridgeSession) SendNow() { s.engine.SendNow() }

// Close removes the conversation once its connection is gone, unless a
// reconnect already superseded it. A stale connection's read loop erroring
// out must not tear down the conversation its successor is using.
func (s *bridgeSession) Close() error {
	s.manager.StopSession(s.id, s.gen)
	return nil
}
