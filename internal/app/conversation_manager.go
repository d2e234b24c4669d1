package app

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/conversation"
	"github.com/voxloop/voxloop/pkg/audio"
)

// EngineFactory builds a conversation engine around one client's audio
// endpoints. The [ConversationManager] calls it once per client ID.
type EngineFactory func(source audio.Source, sink audio.Sink) (*conversation.Engine, error)

// ConversationInfo is a point-in-time snapshot of one managed conversation,
// for the diagnostic log and the startup summary.
type ConversationInfo struct {
	// ClientID identifies the client the conversation belongs to.
	ClientID string

	// Transport names the audio transport carrying it ("ws", "discord").
	Transport string

	// StartedAt is when the conversation was registered.
	StartedAt time.Time

	// Phase is the conversation state at snapshot time.
	Phase string
}

// ConversationManager owns the engines of all connected clients, one per
// client ID. All exported methods are safe for concurrent use.
type ConversationManager struct {
	newEngine EngineFactory
	logger    *slog.Logger

	mu      sync.Mutex
	lastGen uint64
	convs   map[string]*managedConversation
}

type managedConversation struct {
	engine *conversation.Engine
	gen    uint64
	info   ConversationInfo
}

// NewConversationManager creates a manager that builds engines with factory.
func NewConversationManager(factory EngineFactory, logger *slog.Logger) *ConversationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationManager{
		newEngine: factory,
		logger:    logger,
		convs:     make(map[string]*managedConversation),
	}
}

// Start builds an engine for clientID around the offered audio endpoints
// and registers it. The returned generation identifies this registration;
// pass it to [ConversationManager.StopSession] on teardown.
//
// Starting again under an ID that already has a conversation supersedes it:
// the stale engine exits and the new connection's source and sink take
// over. A client reconnecting after a dropped connection must not stay
// bound to the dead one.
func (m *ConversationManager) Start(clientID, transport string, source audio.Source, sink audio.Sink) (*conversation.Engine, uint64, error) {
	m.mu.Lock()
	eng, err := m.newEngine(source, sink)
	if err != nil {
		m.mu.Unlock()
		return nil, 0, fmt.Errorf("app: build engine for client %q: %w", clientID, err)
	}
	stale := m.convs[clientID]
	m.lastGen++
	gen := m.lastGen
	m.convs[clientID] = &managedConversation{
		engine: eng,
		gen:    gen,
		info: ConversationInfo{
			ClientID:  clientID,
			Transport: transport,
			StartedAt: time.Now(),
		},
	}
	m.mu.Unlock()

	if stale != nil {
		if err := stale.engine.Exit(); err != nil {
			m.logger.Warn("conversation exit error", "client_id", clientID, "err", err)
		}
		m.logger.Warn("conversation superseded", "client_id", clientID,
			"transport", stale.info.Transport,
			"lifetime", time.Since(stale.info.StartedAt).Round(time.Second))
	}
	m.logger.Info("conversation registered", "client_id", clientID, "transport", transport)
	return eng, gen, nil
}

// Get returns the engine for clientID, if one is registered.
func (m *ConversationManager) Get(clientID string) (*conversation.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[clientID]
	if !ok {
		return nil, false
	}
	return c.engine, true
}

// Stop exits and removes clientID's conversation regardless of generation.
// Unknown IDs are a no-op: a client disconnect and a server shutdown can
// race for the same entry.
func (m *ConversationManager) Stop(clientID string) {
	m.remove(clientID, 0)
}

// StopSession exits and removes clientID's conversation, but only while gen
// still identifies it. A superseded connection's teardown finds a newer
// generation and leaves the successor running.
func (m *ConversationManager) StopSession(clientID string, gen uint64) {
	m.remove(clientID, gen)
}

func (m *ConversationManager) remove(clientID string, gen uint64) {
	m.mu.Lock()
	c, ok := m.convs[clientID]
	if ok && gen != 0 && c.gen != gen {
		m.mu.Unlock()
		m.logger.Debug("stale conversation teardown ignored", "client_id", clientID)
		return
	}
	delete(m.convs, clientID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := c.engine.Exit(); err != nil {
		m.logger.Warn("conversation exit error", "client_id", clientID, "err", err)
	}
	m.logger.Info("conversation removed", "client_id", clientID,
		"lifetime", time.Since(c.info.StartedAt).Round(time.Second))
}

// StopAll exits every conversation and empties the manager. Called on
// shutdown.
func (m *ConversationManager) StopAll() {
	m.mu.Lock()
	convs := m.convs
	m.convs = make(map[string]*managedConversation)
	m.mu.Unlock()

	for clientID, c := range convs {
		if err := c.engine.Exit(); err != nil {
			m.logger.Warn("conversation exit error", "client_id", clientID, "err", err)
		}
	}
	if len(convs) > 0 {
		m.logger.Info("all conversations stopped", "count", len(convs))
	}
}

// Each calls fn for every managed engine, outside the manager lock. Used to
// broadcast tuning updates.
func (m *ConversationManager) Each(fn func(clientID string, eng *conversation.Engine)) {
	m.mu.Lock()
	type pair struct {
		id  string
		eng *conversation.Engine
	}
	snapshot := make([]pair, 0, len(m.convs))
	for id, c := range m.convs {
		snapshot = append(snapshot, pair{id: id, eng: c.engine})
	}
	m.mu.Unlock()

	for _, p := range snapshot {
		fn(p.id, p.eng)
	}
}

// Len reports the number of managed conversations.
func (m *ConversationManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// Conversations returns a snapshot of every managed conversation, sorted by
// client ID, with each phase read at call time.
func (m *ConversationManager) Conversations() []ConversationInfo {
	m.mu.Lock()
	list := make([]ConversationInfo, 0, len(m.convs))
	for _, c := range m.convs {
		info := c.info
		info.Phase = c.engine.State().String()
		list = append(list, info)
	}
	m.mu.Unlock()

	slices.SortFunc(list, func(a, b ConversationInfo) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return list
}
