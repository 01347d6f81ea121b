package sessions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/strandlabs/strand/pkg/models"
)

// SyntheticResultText is persisted in place of a tool result that never
// arrived (crash, abort, or provider error mid-batch).
const SyntheticResultText = "missing tool result in session history; synthetic error result inserted"

// Guard wraps a Store and keeps persisted histories provider-valid: every
// assistant tool_use is eventually matched by a tool_result before any other
// message kind follows it. Missing results are synthesized.
type Guard struct {
	inner Store

	mu      sync.Mutex
	pending map[string]*pendingSet
}

// pendingSet is an ordered id set of unanswered tool_use blocks.
type pendingSet struct {
	ids   []string
	names map[string]string
	// primed is set once the persisted history has been scanned, so a
	// restart recovers pending ids from a crashed run.
	primed bool
}

// NewGuard wraps store. Wrapping is idempotent: wrapping a Guard returns it
// unchanged rather than stacking a second layer.
func NewGuard(store Store) *Guard {
	if g, ok := store.(*Guard); ok {
		return g
	}
	return &Guard{inner: store, pending: make(map[string]*pendingSet)}
}

// Unwrap exposes the underlying store.
func (g *Guard) Unwrap() Store { return g.inner }

func (g *Guard) pendingFor(ctx context.Context, sessionKey string) (*pendingSet, error) {
	ps, ok := g.pending[sessionKey]
	if !ok {
		ps = &pendingSet{names: make(map[string]string)}
		g.pending[sessionKey] = ps
	}
	if ps.primed {
		return ps, nil
	}
	msgs, err := g.inner.Load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			for _, use := range msg.ToolUses() {
				ps.add(use.ID, use.Name)
			}
		case models.RoleUser:
			for _, res := range msg.ToolResults() {
				ps.remove(res.ToolUseID)
			}
		}
	}
	ps.primed = true
	return ps, nil
}

func (ps *pendingSet) add(id, name string) {
	if id == "" {
		return
	}
	if _, ok := ps.names[id]; ok {
		return
	}
	ps.ids = append(ps.ids, id)
	ps.names[id] = name
}

func (ps *pendingSet) remove(id string) {
	if _, ok := ps.names[id]; !ok {
		return
	}
	delete(ps.names, id)
	for i, v := range ps.ids {
		if v == id {
			ps.ids = append(ps.ids[:i], ps.ids[i+1:]...)
			break
		}
	}
}

func (ps *pendingSet) drain() []models.ContentBlock {
	blocks := make([]models.ContentBlock, 0, len(ps.ids))
	for _, id := range ps.ids {
		blocks = append(blocks, models.ToolResultBlock(id, ps.names[id], SyntheticResultText))
	}
	ps.ids = nil
	ps.names = make(map[string]string)
	return blocks
}

// Append implements Store with the matching rules applied.
func (g *Guard) Append(ctx context.Context, sessionKey string, msg models.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ps, err := g.pendingFor(ctx, sessionKey)
	if err != nil {
		return err
	}

	if msg.Role == models.RoleUser && msg.HasToolResults() {
		if err := g.inner.Append(ctx, sessionKey, msg); err != nil {
			return err
		}
		for _, res := range msg.ToolResults() {
			ps.remove(res.ToolUseID)
		}
		return nil
	}

	if err := g.flushLocked(ctx, sessionKey, ps); err != nil {
		return err
	}

	if err := g.inner.Append(ctx, sessionKey, msg); err != nil {
		return err
	}
	if msg.Role == models.RoleAssistant {
		for _, use := range msg.ToolUses() {
			ps.add(use.ID, use.Name)
		}
	}
	return nil
}

// FlushPendingToolResults synthesizes results for any unanswered tool_use
// ids. Called in the outermost finally of every run, so the log never ends
// mid-batch.
func (g *Guard) FlushPendingToolResults(ctx context.Context, sessionKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ps, err := g.pendingFor(ctx, sessionKey)
	if err != nil {
		return err
	}
	return g.flushLocked(ctx, sessionKey, ps)
}

func (g *Guard) flushLocked(ctx context.Context, sessionKey string, ps *pendingSet) error {
	if len(ps.ids) == 0 {
		return nil
	}
	slog.Warn("session.synthesize_tool_results", "session", sessionKey, "count", len(ps.ids))
	synthetic := models.NewToolResultMessage(ps.drain()...)
	return g.inner.Append(ctx, sessionKey, synthetic)
}

// Load implements Store.
func (g *Guard) Load(ctx context.Context, sessionKey string) ([]models.Message, error) {
	return g.inner.Load(ctx, sessionKey)
}

// AppendCompaction implements Store. Compaction entries are not messages;
// pending results are flushed first so the checkpoint lands on a coherent
// chain.
func (g *Guard) AppendCompaction(ctx context.Context, sessionKey, summary, firstKeptEntryID string, tokensBefore int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ps, err := g.pendingFor(ctx, sessionKey)
	if err != nil {
		return err
	}
	if err := g.flushLocked(ctx, sessionKey, ps); err != nil {
		return err
	}
	return g.inner.AppendCompaction(ctx, sessionKey, summary, firstKeptEntryID, tokensBefore)
}

// ResolveMessageEntryID implements Store.
func (g *Guard) ResolveMessageEntryID(sessionKey string, msg models.Message) (string, bool) {
	return g.inner.ResolveMessageEntryID(sessionKey, msg)
}

// Clear implements Store and resets pending bookkeeping for the key.
func (g *Guard) Clear(ctx context.Context, sessionKey string) error {
	g.mu.Lock()
	delete(g.pending, sessionKey)
	g.mu.Unlock()
	return g.inner.Clear(ctx, sessionKey)
}

// List implements Store.
func (g *Guard) List() ([]SessionInfo, error) {
	return g.inner.List()
}
