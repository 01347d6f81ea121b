package sessions

import (
	"context"
	"net/url"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// Store is the session log consumed by the agent loop. FileStore implements
// it on JSONL files; Guard wraps any Store with tool-result enforcement.
type Store interface {
	// Load returns the live message sequence: the parent-linked chain from
	// the root to the leaf, with the latest compaction summary standing in
	// for everything before its first kept entry.
	Load(ctx context.Context, sessionKey string) ([]models.Message, error)

	// Append links a new message entry to the current leaf and persists it.
	Append(ctx context.Context, sessionKey string, msg models.Message) error

	// AppendCompaction persists a summarization checkpoint.
	AppendCompaction(ctx context.Context, sessionKey, summary, firstKeptEntryID string, tokensBefore int) error

	// ResolveMessageEntryID finds the entry id a loaded message came from,
	// used to pin compaction checkpoints.
	ResolveMessageEntryID(sessionKey string, msg models.Message) (string, bool)

	// Clear deletes the session log.
	Clear(ctx context.Context, sessionKey string) error

	// List enumerates known sessions.
	List() ([]SessionInfo, error)
}

// SessionInfo describes one stored session.
type SessionInfo struct {
	Key          string
	Path         string
	Entries      int
	LastActivity time.Time
}

// encodeKey maps a session key to a filesystem-safe, reversible file stem.
// url encoding escapes path separators, so keys cannot traverse out of the
// base directory.
func encodeKey(sessionKey string) string {
	return url.QueryEscape(sessionKey)
}

// decodeKey reverses encodeKey.
func decodeKey(stem string) (string, error) {
	return url.QueryUnescape(stem)
}
