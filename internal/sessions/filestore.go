package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

// FileStore persists sessions as JSONL files under a base directory, one
// file per session key. Entries accumulate in memory until the session has
// an assistant turn, so abandoned sessions leave no files. The first
// physical write takes the cross-process lock and rewrites the whole file
// (header plus accumulated entries; this is also when a legacy flat-message
// file is migrated). Later writes are single-line appends.
type FileStore struct {
	base string

	mu     sync.Mutex
	states map[string]*sessionState
}

// sessionState mirrors one session file in memory.
type sessionState struct {
	loaded        bool
	headerWritten bool
	hasAssistant  bool
	header        Header
	leafID        string
	messages      []MessageEntry
	compactions   []CompactionEntry
	order         []string // entry ids in file order
	byID          map[string]int
}

// NewFileStore opens a store rooted at base, creating the directory.
func NewFileStore(base string) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: mkdir %s: %w", base, err)
	}
	return &FileStore{base: base, states: make(map[string]*sessionState)}, nil
}

func (fs *FileStore) path(sessionKey string) string {
	return filepath.Join(fs.base, encodeKey(sessionKey)+".jsonl")
}

// state returns the in-memory state for a key, reading the file on first
// access. Callers must hold fs.mu.
func (fs *FileStore) state(sessionKey string) (*sessionState, error) {
	st, ok := fs.states[sessionKey]
	if !ok {
		st = &sessionState{byID: make(map[string]int)}
		fs.states[sessionKey] = st
	}
	if st.loaded {
		return st, nil
	}
	if err := fs.readFile(sessionKey, st); err != nil {
		return nil, err
	}
	st.loaded = true
	return st, nil
}

// readFile parses the session file into st. Malformed lines (including a
// truncated final line from a partial write) and unknown entry types are
// skipped. A file with no session header is treated as a legacy flat list
// of messages and migrated on the next write.
func (fs *FileStore) readFile(sessionKey string, st *sessionState) error {
	data, err := os.ReadFile(fs.path(sessionKey))
	if os.IsNotExist(err) {
		st.header = newHeader(mustCwd())
		return nil
	}
	if err != nil {
		return fmt.Errorf("sessions: read %s: %w", fs.path(sessionKey), err)
	}
	// A file on disk means creation already happened; never defer again.
	st.hasAssistant = true

	sawHeader := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		typ, ok := parseLine([]byte(line))
		if !ok {
			slog.Debug("session.skip_malformed_line", "session", sessionKey)
			continue
		}
		switch typ {
		case EntryTypeSession:
			var h Header
			if err := json.Unmarshal([]byte(line), &h); err == nil {
				st.header = h
				sawHeader = true
			}
		case EntryTypeMessage:
			var e MessageEntry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				continue
			}
			st.byID[e.ID] = len(st.order)
			st.order = append(st.order, e.ID)
			st.messages = append(st.messages, e)
			st.leafID = e.ID
		case EntryTypeCompaction:
			var e CompactionEntry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				continue
			}
			st.byID[e.ID] = len(st.order)
			st.order = append(st.order, e.ID)
			st.compactions = append(st.compactions, e)
			st.leafID = e.ID
		default:
			// Unknown entry kinds are skipped for forward compatibility.
			continue
		}
	}

	if !sawHeader {
		if migrated, ok := migrateLegacy(data); ok && len(migrated) > 0 {
			slog.Info("session.legacy_migrate", "session", sessionKey, "messages", len(migrated))
			parent := ""
			for _, msg := range migrated {
				entry := newMessageEntry(parent, msg)
				st.byID[entry.ID] = len(st.order)
				st.order = append(st.order, entry.ID)
				st.messages = append(st.messages, entry)
				st.leafID = entry.ID
				parent = entry.ID
			}
		}
		st.header = newHeader(mustCwd())
		// headerWritten stays false: the next write rewrites the file in
		// the current format.
		return nil
	}

	st.headerWritten = true
	return nil
}

// migrateLegacy interprets a headerless file as one Message JSON per line.
func migrateLegacy(data []byte) ([]models.Message, bool) {
	var msgs []models.Message
	any := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Role == "" {
			continue
		}
		msgs = append(msgs, msg)
		any = true
	}
	return msgs, any
}

func mustCwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// Load implements Store.
func (fs *FileStore) Load(ctx context.Context, sessionKey string) ([]models.Message, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, err := fs.state(sessionKey)
	if err != nil {
		return nil, err
	}
	return st.liveMessages(), nil
}

// liveMessages walks the parent chain from the leaf to the root, then
// replays it. The latest compaction on the path replaces everything
// strictly before its first kept entry with the summary message.
func (st *sessionState) liveMessages() []models.Message {
	chain := st.chainFromLeaf()

	lastComp := -1
	for i, id := range chain {
		if st.compactionAt(id) != nil {
			lastComp = i
		}
	}

	if lastComp == -1 {
		var msgs []models.Message
		for _, id := range chain {
			if e := st.messageAt(id); e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return msgs
	}

	comp := st.compactionAt(chain[lastComp])
	msgs := []models.Message{summaryMessage(comp)}

	foundFirst := false
	for i := 0; i < lastComp; i++ {
		e := st.messageAt(chain[i])
		if e == nil {
			continue
		}
		if e.ID == comp.FirstKeptEntryID {
			foundFirst = true
		}
		if foundFirst {
			msgs = append(msgs, e.Message)
		}
	}
	for i := lastComp + 1; i < len(chain); i++ {
		if e := st.messageAt(chain[i]); e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

// chainFromLeaf returns entry ids root-first by following parent links.
func (st *sessionState) chainFromLeaf() []string {
	var reversed []string
	seen := make(map[string]bool)
	id := st.leafID
	for id != "" && !seen[id] {
		seen[id] = true
		reversed = append(reversed, id)
		id = st.parentOf(id)
	}
	chain := make([]string, len(reversed))
	for i, v := range reversed {
		chain[len(reversed)-1-i] = v
	}
	return chain
}

func (st *sessionState) parentOf(id string) string {
	if e := st.messageAt(id); e != nil {
		return e.ParentID
	}
	if c := st.compactionAt(id); c != nil {
		return c.ParentID
	}
	return ""
}

func (st *sessionState) messageAt(id string) *MessageEntry {
	for i := range st.messages {
		if st.messages[i].ID == id {
			return &st.messages[i]
		}
	}
	return nil
}

func (st *sessionState) compactionAt(id string) *CompactionEntry {
	for i := range st.compactions {
		if st.compactions[i].ID == id {
			return &st.compactions[i]
		}
	}
	return nil
}

// summaryMessage rebuilds the synthetic user message a compaction stands
// for. The summary text is persisted fully rendered.
func summaryMessage(comp *CompactionEntry) models.Message {
	ts := models.NowMillis()
	if t, err := time.Parse(time.RFC3339, comp.Timestamp); err == nil {
		ts = t.UnixMilli()
	}
	return models.Message{
		Role:      models.RoleUser,
		Timestamp: ts,
		Content:   models.BlockList{models.TextBlock(comp.Summary)},
	}
}

// Append implements Store.
func (fs *FileStore) Append(ctx context.Context, sessionKey string, msg models.Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, err := fs.state(sessionKey)
	if err != nil {
		return err
	}

	entry := newMessageEntry(st.leafID, msg)
	if msg.Role == models.RoleAssistant {
		st.hasAssistant = true
	}
	if st.hasAssistant {
		if err := fs.persist(ctx, sessionKey, st, entry); err != nil {
			return err
		}
	}
	st.byID[entry.ID] = len(st.order)
	st.order = append(st.order, entry.ID)
	st.messages = append(st.messages, entry)
	st.leafID = entry.ID
	return nil
}

// AppendCompaction implements Store.
func (fs *FileStore) AppendCompaction(ctx context.Context, sessionKey, summary, firstKeptEntryID string, tokensBefore int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, err := fs.state(sessionKey)
	if err != nil {
		return err
	}

	entry := newCompactionEntry(st.leafID, summary, firstKeptEntryID, tokensBefore)
	// Compaction checkpoints are never memory-only.
	st.hasAssistant = true
	if err := fs.persist(ctx, sessionKey, st, entry); err != nil {
		return err
	}
	st.byID[entry.ID] = len(st.order)
	st.order = append(st.order, entry.ID)
	st.compactions = append(st.compactions, entry)
	st.leafID = entry.ID
	return nil
}

// persist writes one entry under the file lock. The first write for a
// session rewrites the whole file (header plus any entries that were held
// in memory while the session had no assistant turn); later writes append
// a single line.
func (fs *FileStore) persist(ctx context.Context, sessionKey string, st *sessionState, entry any) error {
	path := fs.path(sessionKey)
	release, err := acquireLock(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	if !st.headerWritten {
		if err := fs.rewrite(path, st, entry); err != nil {
			return err
		}
		st.headerWritten = true
		return nil
	}
	return appendLine(path, entry)
}

func (fs *FileStore) rewrite(path string, st *sessionState, extra any) error {
	var buf strings.Builder
	writeJSON := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
		return nil
	}

	if err := writeJSON(st.header); err != nil {
		return err
	}
	for _, id := range st.order {
		if e := st.messageAt(id); e != nil {
			if err := writeJSON(e); err != nil {
				return err
			}
		} else if c := st.compactionAt(id); c != nil {
			if err := writeJSON(c); err != nil {
				return err
			}
		}
	}
	if extra != nil {
		if err := writeJSON(extra); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(buf.String()), 0o644)
}

func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sessions: marshal entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessions: append %s: %w", path, err)
	}
	return nil
}

// ResolveMessageEntryID implements Store. Messages are matched by role,
// timestamp, and content equality against the stored chain.
func (fs *FileStore) ResolveMessageEntryID(sessionKey string, msg models.Message) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, err := fs.state(sessionKey)
	if err != nil {
		return "", false
	}

	want, err := json.Marshal(msg)
	if err != nil {
		return "", false
	}
	for i := range st.messages {
		got, err := json.Marshal(st.messages[i].Message)
		if err != nil {
			continue
		}
		if string(got) == string(want) {
			return st.messages[i].ID, true
		}
	}
	return "", false
}

// Clear implements Store.
func (fs *FileStore) Clear(ctx context.Context, sessionKey string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.states, sessionKey)
	err := os.Remove(fs.path(sessionKey))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List implements Store.
func (fs *FileStore) List() ([]SessionInfo, error) {
	entries, err := os.ReadDir(fs.base)
	if err != nil {
		return nil, fmt.Errorf("sessions: read dir %s: %w", fs.base, err)
	}
	var infos []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".jsonl")
		key, err := decodeKey(stem)
		if err != nil {
			continue
		}
		info := SessionInfo{Key: key, Path: filepath.Join(fs.base, e.Name())}
		if fi, err := e.Info(); err == nil {
			info.LastActivity = fi.ModTime()
		}
		if data, err := os.ReadFile(info.Path); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.TrimSpace(line) != "" {
					info.Entries++
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}
