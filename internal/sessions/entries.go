// Package sessions persists conversation history as append-only JSONL
// files. Each session is one file: a header line followed by message and
// compaction entries forming a parent-linked chain. The package also
// provides the cross-process write lock and the tool-result guard that
// keeps persisted histories provider-valid.
package sessions

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/models"
)

const formatVersion = 1

// EntryType identifies the kind of JSONL line.
type EntryType string

const (
	EntryTypeSession    EntryType = "session"
	EntryTypeMessage    EntryType = "message"
	EntryTypeCompaction EntryType = "compaction"
)

// Header is the first line of every session file.
type Header struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Timestamp string    `json:"timestamp"`
	CWD       string    `json:"cwd"`
}

func newHeader(cwd string) Header {
	return Header{
		Type:      EntryTypeSession,
		ID:        uuid.New().String(),
		Version:   formatVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		CWD:       cwd,
	}
}

// MessageEntry records one conversation message.
type MessageEntry struct {
	Type      EntryType      `json:"type"`
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId,omitempty"`
	Timestamp string         `json:"timestamp"`
	Message   models.Message `json:"message"`
}

func newMessageEntry(parentID string, msg models.Message) MessageEntry {
	return MessageEntry{
		Type:      EntryTypeMessage,
		ID:        newEntryID(),
		ParentID:  parentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   msg,
	}
}

// CompactionEntry marks a summarization checkpoint: on load, its summary
// replaces every entry strictly before FirstKeptEntryID.
type CompactionEntry struct {
	Type             EntryType `json:"type"`
	ID               string    `json:"id"`
	ParentID         string    `json:"parentId,omitempty"`
	Timestamp        string    `json:"timestamp"`
	Summary          string    `json:"summary"`
	FirstKeptEntryID string    `json:"firstKeptEntryId"`
	TokensBefore     int       `json:"tokensBefore"`
}

func newCompactionEntry(parentID, summary, firstKeptEntryID string, tokensBefore int) CompactionEntry {
	return CompactionEntry{
		Type:             EntryTypeCompaction,
		ID:               newEntryID(),
		ParentID:         parentID,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
	}
}

// newEntryID generates an 8-character entry ID, unique within a file.
func newEntryID() string {
	return uuid.New().String()[:8]
}

// parseLine peeks at the "type" field of a JSONL line.
func parseLine(line []byte) (EntryType, bool) {
	var probe struct {
		Type EntryType `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", false
	}
	return probe.Type, true
}
