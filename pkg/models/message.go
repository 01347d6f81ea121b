// Package models provides the domain types shared across the Strand runtime:
// conversation messages, content blocks, and the unified agent event model.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type. The runtime only persists user and
// assistant turns; tool results travel inside user messages as content blocks.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged variant: exactly the fields for its Type are set.
//
//   - text:        Text
//   - thinking:    Text
//   - tool_use:    ID, Name, Input (assistant messages only)
//   - tool_result: ToolUseID, Name (optional), Content (user messages only)
type ContentBlock struct {
	Type      BlockType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, name, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Name: name, Content: content}
}

// BlockList is an ordered sequence of content blocks. It unmarshals from
// either a JSON array of blocks or a bare string (plain-text content), so
// both message shapes in persisted history load transparently.
type BlockList []ContentBlock

// UnmarshalJSON accepts a string or an array of blocks.
func (b *BlockList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*b = BlockList{TextBlock(text)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*b = blocks
	return nil
}

// Message is one conversation turn. Timestamp is milliseconds since epoch.
type Message struct {
	Role      Role      `json:"role"`
	Timestamp int64     `json:"timestamp"`
	Content   BlockList `json:"content"`
}

// NewUserMessage builds a user message with a single text block stamped now.
func NewUserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Timestamp: NowMillis(),
		Content:   BlockList{TextBlock(text)},
	}
}

// NewAssistantMessage builds an assistant message from the given blocks.
func NewAssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Timestamp: NowMillis(), Content: blocks}
}

// NewToolResultMessage builds the user message carrying tool results for a
// preceding assistant tool_use batch, in the given order.
func NewToolResultMessage(results ...ContentBlock) Message {
	return Message{Role: RoleUser, Timestamp: NowMillis(), Content: results}
}

// NowMillis returns the current wall clock in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// JoinedText concatenates the list's text blocks with newlines.
func (b BlockList) JoinedText() string {
	var parts []string
	for _, block := range b {
		if block.Type == BlockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// JoinedText concatenates the message's text blocks with newlines.
func (m Message) JoinedText() string {
	return m.Content.JoinedText()
}

// ToolUses returns the tool_use blocks in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks in order.
func (m Message) ToolResults() []ContentBlock {
	var results []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolResult {
			results = append(results, block)
		}
	}
	return results
}

// HasToolResults reports whether the message carries any tool_result block.
func (m Message) HasToolResults() bool {
	for _, block := range m.Content {
		if block.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// Chars estimates the serialized character footprint of the message. Tool
// inputs are counted via their JSON encoding since that is what reaches the
// provider.
func (m Message) Chars() int {
	chars := 0
	for _, block := range m.Content {
		switch block.Type {
		case BlockText, BlockThinking:
			chars += len(block.Text)
		case BlockToolUse:
			chars += len(block.Name)
			if len(block.Input) > 0 {
				if raw, err := json.Marshal(block.Input); err == nil {
					chars += len(raw)
				}
			}
		case BlockToolResult:
			chars += len(block.Content)
		}
	}
	return chars
}
