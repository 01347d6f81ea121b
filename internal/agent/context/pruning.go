package context

import (
	"strconv"
	"strings"

	"github.com/strandlabs/strand/pkg/models"
)

// ToolMatch controls which tool results are prunable via allow/deny glob
// patterns. An empty allow list means every tool not denied.
type ToolMatch struct {
	Allow []string
	Deny  []string
}

// SoftTrimSettings configures layer 1.
type SoftTrimSettings struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// HardClearSettings configures layer 2.
type HardClearSettings struct {
	Placeholder string
}

// PruneSettings controls the three pruning layers.
type PruneSettings struct {
	MaxHistoryShare      float64
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	MinPrunableToolChars int
	Tools                ToolMatch
	SoftTrim             SoftTrimSettings
	HardClear            HardClearSettings
}

// DefaultPruneSettings returns the standard thresholds.
func DefaultPruneSettings() PruneSettings {
	return PruneSettings{
		MaxHistoryShare:      0.5,
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		MinPrunableToolChars: 50_000,
		SoftTrim: SoftTrimSettings{
			MaxChars:  4000,
			HeadChars: 1500,
			TailChars: 1500,
		},
		HardClear: HardClearSettings{
			Placeholder: "[Old tool result content cleared]",
		},
	}
}

// PruneResult reports what each layer did.
type PruneResult struct {
	Messages               []models.Message
	DroppedMessages        []models.Message
	TrimmedToolResults     int
	HardClearedToolResults int
	TotalChars             int
	KeptChars              int
	DroppedChars           int
	BudgetChars            int
}

// Prune applies soft trim, hard clear, and message drop in order, stopping
// as soon as the history fits. Input messages are never mutated; modified
// messages are copied.
func Prune(messages []models.Message, contextWindowTokens int, settings PruneSettings) PruneResult {
	charWindow := contextWindowTokens * CharsPerToken
	budgetChars := int(float64(charWindow) * settings.MaxHistoryShare)

	result := PruneResult{
		Messages:    messages,
		BudgetChars: budgetChars,
	}
	if len(messages) == 0 || charWindow <= 0 {
		return result
	}

	working := make([]models.Message, len(messages))
	copy(working, messages)

	totalChars := estimateContextChars(working)
	result.TotalChars = totalChars

	toolNames := buildToolUseNameMap(working)
	prunable := makePrunablePredicate(settings.Tools)

	// Layer 1: soft trim oversized prunable tool results.
	if float64(totalChars)/float64(charWindow) > settings.SoftTrimRatio {
		for i := range working {
			if working[i].Role != models.RoleUser {
				continue
			}
			for j, block := range working[i].Content {
				if block.Type != models.BlockToolResult {
					continue
				}
				if !prunable(toolName(block, toolNames)) {
					continue
				}
				trimmed, changed := softTrim(block.Content, settings.SoftTrim)
				if !changed {
					continue
				}
				totalChars -= len(block.Content) - len(trimmed)
				working[i] = copyWithBlockContent(working[i], j, trimmed)
				result.TrimmedToolResults++
			}
		}
	}

	// Layer 2: hard clear in order until the ratio drops below threshold.
	if float64(totalChars)/float64(charWindow) > settings.HardClearRatio {
		prunableChars := 0
		for i := range working {
			if working[i].Role != models.RoleUser {
				continue
			}
			for _, block := range working[i].Content {
				if block.Type == models.BlockToolResult && prunable(toolName(block, toolNames)) {
					prunableChars += len(block.Content)
				}
			}
		}
		if prunableChars > settings.MinPrunableToolChars {
		clear:
			for i := range working {
				if working[i].Role != models.RoleUser {
					continue
				}
				for j, block := range working[i].Content {
					if block.Type != models.BlockToolResult {
						continue
					}
					if !prunable(toolName(block, toolNames)) {
						continue
					}
					if block.Content == settings.HardClear.Placeholder {
						continue
					}
					totalChars -= len(block.Content) - len(settings.HardClear.Placeholder)
					working[i] = copyWithBlockContent(working[i], j, settings.HardClear.Placeholder)
					result.HardClearedToolResults++
					if float64(totalChars)/float64(charWindow) < settings.HardClearRatio {
						break clear
					}
				}
			}
		}
	}

	// Layer 3: drop whole messages, oldest first, protecting the tail.
	if totalChars > budgetChars {
		kept, dropped := dropMessages(working, budgetChars, settings.KeepLastAssistants)
		result.Messages = kept
		result.DroppedMessages = dropped
	} else {
		result.Messages = working
	}

	result.KeptChars = estimateContextChars(result.Messages)
	result.DroppedChars = estimateContextChars(result.DroppedMessages)
	return result
}

// dropMessages packs messages back-to-front within budget. Messages from
// the Nth-from-last assistant onward are protected; if they alone exceed
// the budget, packing ignores protection.
func dropMessages(messages []models.Message, budgetChars, keepLastAssistants int) (kept, dropped []models.Message) {
	cutoff := assistantCutoffIndex(messages, keepLastAssistants)

	protectedChars := 0
	for i := cutoff; i < len(messages); i++ {
		protectedChars += messages[i].Chars()
	}

	if protectedChars > budgetChars {
		cutoff = len(messages)
		protectedChars = 0
		total := 0
		for i := len(messages) - 1; i >= 0; i-- {
			chars := messages[i].Chars()
			if total+chars > budgetChars && cutoff < len(messages) {
				break
			}
			total += chars
			cutoff = i
		}
		return split(messages, cutoff)
	}

	total := protectedChars
	start := cutoff
	for i := cutoff - 1; i >= 0; i-- {
		chars := messages[i].Chars()
		if total+chars > budgetChars {
			break
		}
		total += chars
		start = i
	}
	return split(messages, start)
}

func split(messages []models.Message, start int) (kept, dropped []models.Message) {
	dropped = append(dropped, messages[:start]...)
	kept = append(kept, messages[start:]...)
	return kept, dropped
}

// assistantCutoffIndex returns the index of the Nth-from-last assistant
// message, or 0 when there are fewer.
func assistantCutoffIndex(messages []models.Message, keepLastAssistants int) int {
	if keepLastAssistants <= 0 {
		return len(messages)
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i
			}
		}
	}
	return 0
}

func softTrim(content string, settings SoftTrimSettings) (string, bool) {
	rawLen := len(content)
	if rawLen <= settings.MaxChars {
		return content, false
	}
	head := settings.HeadChars
	tail := settings.TailChars
	if head+tail >= rawLen {
		return content, false
	}
	trimmed := content[:head] + "\n...\n" + content[rawLen-tail:]
	note := "\n\n[Tool result trimmed: kept first " + strconv.Itoa(head) +
		" chars and last " + strconv.Itoa(tail) + " chars of " + strconv.Itoa(rawLen) + " chars.]"
	return trimmed + note, true
}

func copyWithBlockContent(msg models.Message, blockIndex int, content string) models.Message {
	blocks := make(models.BlockList, len(msg.Content))
	copy(blocks, msg.Content)
	blocks[blockIndex].Content = content
	msg.Content = blocks
	return msg
}

// buildToolUseNameMap maps tool_use ids to tool names so results can be
// matched against the allow/deny patterns.
func buildToolUseNameMap(messages []models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, use := range msg.ToolUses() {
			if use.ID != "" && use.Name != "" {
				names[use.ID] = use.Name
			}
		}
	}
	return names
}

func toolName(block models.ContentBlock, names map[string]string) string {
	if block.Name != "" {
		return block.Name
	}
	return names[block.ToolUseID]
}

func makePrunablePredicate(match ToolMatch) func(string) bool {
	deny := normalizePatterns(match.Deny)
	allow := normalizePatterns(match.Allow)
	return func(name string) bool {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			return false
		}
		if matchesAny(normalized, deny) {
			return false
		}
		if len(allow) == 0 {
			return true
		}
		return matchesAny(normalized, allow)
	}
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		value := strings.ToLower(strings.TrimSpace(p))
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, name) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		part := parts[i]
		if part == "" {
			continue
		}
		pos := strings.Index(value[idx:], part)
		if pos < 0 {
			return false
		}
		idx += pos + len(part)
	}
	last := parts[len(parts)-1]
	if last != "" && !strings.HasSuffix(value, last) {
		return false
	}
	return true
}
