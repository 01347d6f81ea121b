package context

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/strandlabs/strand/pkg/models"
)

// DefaultReserveTokens is the headroom kept free for the model's reply.
const DefaultReserveTokens = 20_000

const (
	compactionParts          = 2
	minMessagesForSplit      = 4
	chunkRatioBase           = 0.4
	chunkRatioMin            = 0.15
	summaryTokenShareReserve = 0.8
)

// SummaryProvider generates a summary for a prompt. The agent's streaming
// provider is adapted to this; tests inject fakes.
type SummaryProvider interface {
	Summarize(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ShouldTriggerCompaction reports whether the history has grown into the
// reserve headroom.
func ShouldTriggerCompaction(totalTokens, contextWindowTokens, reserveTokens int) bool {
	if reserveTokens <= 0 {
		reserveTokens = DefaultReserveTokens
	}
	return totalTokens > contextWindowTokens-reserveTokens
}

// CompactionResult is what a completed compaction produced.
type CompactionResult struct {
	Summary         string // fully rendered synthetic user message text
	SummaryChars    int
	DroppedMessages int
	TokensBefore    int
}

// BuildCompactionSummary summarizes the dropped messages in up to two
// chunks, merges the chunk summaries, and renders the synthetic user
// message including the read/modified file trailer.
func BuildCompactionSummary(ctx context.Context, provider SummaryProvider, dropped []models.Message, reserveTokens int) (string, error) {
	if len(dropped) == 0 {
		return "", fmt.Errorf("context: nothing to summarize")
	}
	if reserveTokens <= 0 {
		reserveTokens = DefaultReserveTokens
	}
	maxSummaryTokens := int(summaryTokenShareReserve * float64(reserveTokens))

	chunks := splitForSummarization(dropped)
	summaries := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		summary, err := summarizeChunk(ctx, provider, chunk, maxSummaryTokens)
		if err != nil {
			return "", err
		}
		summaries = append(summaries, summary)
	}

	merged := summaries[0]
	if len(summaries) > 1 {
		var err error
		merged, err = provider.Summarize(ctx, buildMergePrompt(summaries), maxSummaryTokens)
		if err != nil {
			slog.Warn("context.merge_summary_failed", "error", err)
			merged = strings.Join(summaries, "\n\n")
		}
	}

	readFiles, modifiedFiles := collectFileTrailer(dropped)
	return renderSummaryMessage(merged, readFiles, modifiedFiles), nil
}

// summarizeChunk calls the provider once; on failure it retries with
// oversized messages replaced by omission notes.
func summarizeChunk(ctx context.Context, provider SummaryProvider, chunk []models.Message, maxSummaryTokens int) (string, error) {
	summary, err := provider.Summarize(ctx, buildChunkPrompt(chunk), maxSummaryTokens)
	if err == nil {
		return summary, nil
	}
	slog.Warn("context.chunk_summary_failed", "error", err, "messages", len(chunk))

	reduced := make([]models.Message, 0, len(chunk))
	omitted := 0
	for _, msg := range chunk {
		tokens := EstimateMessageTokens(msg)
		if tokens > maxSummaryTokens {
			note := fmt.Sprintf("[Large %s (~%dk tokens) omitted]", msg.Role, (tokens+999)/1000)
			reduced = append(reduced, models.Message{
				Role:      msg.Role,
				Timestamp: msg.Timestamp,
				Content:   models.BlockList{models.TextBlock(note)},
			})
			omitted++
			continue
		}
		reduced = append(reduced, msg)
	}
	if omitted == 0 {
		return "", err
	}
	return provider.Summarize(ctx, buildChunkPrompt(reduced), maxSummaryTokens)
}

// splitForSummarization divides messages into up to compactionParts chunks
// of roughly equal token share. Small drops stay in one chunk. The split
// ratio shrinks from chunkRatioBase toward chunkRatioMin as the average
// message grows, so one giant message does not dominate its chunk.
func splitForSummarization(dropped []models.Message) [][]models.Message {
	if len(dropped) < minMessagesForSplit {
		return [][]models.Message{dropped}
	}

	totalTokens := EstimateTokens(dropped)
	avgTokens := totalTokens / len(dropped)

	ratio := chunkRatioBase
	if avgTokens > 0 {
		shrink := float64(avgTokens) / float64(totalTokens)
		ratio = chunkRatioBase - shrink*(chunkRatioBase-chunkRatioMin)*float64(len(dropped))
		if ratio < chunkRatioMin {
			ratio = chunkRatioMin
		}
		if ratio > chunkRatioBase {
			ratio = chunkRatioBase
		}
	}

	firstShare := int(float64(totalTokens) * (1 - ratio))
	if firstShare <= 0 {
		firstShare = totalTokens / compactionParts
	}

	running := 0
	splitAt := len(dropped) / compactionParts
	for i, msg := range dropped {
		running += EstimateMessageTokens(msg)
		if running >= firstShare {
			splitAt = i + 1
			break
		}
	}
	if splitAt <= 0 || splitAt >= len(dropped) {
		splitAt = len(dropped) / compactionParts
	}
	return [][]models.Message{dropped[:splitAt], dropped[splitAt:]}
}

func buildChunkPrompt(chunk []models.Message) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation segment concisely. Focus on:\n")
	sb.WriteString("- Key topics and user intents\n")
	sb.WriteString("- Decisions, conclusions, and constraints established\n")
	sb.WriteString("- Tool executions and their outcomes\n")
	sb.WriteString("- Pending tasks or open questions\n\n")
	sb.WriteString("Conversation:\n\n")
	for _, msg := range chunk {
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		sb.WriteString("]: ")
		sb.WriteString(renderMessageForPrompt(msg))
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildMergePrompt(summaries []string) string {
	var sb strings.Builder
	sb.WriteString("Merge the following partial conversation summaries into one coherent summary. ")
	sb.WriteString("Preserve chronological order and do not drop decisions, file names, or pending tasks.\n\n")
	for i, s := range summaries {
		fmt.Fprintf(&sb, "Part %d:\n%s\n\n", i+1, s)
	}
	return sb.String()
}

func renderMessageForPrompt(msg models.Message) string {
	var parts []string
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			parts = append(parts, block.Text)
		case models.BlockToolUse:
			parts = append(parts, fmt.Sprintf("(called tool %s)", block.Name))
		case models.BlockToolResult:
			parts = append(parts, fmt.Sprintf("(tool result: %s)", block.Content))
		}
	}
	return strings.Join(parts, " ")
}

// collectFileTrailer mines read-only and modified file paths from tool_use
// blocks of the builtin file tools.
func collectFileTrailer(messages []models.Message) (readFiles, modifiedFiles []string) {
	readSet := make(map[string]bool)
	modifiedSet := make(map[string]bool)
	for _, msg := range messages {
		for _, use := range msg.ToolUses() {
			path, _ := use.Input["path"].(string)
			if path == "" {
				continue
			}
			switch use.Name {
			case "read":
				readSet[path] = true
			case "write", "edit":
				modifiedSet[path] = true
			}
		}
	}
	for path := range modifiedSet {
		delete(readSet, path)
		modifiedFiles = append(modifiedFiles, path)
	}
	for path := range readSet {
		readFiles = append(readFiles, path)
	}
	sort.Strings(readFiles)
	sort.Strings(modifiedFiles)
	return readFiles, modifiedFiles
}

// renderSummaryMessage produces the text of the synthetic user message
// that stands in for the compacted prefix.
func renderSummaryMessage(summary string, readFiles, modifiedFiles []string) string {
	var sb strings.Builder
	sb.WriteString("The conversation history before this point was compacted into the following summary:\n\n")
	sb.WriteString("<summary>\n")
	sb.WriteString(summary)
	sb.WriteString("\n</summary>")
	if len(readFiles) > 0 {
		sb.WriteString("\n\n<read-files>\n")
		sb.WriteString(strings.Join(readFiles, "\n"))
		sb.WriteString("\n</read-files>")
	}
	if len(modifiedFiles) > 0 {
		sb.WriteString("\n\n<modified-files>\n")
		sb.WriteString(strings.Join(modifiedFiles, "\n"))
		sb.WriteString("\n</modified-files>")
	}
	return sb.String()
}
