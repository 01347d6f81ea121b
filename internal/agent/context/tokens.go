// Package context manages the live conversation window: token estimation,
// layered pruning of old tool results, and history compaction.
package context

import "github.com/strandlabs/strand/pkg/models"

// CharsPerToken is the estimation heuristic used throughout the pipeline.
const CharsPerToken = 4

// EstimateMessageTokens returns ceil(chars/4) for one message.
func EstimateMessageTokens(msg models.Message) int {
	return (msg.Chars() + CharsPerToken - 1) / CharsPerToken
}

// EstimateTokens sums per-message estimates.
func EstimateTokens(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessageTokens(msg)
	}
	return total
}

// estimateContextChars sums serialized character footprints.
func estimateContextChars(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += msg.Chars()
	}
	return total
}
