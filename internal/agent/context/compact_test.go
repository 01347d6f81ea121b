package context

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/strandlabs/strand/pkg/models"
)

// fakeSummarizer records prompts and returns canned summaries.
type fakeSummarizer struct {
	prompts   []string
	responses []string
	failFirst int // fail this many calls before succeeding
	failAfter int // if set, fail every call past this count
	calls     int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.calls <= f.failFirst {
		return "", errors.New("summary call failed")
	}
	if f.failAfter > 0 && f.calls > f.failAfter {
		return "", errors.New("summary call failed")
	}
	if len(f.responses) > 0 {
		resp := f.responses[0]
		f.responses = f.responses[1:]
		return resp, nil
	}
	return "a summary", nil
}

func TestShouldTriggerCompaction(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		window  int
		reserve int
		want    bool
	}{
		{"well under", 100_000, 200_000, 20_000, false},
		{"at boundary", 180_000, 200_000, 20_000, false},
		{"over boundary", 180_001, 200_000, 20_000, true},
		{"zero reserve uses default", 185_000, 200_000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldTriggerCompaction(tt.total, tt.window, tt.reserve); got != tt.want {
				t.Errorf("ShouldTriggerCompaction(%d, %d, %d) = %v", tt.total, tt.window, tt.reserve, got)
			}
		})
	}
}

func TestBuildCompactionSummarySingleChunk(t *testing.T) {
	fake := &fakeSummarizer{responses: []string{"user asked about X; decided Y"}}
	dropped := []models.Message{
		models.NewUserMessage("question about X"),
		models.NewAssistantMessage(models.TextBlock("answer, decided Y")),
	}

	text, err := BuildCompactionSummary(context.Background(), fake, dropped, 20_000)
	if err != nil {
		t.Fatal(err)
	}
	if fake.calls != 1 {
		t.Fatalf("calls = %d, want 1 (below split threshold)", fake.calls)
	}
	if !strings.Contains(text, "<summary>\nuser asked about X; decided Y\n</summary>") {
		t.Fatalf("rendered message missing summary: %q", text)
	}
	if !strings.HasPrefix(text, "The conversation history before this point was compacted") {
		t.Fatalf("missing preamble: %q", text)
	}
}

func TestBuildCompactionSummarySplitAndMerge(t *testing.T) {
	fake := &fakeSummarizer{responses: []string{"part one", "part two", "merged summary"}}
	var dropped []models.Message
	for i := 0; i < 6; i++ {
		dropped = append(dropped, models.NewUserMessage(strings.Repeat("q", 400)))
		dropped = append(dropped, models.NewAssistantMessage(models.TextBlock(strings.Repeat("a", 400))))
	}

	text, err := BuildCompactionSummary(context.Background(), fake, dropped, 20_000)
	if err != nil {
		t.Fatal(err)
	}
	if fake.calls != 3 {
		t.Fatalf("calls = %d, want 2 chunk calls + 1 merge", fake.calls)
	}
	if !strings.Contains(fake.prompts[2], "Merge the following partial conversation summaries") {
		t.Fatalf("third call is not the merge prompt: %q", fake.prompts[2][:80])
	}
	if !strings.Contains(fake.prompts[2], "part one") || !strings.Contains(fake.prompts[2], "part two") {
		t.Fatal("merge prompt missing chunk summaries")
	}
	if !strings.Contains(text, "merged summary") {
		t.Fatalf("rendered message missing merged summary: %q", text)
	}
}

func TestBuildCompactionSummaryMergeFailureJoins(t *testing.T) {
	fake := &fakeSummarizer{responses: []string{"part one", "part two"}, failAfter: 2}

	var dropped []models.Message
	for i := 0; i < 6; i++ {
		dropped = append(dropped, models.NewUserMessage(strings.Repeat("q", 400)))
	}

	text, err := BuildCompactionSummary(context.Background(), fake, dropped, 20_000)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "part one") || !strings.Contains(text, "part two") {
		t.Fatalf("merge fallback did not join parts: %q", text)
	}
}

func TestOversizedMessageOmittedOnRetry(t *testing.T) {
	// First call fails; retry must replace the oversized message.
	fake := &fakeSummarizer{failFirst: 1, responses: nil}
	huge := models.NewAssistantMessage(models.TextBlock(strings.Repeat("x", 200_000)))
	dropped := []models.Message{
		models.NewUserMessage("small"),
		huge,
	}

	// reserve 20k → max summary tokens 16k; huge is ~50k tokens.
	_, err := BuildCompactionSummary(context.Background(), fake, dropped, 20_000)
	if err != nil {
		t.Fatal(err)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want failed attempt + retry", fake.calls)
	}
	retry := fake.prompts[1]
	if !strings.Contains(retry, "[Large assistant (~50k tokens) omitted]") {
		t.Fatalf("retry prompt missing omission note: %q", retry[len(retry)-200:])
	}
	if strings.Contains(retry, strings.Repeat("x", 1000)) {
		t.Fatal("retry prompt still contains the oversized content")
	}
}

func TestOversizedRetryWithNothingToOmitSurfaces(t *testing.T) {
	fake := &fakeSummarizer{failFirst: 10}
	dropped := []models.Message{
		models.NewUserMessage("small"),
		models.NewAssistantMessage(models.TextBlock("also small")),
	}
	if _, err := BuildCompactionSummary(context.Background(), fake, dropped, 20_000); err == nil {
		t.Fatal("expected the chunk failure to surface when nothing can be omitted")
	}
}

func TestFileTrailerMining(t *testing.T) {
	dropped := []models.Message{
		models.NewAssistantMessage(
			models.ToolUseBlock("tu_1", "read", map[string]any{"path": "docs/a.md"}),
			models.ToolUseBlock("tu_2", "read", map[string]any{"path": "main.go"}),
		),
		models.NewAssistantMessage(
			models.ToolUseBlock("tu_3", "edit", map[string]any{"path": "main.go"}),
			models.ToolUseBlock("tu_4", "write", map[string]any{"path": "out.txt"}),
		),
	}
	fake := &fakeSummarizer{responses: []string{"s"}}
	text, err := BuildCompactionSummary(context.Background(), fake, dropped, 20_000)
	if err != nil {
		t.Fatal(err)
	}
	// main.go was read then edited: it belongs to modified only.
	if !strings.Contains(text, "<read-files>\ndocs/a.md\n</read-files>") {
		t.Fatalf("read trailer wrong: %q", text)
	}
	if !strings.Contains(text, "<modified-files>\nmain.go\nout.txt\n</modified-files>") {
		t.Fatalf("modified trailer wrong: %q", text)
	}
}

func TestEstimateTokens(t *testing.T) {
	msg := models.NewUserMessage(strings.Repeat("a", 10))
	if got := EstimateMessageTokens(msg); got != 3 {
		t.Fatalf("EstimateMessageTokens = %d, want ceil(10/4)=3", got)
	}
	msgs := []models.Message{msg, models.NewUserMessage(strings.Repeat("b", 4))}
	if got := EstimateTokens(msgs); got != 4 {
		t.Fatalf("EstimateTokens = %d, want 4", got)
	}
}
