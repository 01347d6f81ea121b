package providers

import (
	"testing"

	"github.com/strandlabs/strand/pkg/models"
)

func TestScriptedStreamDeliversThenResult(t *testing.T) {
	s := NewScriptedStream([]Event{
		{Type: EventTextDelta, Delta: "a"},
		{Type: EventTextEnd, Content: "a"},
	}, Result{
		Blocks:     models.BlockList{models.TextBlock("a")},
		StopReason: "end_turn",
	}, nil)

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].Delta != "a" {
		t.Fatalf("events = %+v", got)
	}

	res, err := s.Result()
	if err != nil {
		t.Fatal(err)
	}
	if res.StopReason != "end_turn" || res.Blocks.JoinedText() != "a" {
		t.Fatalf("result = %+v", res)
	}
}

func TestScriptedStreamResultBeforeDrain(t *testing.T) {
	// Result must not require the events channel to be drained first.
	s := NewScriptedStream([]Event{{Type: EventTextDelta, Delta: "x"}}, Result{}, nil)
	if _, err := s.Result(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamFor(t *testing.T) {
	for _, name := range []string{"", "anthropic", "Anthropic", " openai "} {
		fn, err := StreamFor(name)
		if err != nil || fn == nil {
			t.Fatalf("StreamFor(%q) = %v", name, err)
		}
	}
	if _, err := StreamFor("bedrock"); err == nil {
		t.Fatal("unknown provider accepted")
	}
}
