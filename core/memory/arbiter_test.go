package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satchel-app/satchel/core/providers"
)

// replyProvider answers every completion with a fixed string.
type replyProvider struct {
	reply string
}

func (p *replyProvider) Name() string                    { return "reply" }
func (p *replyProvider) DefaultModel() string            { return "fixed" }
func (p *replyProvider) SupportsModel(model string) bool { return true }
func (p *replyProvider) SupportedModels() []providers.ModelInfo {
	return []providers.ModelInfo{{ID: "fixed", MaxContext: 8192}}
}
func (p *replyProvider) Close() error { return nil }

func (p *replyProvider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return &providers.Response{Content: p.reply, Model: "fixed", StopReason: providers.StopReasonEndTurn}, nil
}

func (p *replyProvider) Stream(ctx context.Context, req *providers.Request, handler providers.StreamHandler) error {
	return handler(&providers.StreamChunk{Type: providers.ChunkTypeText, Text: p.reply})
}

func TestArbiterParsesFencedDecision(t *testing.T) {
	arbiter := NewArbiter(&replyProvider{reply: "Here is my verdict:\n```json\n" +
		`{"event":"update","target_note_id":"n1","confidence":0.82,"reason":"supersedes diet note"}` +
		"\n```"}, "")

	decision, err := arbiter.Decide(context.Background(), DecisionInput{
		Title:   "diet",
		Content: "User now prefers vegan meals.",
		Candidates: []Candidate{
			{NoteID: "n1", Title: "diet", Content: "User prefers vegetarian meals.", Score: 0.9},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, EventUpdate, decision.Event)
	assert.Equal(t, "n1", decision.TargetNoteID)
	assert.InDelta(t, 0.82, decision.Confidence, 0.001)
}

func TestArbiterRejectsMalformedReplies(t *testing.T) {
	cases := map[string]string{
		"no json":       "I think you should update note n1.",
		"unknown event": `{"event":"MERGE","confidence":0.9}`,
		"bad range":     `{"event":"ADD","confidence":1.7}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			arbiter := NewArbiter(&replyProvider{reply: reply}, "")
			_, err := arbiter.Decide(context.Background(), DecisionInput{Title: "t", Content: "c"})
			assert.Error(t, err)
		})
	}
}

func TestArbiterSummarize(t *testing.T) {
	arbiter := NewArbiter(&replyProvider{reply: "  Prefers vegan meals. Studying biology.  "}, "")

	summary, err := arbiter.Summarize(context.Background(), []string{"diet: vegan", "major: biology"})
	require.NoError(t, err)
	assert.Equal(t, "Prefers vegan meals. Studying biology.", summary)

	empty := NewArbiter(&replyProvider{reply: "   "}, "")
	_, err = empty.Summarize(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestExtractJSONObjectBalancesBracesInsideStrings(t *testing.T) {
	raw := `prose {"reason":"use {braces} and \"quotes\"","event":"NONE","confidence":0.2} trailing`
	payload := extractJSONObject(raw)

	var decision Decision
	require.NoError(t, json.Unmarshal([]byte(payload), &decision))
	assert.Equal(t, EventNone, decision.Event)
}
