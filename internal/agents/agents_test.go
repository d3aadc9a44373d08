package agents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"agentrelay/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	calls     []string
	clickErr  map[string]error
	evalValue string
	evalErr   error
	evalArgs  []interface{}
}

func (p *fakePage) WaitFor(ctx context.Context, selector string) error {
	p.calls = append(p.calls, "wait "+selector)
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.calls = append(p.calls, "click "+selector)
	return p.clickErr[selector]
}

func (p *fakePage) Input(ctx context.Context, selector, text string) error {
	p.calls = append(p.calls, "input "+text)
	return nil
}

func (p *fakePage) PressEnter(ctx context.Context) error {
	p.calls = append(p.calls, "enter")
	return nil
}

func (p *fakePage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	p.evalArgs = args
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	return json.RawMessage(p.evalValue), nil
}

func defaultRoster(t *testing.T) *Roster {
	t.Helper()
	r, err := NewRoster(config.DefaultAgents())
	require.NoError(t, err)
	return r
}

func TestNewRoster_Defaults(t *testing.T) {
	r := defaultRoster(t)

	assert.Equal(t, []string{"chatgpt", "claude", "grok", "gemini"}, r.Keys())

	gemini, ok := r.Lookup("GEMINI")
	require.True(t, ok)
	assert.Equal(t, "Antigravity", gemini.DisplayName)
	assert.True(t, gemini.IsTransient())
	assert.Equal(t, VariantGemini.DefaultAddressing().URL, gemini.Addressing.URL)

	var warm []string
	for _, d := range r.Warm() {
		warm = append(warm, d.Key)
	}
	assert.Equal(t, []string{"chatgpt", "claude", "grok"}, warm)
}

func TestNewRoster_AddressingOverride(t *testing.T) {
	r, err := NewRoster([]config.AgentConfig{{
		Key:        "Ops",
		Variant:    "chatgpt",
		Addressing: config.AddressingConfig{URL: "http://localhost:9999/"},
	}})
	require.NoError(t, err)

	d, ok := r.Lookup("ops")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9999/", d.Addressing.URL)
	assert.Equal(t, VariantChatGPT.DefaultAddressing().InputSelector, d.Addressing.InputSelector)
	assert.Equal(t, []string{"@ops"}, d.Mentions)
	assert.Equal(t, "ops", d.DisplayName)
	assert.Equal(t, Warm, d.Lifecycle)
}

func TestNewRoster_Errors(t *testing.T) {
	_, err := NewRoster([]config.AgentConfig{{Key: "x", Variant: "bard"}})
	assert.ErrorIs(t, err, ErrUnknownVariant)

	_, err = NewRoster([]config.AgentConfig{{Key: "grok"}, {Key: "GROK"}})
	assert.ErrorContains(t, err, "declared twice")

	_, err = NewRoster([]config.AgentConfig{{Key: "grok", Lifecycle: "sometimes"}})
	assert.ErrorContains(t, err, "invalid lifecycle")
}

func TestSubmit_ClickVariantUsesSendButton(t *testing.T) {
	d, _ := defaultRoster(t).Lookup("chatgpt")
	page := &fakePage{}

	require.NoError(t, d.Submit(context.Background(), page, "summarize the plan"))

	assert.Equal(t, []string{
		"wait " + d.Addressing.InputSelector,
		"click " + d.Addressing.InputSelector,
		"input summarize the plan",
		"click " + d.Addressing.SubmitSelector,
	}, page.calls)
}

func TestSubmit_ClickVariantFallsBackToEnter(t *testing.T) {
	d, _ := defaultRoster(t).Lookup("gemini")
	page := &fakePage{clickErr: map[string]error{d.Addressing.SubmitSelector: errors.New("timeout")}}

	require.NoError(t, d.Submit(context.Background(), page, "hi"))
	assert.Equal(t, "enter", page.calls[len(page.calls)-1])
}

func TestSubmit_EnterVariant(t *testing.T) {
	d, _ := defaultRoster(t).Lookup("grok")
	page := &fakePage{}

	require.NoError(t, d.Submit(context.Background(), page, "hi"))
	assert.Equal(t, []string{
		"wait " + d.Addressing.InputSelector,
		"click " + d.Addressing.InputSelector,
		"input hi",
		"enter",
	}, page.calls)
}

func TestSnapshotAndExtract(t *testing.T) {
	d, _ := defaultRoster(t).Lookup("claude")
	ctx := context.Background()

	page := &fakePage{evalValue: `{"sources":[{"count":1,"last":"old reply"}],"body":"old reply"}`}
	before, err := d.Snapshot(ctx, page)
	require.NoError(t, err)
	assert.True(t, before.Taken())
	assert.Equal(t, []interface{}{d.Addressing.OutputSources}, page.evalArgs)

	t.Run("new element", func(t *testing.T) {
		page := &fakePage{evalValue: `{"sources":[{"count":2,"last":"  the answer \n"}],"body":"old reply\nthe answer"}`}
		text, found, err := d.Extract(ctx, page, before, "question")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "the answer", text)
	})

	t.Run("only the previous reply is not found", func(t *testing.T) {
		page := &fakePage{evalValue: `{"sources":[{"count":1,"last":"old reply"}],"body":"old reply"}`}
		_, found, err := d.Extract(ctx, page, before, "question")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("eval failure", func(t *testing.T) {
		page := &fakePage{evalErr: errors.New("target closed")}
		_, _, err := d.Extract(ctx, page, before, "question")
		assert.ErrorContains(t, err, "target closed")

		_, err = d.Snapshot(ctx, page)
		assert.ErrorContains(t, err, "target closed")
	})
}

func TestPickOutput(t *testing.T) {
	taken := func(body string, sources ...SourceState) Observation {
		return Observation{Sources: sources, Body: body, taken: true}
	}
	before := taken("Chat\nold reply", SourceState{Count: 1, Last: "old reply"}, SourceState{Count: 2, Last: "old reply"})

	tests := []struct {
		name     string
		before   Observation
		after    Observation
		wantText string
		wantHow  string
	}{
		{
			name:     "first source gained an element",
			before:   before,
			after:    taken("Chat\nold reply\nnew reply", SourceState{Count: 2, Last: "new reply"}, SourceState{Count: 3, Last: "new reply"}),
			wantText: "new reply",
			wantHow:  "source 0",
		},
		{
			name:     "last element replaced in place",
			before:   before,
			after:    taken("Chat\nrewritten reply", SourceState{Count: 1, Last: "rewritten reply"}),
			wantText: "rewritten reply",
			wantHow:  "source 0",
		},
		{
			name:   "unchanged page",
			before: before,
			after:  before,
		},
		{
			name:     "page text delta without the echoed prompt",
			before:   before,
			after:    taken("Chat\nold reply\nwhat is the plan?\nThe plan has three phases.", SourceState{Count: 1, Last: "old reply"}),
			wantText: "The plan has three phases.",
			wantHow:  "page text",
		},
		{
			name:   "delta that is only the echoed prompt",
			before: before,
			after:  taken("Chat\nold reply\nwhat is the plan?\nCopy", SourceState{Count: 1, Last: "old reply"}),
		},
		{
			name:   "element echoing the prompt is skipped",
			before: before,
			after:  taken("Chat\nold reply", SourceState{Count: 1, Last: "old reply"}, SourceState{Count: 3, Last: "You said: what is the plan?"}),
		},
		{
			name:     "no snapshot accepts any element",
			after:    taken("Chat\nreply", SourceState{Count: 1, Last: "reply"}),
			wantText: "reply",
			wantHow:  "source 0",
		},
		{
			name:  "no snapshot never uses the whole page",
			after: taken("Chat\nlots of unrelated page text"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, how := pickOutput(tt.before, tt.after, "what is the plan?")
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantHow, how)
		})
	}
}

func TestNeedsIntervention(t *testing.T) {
	d, _ := defaultRoster(t).Lookup("chatgpt")

	blocked, err := d.NeedsIntervention(context.Background(), &fakePage{evalValue: "true"})
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = d.NeedsIntervention(context.Background(), &fakePage{evalValue: "false"})
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = d.NeedsIntervention(context.Background(), &fakePage{evalValue: `"maybe"`})
	assert.Error(t, err)
}

func TestParseVariant(t *testing.T) {
	for _, v := range Variants() {
		got, err := ParseVariant(" " + string(v) + " ")
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.NotEmpty(t, v.DefaultAddressing().URL)
		assert.NotEmpty(t, v.DefaultAddressing().OutputSources)
	}
}
