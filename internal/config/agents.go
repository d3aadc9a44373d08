package config

// Agent lifecycle policies.
const (
	LifecycleWarm      = "warm"
	LifecycleTransient = "transient"
)

// AgentConfig declares one dispatchable agent.
type AgentConfig struct {
	Key         string   `yaml:"key"`          // routing key, matched case-insensitively
	DisplayName string   `yaml:"display_name"` // feed sender name for this agent's output
	Variant     string   `yaml:"variant"`      // chatgpt, claude, grok, gemini
	Lifecycle   string   `yaml:"lifecycle"`    // warm, transient
	Mentions    []string `yaml:"mentions"`     // role-mention tokens, e.g. "@chatgpt"
	Briefing    string   `yaml:"briefing"`     // file under briefings_dir, "" = none

	// Addressing overrides the variant's built-in site addressing.
	Addressing AddressingConfig `yaml:"addressing"`
}

// AddressingConfig overrides site-specific addressing for a variant.
// Empty fields keep the variant default.
type AddressingConfig struct {
	URL            string   `yaml:"url"`
	InputSelector  string   `yaml:"input_selector"`
	SubmitSelector string   `yaml:"submit_selector"`
	OutputSources  []string `yaml:"output_sources"`
}

// DefaultAgents returns the stock agent roster.
func DefaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			Key:         "chatgpt",
			DisplayName: "ChatGPT",
			Variant:     "chatgpt",
			Lifecycle:   LifecycleWarm,
			Mentions:    []string{"@chatgpt"},
			Briefing:    "tactical_brief.md",
		},
		{
			Key:         "claude",
			DisplayName: "Claude",
			Variant:     "claude",
			Lifecycle:   LifecycleWarm,
			Mentions:    []string{"@claude"},
		},
		{
			Key:         "grok",
			DisplayName: "Grok",
			Variant:     "grok",
			Lifecycle:   LifecycleWarm,
			Mentions:    []string{"@grok"},
			Briefing:    "strategic_brief.md",
		},
		{
			Key:         "gemini",
			DisplayName: "Antigravity",
			Variant:     "gemini",
			Lifecycle:   LifecycleTransient,
			Mentions:    []string{"@antigravity", "@gemini"},
		},
	}
}
