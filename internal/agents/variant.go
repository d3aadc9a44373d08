package agents

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownVariant is returned for a variant name with no built-in case.
var ErrUnknownVariant = errors.New("unknown agent variant")

// Variant is the closed set of supported chat front ends. Each case carries
// its own addressing and submission behavior; adding a site means adding a
// case here.
type Variant string

const (
	VariantChatGPT Variant = "chatgpt"
	VariantClaude  Variant = "claude"
	VariantGrok    Variant = "grok"
	VariantGemini  Variant = "gemini"
)

// Variants lists every supported variant.
func Variants() []Variant {
	return []Variant{VariantChatGPT, VariantClaude, VariantGrok, VariantGemini}
}

// ParseVariant resolves a configured variant name.
func ParseVariant(name string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := profiles[v]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return v, nil
}

// Addressing is the site-specific part of a variant: where to navigate,
// where to type, how to send, and where output appears (newest last).
type Addressing struct {
	URL            string
	InputSelector  string
	SubmitSelector string
	OutputSources  []string
}

// merge returns a with empty fields filled from def.
func (a Addressing) merge(def Addressing) Addressing {
	if a.URL == "" {
		a.URL = def.URL
	}
	if a.InputSelector == "" {
		a.InputSelector = def.InputSelector
	}
	if a.SubmitSelector == "" {
		a.SubmitSelector = def.SubmitSelector
	}
	if len(a.OutputSources) == 0 {
		a.OutputSources = append([]string(nil), def.OutputSources...)
	}
	return a
}

type submitMode int

const (
	submitClick submitMode = iota // click the send button, Enter as fallback
	submitEnter                   // press Enter in the input
)

type profile struct {
	addressing Addressing
	submit     submitMode

	// loginMarkers: any group whose strings all appear in the page text
	// means a login wall.
	loginMarkers [][]string

	// loginOnlyWithoutInput limits login detection to pages where the input
	// is missing; the site shows marketing copy next to a usable input.
	loginOnlyWithoutInput bool
}

var restoreMarkers = []string{"Restore pages", "didn't shut down correctly"}

var profiles = map[Variant]profile{
	VariantChatGPT: {
		addressing: Addressing{
			URL:            "https://chatgpt.com/",
			InputSelector:  "div#prompt-textarea",
			SubmitSelector: `button[data-testid="send-button"], button[aria-label="Send prompt"]`,
			OutputSources: []string{
				`div[data-message-author-role="assistant"] .markdown`,
				`div[data-message-author-role="assistant"]`,
				"article",
			},
		},
		submit:       submitClick,
		loginMarkers: [][]string{{"Log in", "Sign up"}},
	},
	VariantClaude: {
		addressing: Addressing{
			URL:            "https://claude.ai/new",
			InputSelector:  `div[contenteditable="true"]`,
			SubmitSelector: `button[aria-label="Send message"], button[aria-label="Send Message"]`,
			OutputSources: []string{
				".font-claude-message",
				`div[data-testid="assistant-message"]`,
			},
		},
		submit: submitEnter,
		loginMarkers: [][]string{
			{"Continue with Google"},
			{"Continue with email"},
			{"Log in"},
		},
		loginOnlyWithoutInput: true,
	},
	VariantGrok: {
		addressing: Addressing{
			URL:           "https://grok.com/",
			InputSelector: `textarea[aria-label="Ask Grok anything"], textarea`,
			OutputSources: []string{
				"div.message-row-assistant .markdown",
				".message-bubble .prose",
				".markdown.prose",
			},
		},
		submit:                submitEnter,
		loginMarkers:          [][]string{{"Sign in", "Sign up"}},
		loginOnlyWithoutInput: true,
	},
	VariantGemini: {
		addressing: Addressing{
			URL:            "https://gemini.google.com/app",
			InputSelector:  "div.ql-editor",
			SubmitSelector: `button[aria-label="Send message"]`,
			OutputSources: []string{
				"message-content .markdown",
				"div.message-content",
				"model-response",
			},
		},
		submit:                submitClick,
		loginMarkers:          [][]string{{"Sign in"}},
		loginOnlyWithoutInput: true,
	},
}

// DefaultAddressing returns the built-in addressing for v.
func (v Variant) DefaultAddressing() Addressing {
	p := profiles[v]
	return Addressing{}.merge(p.addressing)
}
