package agent

import (
	"fmt"
	"strings"
	"time"

	"ejunz/pkg/protocol"
)

// PromptParams is what a system prompt is built from
type PromptParams struct {
	AgentName    string
	SystemPrompt string
	Domain       string
	ClientID     string
	Model        string
	Tools        []protocol.Tool
	// Spoken is set when the reply will be synthesized to speech
	Spoken bool
	Now    time.Time
}

// BuildSystemPrompt joins the non-empty prompt sections
func BuildSystemPrompt(p PromptParams) string {
	sections := []string{
		identitySection(p),
		toolingSection(p.Tools),
		voiceSection(p.Spoken),
		runtimeSection(p),
	}

	var nonEmpty []string
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func identitySection(p PromptParams) string {
	if p.SystemPrompt != "" {
		return p.SystemPrompt
	}
	if p.AgentName != "" {
		return fmt.Sprintf("You are %s, an assistant answering users of the %s domain.", p.AgentName, p.Domain)
	}
	return "You are a helpful assistant."
}

func toolingSection(tools []protocol.Tool) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Tools\n")
	b.WriteString("Tool names are case-sensitive. Call tools exactly as listed.\n")
	for _, t := range tools {
		if t.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", t.Name)
		}
	}
	b.WriteString("Do not narrate routine tool calls. If a tool fails, say so briefly.")
	return b.String()
}

func voiceSection(spoken bool) string {
	if !spoken {
		return ""
	}
	return `## Voice
Your reply is read aloud. Use short, complete sentences and plain words.
Do not use markdown, lists, code blocks, or emoji.`
}

func runtimeSection(p PromptParams) string {
	var parts []string
	for _, kv := range [][2]string{
		{"agent", p.AgentName},
		{"domain", p.Domain},
		{"client", p.ClientID},
		{"model", p.Model},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	return fmt.Sprintf("## Runtime\nRuntime: %s\nCurrent time: %s",
		strings.Join(parts, " | "), now.Format("Mon 2006-01-02 15:04 MST"))
}
