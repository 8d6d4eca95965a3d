// Package contextbuilder assembles the system prompt for a turn: skill
// summaries plus the active skill's full prompt, the externally supplied
// memory pack, a plan-mode block when plan work is active, and the tool
// schemas visible for the current skill/mode.
package contextbuilder

import (
	"encoding/json"
	"strings"
)

// SkillSummary is the one-line entry shown for every available skill.
type SkillSummary struct {
	Name        string
	Description string
}

// ToolSchema is one tool's name/description/JSON-schema triple, already
// filtered to the set visible for the active skill and mode.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Input carries everything the builder needs for one turn. It has no
// pointer into the Turn Context itself, so Build is a pure function of its
// arguments and is trivially idempotent for the same Input.
type Input struct {
	SkillSummaries   []SkillSummary
	ActiveSkillName  string
	ActiveSkillBody  string
	MemoryPack       string
	PlanModeActive   bool
	Tools            []ToolSchema
}

// planModeInstructions tells the model how to interact with the plan tools;
// it never exposes plan content directly — the model must always fetch the
// canonical copy via plan_get before assuming it knows the plan's state.
const planModeInstructions = `Plan mode is active. The canonical plan document is not included in this ` +
	`prompt. Call plan_get to read its current markdown before referencing ` +
	`plan content, and call plan_set_content to persist any changes. Do not ` +
	`assume prior plan content is still current.`

// Build assembles the full system prompt. The sections always appear in
// this order when present: skill summaries + active skill body, memory
// pack, plan-mode block, tool schema listing.
func Build(in Input) string {
	var sections []string

	if section := skillSection(in.SkillSummaries, in.ActiveSkillName, in.ActiveSkillBody); section != "" {
		sections = append(sections, section)
	}
	if strings.TrimSpace(in.MemoryPack) != "" {
		sections = append(sections, in.MemoryPack)
	}
	if in.PlanModeActive {
		sections = append(sections, planModeInstructions)
	}
	if section := toolSection(in.Tools); section != "" {
		sections = append(sections, section)
	}

	return strings.Join(sections, "\n\n")
}

func skillSection(summaries []SkillSummary, activeName, activeBody string) string {
	if len(summaries) == 0 && activeBody == "" {
		return ""
	}
	var b strings.Builder
	if len(summaries) > 0 {
		b.WriteString("Available skills:\n")
		for _, s := range summaries {
			b.WriteString("- ")
			b.WriteString(s.Name)
			b.WriteString(": ")
			b.WriteString(s.Description)
			b.WriteString("\n")
		}
	}
	if activeBody != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Active skill (")
		b.WriteString(activeName)
		b.WriteString("):\n")
		b.WriteString(activeBody)
	}
	return strings.TrimRight(b.String(), "\n")
}

func toolSection(tools []ToolSchema) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Description)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FilterTools keeps only the tools whose name is in allowed, plus every
// tool in alwaysVisible regardless of allowed — used to hide plan tools
// outside plan mode and skill-gated tools outside their owning skill.
func FilterTools(all []ToolSchema, allowed map[string]bool, alwaysVisible map[string]bool) []ToolSchema {
	var out []ToolSchema
	for _, t := range all {
		if alwaysVisible[t.Name] || allowed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
