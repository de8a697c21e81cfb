package core

import (
	"fmt"
	"strings"
	"time"

	"agentlink/tools"

	"github.com/tmc/langchaingo/prompts"
)

// agentDescriptionSuffix is appended to the configured description so the
// backend agent knows which client-side tools exist and how results come back.
const agentDescriptionSuffix = `Today is {{.today}}.

CLIENT TOOLS:
The following tools run on the user's machine. Call them by name with a JSON
object matching their parameters; results are returned as tool outputs and
errors are reported with isError set.

{{.tool_descriptions}}

Available tool names: {{.tool_names}}`

// CreateDescriptionPrompt builds the template for the agent description
// announced in initAgent.
func CreateDescriptionPrompt(description string, toolList []tools.Tool) prompts.PromptTemplate {
	var toolNames []string
	var toolDescriptions []string

	for _, tool := range toolList {
		toolNames = append(toolNames, tool.Name())
		toolDescriptions = append(toolDescriptions, fmt.Sprintf("- %s: %s", tool.Name(), tool.Description()))
	}

	template := strings.Join([]string{escapeTemplate(description), agentDescriptionSuffix}, "\n\n")

	return prompts.PromptTemplate{
		Template:       template,
		TemplateFormat: prompts.TemplateFormatGoTemplate,
		InputVariables: []string{"today"},
		PartialVariables: map[string]any{
			"tool_names":        strings.Join(toolNames, ", "),
			"tool_descriptions": strings.Join(toolDescriptions, "\n"),
		},
	}
}

// BuildInitRequest assembles the initAgent payload from configuration and the
// registered tools.
func BuildInitRequest(config *Config, registry *tools.Registry, now time.Time) (InitAgentRequest, error) {
	prompt := CreateDescriptionPrompt(config.AgentDescription, registry.List())
	description, err := prompt.Format(map[string]any{"today": now.Format("Monday, January 2, 2006")})
	if err != nil {
		return InitAgentRequest{}, fmt.Errorf("failed to render agent description: %w", err)
	}

	return InitAgentRequest{
		Name:        config.AgentName,
		Description: description,
		LLM:         config.LLMSettings(),
		Tools:       registry.Definitions(),
	}, nil
}

// escapeTemplate keeps user supplied text from being parsed as template actions.
func escapeTemplate(text string) string {
	return strings.ReplaceAll(text, "{{", `{{"{{"}}`)
}
