package prompts

import (
	"encoding/json"
	"strings"

	"github.com/nugget/mcphost/internal/tools"
)

// DirectivePrefix introduces a tool call in model text.
const DirectivePrefix = "TOOL_CALL:"

// toolCallInstructions tells prompt-style models how to ask for a tool.
const toolCallInstructions = `If you need to use a tool, respond with TOOL_CALL:toolName:{"param":"value"}
Use one line per tool call. The arguments must be a single JSON object.
Otherwise, just provide a helpful response.`

// ToolInstructions returns the system message that presents descs to a
// model without native tool calling, followed by the directive format.
// With no tools it returns an empty string.
func ToolInstructions(descs []tools.Descriptor) string {
	if len(descs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You can use the following tools:\n")
	for _, d := range descs {
		sb.WriteString("\n- ")
		sb.WriteString(d.Name)
		if d.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(strings.TrimSpace(d.Description))
		}
		sb.WriteByte('\n')
		if d.InputSchema != nil {
			if schema, err := json.Marshal(d.InputSchema); err == nil {
				sb.WriteString("  Input schema: ")
				sb.Write(schema)
				sb.WriteByte('\n')
			}
		}
	}
	sb.WriteByte('\n')
	sb.WriteString(toolCallInstructions)
	return sb.String()
}
