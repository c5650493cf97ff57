// Package prompts contains the prompt text mcphost sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates are assembled from live tool descriptors and can be validated by
// tests. User-facing overrides (such as the system prompt) live in
// config.yaml.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
