package prompts

const DefaultSystem = "You are a helpful voice assistant. Keep your responses brief and conversational - aim for 1-2 sentences maximum. Be direct and avoid unnecessary details or filler words."

// Resolve returns the configured system prompt, or DefaultSystem when none is set.
func Resolve(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}
