package adapter

import "github.com/google/uuid"

// systemPrompt is the fixed instruction every provider is benchmarked
// against, so latency/token comparisons stay apples-to-apples across
// providers.
const systemPrompt = "You are a helpful assistant. Your task is to summarize the provided text into exactly three concise bullet points."

// temperature sits in the middle of the allowed [0.7, 0.8] band.
const temperature = 0.75

// buildUserMessage prefixes the prompt with a fresh request id so that no
// upstream provider can serve a cached or deduplicated response across
// calls to the same model.
func buildUserMessage(prompt string) string {
	return "REQUEST ID: " + uuid.New().String() + "\n\n" + prompt
}
