package providers

import (
	"fmt"
	"strings"
)

// StreamFor resolves a provider name to its streaming function.
func StreamFor(provider string) (StreamFunc, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "anthropic":
		return AnthropicStream, nil
	case "openai":
		return OpenAIStream, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
