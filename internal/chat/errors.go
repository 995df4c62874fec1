package chat

import "strings"

// FriendlyError maps known provider error text onto a message fit for a
// user-visible notice. Matching is by substring because providers do not
// return stable error codes on their streaming paths.
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}
	lowered := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lowered, "modalit"):
		return "This model cannot produce the requested response type. Try a different model or disable image generation."
	case strings.Contains(lowered, "quota") || strings.Contains(lowered, "rate limit") || strings.Contains(lowered, "resource_exhausted"):
		return "The provider is rate limiting requests right now. Wait a moment and retry."
	case strings.Contains(lowered, "api key") || strings.Contains(lowered, "unauthorized") || strings.Contains(lowered, "invalid_api_key") || strings.Contains(lowered, "permission"):
		return "The provider rejected the API key. Check the key in settings."
	case strings.Contains(lowered, "context length") || strings.Contains(lowered, "token limit") || strings.Contains(lowered, "too long"):
		return "The conversation is too long for this model. Start a new thread or switch models."
	default:
		return "Something went wrong while generating the response. The partial answer was kept."
	}
}
