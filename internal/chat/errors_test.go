package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestFriendlyErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"modality", errors.New("requested modality is not supported"), "requested response type"},
		{"quota", errors.New("RESOURCE_EXHAUSTED: quota exceeded"), "rate limiting"},
		{"bad key", errors.New("401 unauthorized: invalid_api_key"), "rejected the API key"},
		{"context length", errors.New("maximum context length exceeded"), "too long for this model"},
		{"unknown", errors.New("stream closed unexpectedly"), "partial answer was kept"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FriendlyError(tc.err)
			if !strings.Contains(got, tc.want) {
				t.Fatalf("FriendlyError(%v) = %q, want substring %q", tc.err, got, tc.want)
			}
		})
	}
}
