package adapter

import "testing"

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name           string
		statusCode     int
		message        string
		wantType       string
		wantStatus     int
	}{
		{"rate limit by status", 429, "too many requests", ErrorTypeRateLimit, 429},
		{"rate limit by message", 0, "RateLimitError: slow down", ErrorTypeRateLimit, 429},
		{"auth error", 401, "unauthorized", ErrorTypeAuthError, 401},
		{"bad request", 400, "invalid request", ErrorTypeBadRequest, 400},
		{"not found", 404, "model not found", ErrorTypeNotFound, 404},
		{"timeout message", 0, "context deadline exceeded: timeout", ErrorTypeTimeout, 504},
		{"insufficient credits", 0, "Your credit balance is too low", ErrorTypeInsufficientCredits, 402},
		{"unknown with status", 503, "upstream exploded", ErrorTypeUnknown, 503},
		{"unknown without status", 0, "something odd", ErrorTypeUnknown, 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotType, gotStatus := ClassifyError(tc.statusCode, tc.message)
			if gotType != tc.wantType || gotStatus != tc.wantStatus {
				t.Fatalf("ClassifyError(%d, %q) = (%s, %d), want (%s, %d)",
					tc.statusCode, tc.message, gotType, gotStatus, tc.wantType, tc.wantStatus)
			}
		})
	}
}
