// Package adapter implements the Provider Adapter Layer: one streaming
// call to one (provider, model) pair, normalized into a single envelope
// shape regardless of which upstream wire format produced it.
package adapter

import (
	"context"
	"time"
)

// OkResult is the payload of a successful call.
type OkResult struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	TotalLatencyMs  float64
	TTFTMs          *float64
	TPS             *float64
	StatusCode      int
	ResponseText    string
}

// ErrResult is the payload of a failed call. StatusCode is the classifier's
// best guess at an HTTP-shaped status even for transport-level failures
// that never reached an HTTP response (e.g. 504 for TIMEOUT); a
// CONFIG_ERROR returned before any call is made carries 0.
type ErrResult struct {
	ErrorType    string
	ErrorMessage string
	StatusCode   int
}

// Envelope is the sum-typed result of a Call: exactly one of Ok or Err is
// set, never both and never neither. Modeling it as a tagged struct rather
// than a pair of optional fields on one flat type keeps callers from
// accidentally reading success fields off a failed call.
type Envelope struct {
	Ok  *OkResult
	Err *ErrResult
}

func Ok(r OkResult) Envelope {
	return Envelope{Ok: &r}
}

func Err(r ErrResult) Envelope {
	return Envelope{Err: &r}
}

func (e Envelope) Success() bool {
	return e.Ok != nil
}

// CallParams is everything an Adapter needs to execute one benchmark call.
type CallParams struct {
	Model            string
	Prompt           string
	Reasoning        bool
	ReasoningTimeout time.Duration
	DefaultTimeout   time.Duration
}

// Timeout selects the per-model timeout: reasoning models get the longer
// budget, everything else gets the default.
func (p CallParams) Timeout() time.Duration {
	if p.Reasoning {
		if p.ReasoningTimeout > 0 {
			return p.ReasoningTimeout
		}
		return 120 * time.Second
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return 60 * time.Second
}

// Adapter executes one benchmark call against one provider and returns the
// standardized envelope. Implementations never panic; every failure mode
// is surfaced through Envelope.Err.
type Adapter interface {
	Call(ctx context.Context, params CallParams) Envelope
}
