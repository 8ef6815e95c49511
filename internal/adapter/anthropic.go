package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 1024

// anthropicAdapter wraps anthropic-sdk-go's streaming client. Unlike the
// OpenAI-compatible adapter it never touches raw SSE bytes itself; the SDK
// exposes typed events directly and accumulates the final Message for us.
type anthropicAdapter struct {
	apiKey string
	client anthropic.Client
}

func newAnthropicAdapter(apiKey string) *anthropicAdapter {
	return &anthropicAdapter{apiKey: apiKey, client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (a *anthropicAdapter) Call(ctx context.Context, params CallParams) Envelope {
	if a.apiKey == "" {
		return Err(ErrResult{ErrorType: ErrorTypeConfigError, ErrorMessage: "anthropic: no API key configured", StatusCode: 0})
	}

	return withTransportRetry(ctx, func(ctx context.Context) (Envelope, int, string) {
		envelope, statusCode, message := a.call(ctx, params)
		return envelope, statusCode, message
	})
}

func (a *anthropicAdapter) call(ctx context.Context, params CallParams) (Envelope, int, string) {
	callCtx, cancel := context.WithTimeout(ctx, params.Timeout())
	defer cancel()

	stream := a.client.Messages.NewStreaming(callCtx, anthropic.MessageNewParams{
		Model:       anthropic.Model(params.Model),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(temperature),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserMessage(params.Prompt))),
		},
	})

	tStart := time.Now()
	var buf strings.Builder
	var tFirst time.Time
	var firstSeen bool
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errType, status := ClassifyError(0, err.Error())
			return Err(ErrResult{ErrorType: errType, ErrorMessage: err.Error(), StatusCode: status}), 0, err.Error()
		}

		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if textDelta, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
				if !firstSeen {
					tFirst = time.Now()
					firstSeen = true
				}
				buf.WriteString(textDelta.Text)
			}
		}
	}

	if err := stream.Err(); err != nil {
		var apiErr *anthropic.Error
		statusCode := 0
		if errors.As(err, &apiErr) {
			statusCode = apiErr.StatusCode
		}
		errType, status := ClassifyError(statusCode, err.Error())
		return Err(ErrResult{ErrorType: errType, ErrorMessage: err.Error(), StatusCode: status}), statusCode, err.Error()
	}

	tEnd := time.Now()
	responseText := buf.String()
	if responseText == "" {
		return Err(ErrResult{ErrorType: ErrorTypeEmptyResponse, ErrorMessage: "empty response body with HTTP 200", StatusCode: 200}), 200, ""
	}

	inputTokens := int(message.Usage.InputTokens)
	outputTokens := int(message.Usage.OutputTokens)
	if inputTokens <= 0 {
		inputTokens = estimateFromLength(params.Prompt)
	}
	if outputTokens <= 0 {
		outputTokens = estimateFromLength(responseText)
	}

	result := buildOkResult(tStart, tFirst, firstSeen, tEnd, inputTokens, outputTokens, 0, responseText)
	return Ok(result), 200, ""
}
