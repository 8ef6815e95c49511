package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// openAIChunk is the subset of an OpenAI-wire-compatible streaming chunk
// this adapter reads: delta content for the SSE-style text stream, and the
// terminal usage object some providers attach to the final chunk.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		CompletionTokensDetails struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// openaiCompatibleAdapter calls any provider that speaks the OpenAI
// chat-completions streaming wire format: OpenAI itself, and the
// OpenAI-compatible providers (Groq, Together, OpenRouter, DeepSeek,
// Cerebras, Mistral, Fireworks, SambaNova).
type openaiCompatibleAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newOpenAICompatibleAdapter(name, baseURL, apiKey string, httpClient *http.Client) *openaiCompatibleAdapter {
	return &openaiCompatibleAdapter{name: name, baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
}

func (a *openaiCompatibleAdapter) Call(ctx context.Context, params CallParams) Envelope {
	if a.apiKey == "" {
		return Err(ErrResult{ErrorType: ErrorTypeConfigError, ErrorMessage: fmt.Sprintf("%s: no API key configured", a.name), StatusCode: 0})
	}

	return withTransportRetry(ctx, func(ctx context.Context) (Envelope, int, string) {
		envelope, statusCode, message := a.call(ctx, params)
		return envelope, statusCode, message
	})
}

func (a *openaiCompatibleAdapter) call(ctx context.Context, params CallParams) (Envelope, int, string) {
	body, err := json.Marshal(map[string]any{
		"model": params.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": buildUserMessage(params.Prompt)},
		},
		"temperature":    temperature,
		"stream":         true,
		"stream_options": map[string]bool{"include_usage": true},
	})
	if err != nil {
		return Err(ErrResult{ErrorType: ErrorTypeUnknown, ErrorMessage: err.Error(), StatusCode: 500}), 0, err.Error()
	}

	callCtx, cancel := context.WithTimeout(ctx, params.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Err(ErrResult{ErrorType: ErrorTypeUnknown, ErrorMessage: err.Error(), StatusCode: 500}), 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	tStart := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		errType, status := ClassifyError(0, err.Error())
		return Err(ErrResult{ErrorType: errType, ErrorMessage: err.Error(), StatusCode: status}), 0, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = resp.Status
		}
		errType, status := ClassifyError(resp.StatusCode, msg)
		return Err(ErrResult{ErrorType: errType, ErrorMessage: msg, StatusCode: status}), resp.StatusCode, msg
	}

	var buf strings.Builder
	var tFirst time.Time
	var firstSeen bool
	var inputTokens, outputTokens, reasoningTokens int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !firstSeen {
				tFirst = time.Now()
				firstSeen = true
			}
			buf.WriteString(chunk.Choices[0].Delta.Content)
		}
		if chunk.Usage != nil {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
			reasoningTokens = chunk.Usage.CompletionTokensDetails.ReasoningTokens
		}
	}
	if err := scanner.Err(); err != nil {
		errType, status := ClassifyError(0, err.Error())
		return Err(ErrResult{ErrorType: errType, ErrorMessage: err.Error(), StatusCode: status}), 0, err.Error()
	}

	tEnd := time.Now()
	responseText := buf.String()

	if responseText == "" {
		return Err(ErrResult{ErrorType: ErrorTypeEmptyResponse, ErrorMessage: "empty response body with HTTP 200", StatusCode: 200}), 200, ""
	}

	if inputTokens <= 0 {
		inputTokens = estimateFromLength(params.Prompt)
	}
	if outputTokens <= 0 {
		outputTokens = estimateFromLength(responseText)
	}

	result := buildOkResult(tStart, tFirst, firstSeen, tEnd, inputTokens, outputTokens, reasoningTokens, responseText)
	return Ok(result), 200, ""
}

func estimateFromLength(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// buildOkResult computes the shared latency/TTFT/TPS metrics from the raw
// timestamps every adapter records.
func buildOkResult(tStart, tFirst time.Time, firstSeen bool, tEnd time.Time, inputTokens, outputTokens, reasoningTokens int, responseText string) OkResult {
	result := OkResult{
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		ReasoningTokens: reasoningTokens,
		TotalLatencyMs:  float64(tEnd.Sub(tStart).Milliseconds()),
		StatusCode:      200,
		ResponseText:    responseText,
	}
	if firstSeen {
		ttft := float64(tFirst.Sub(tStart).Milliseconds())
		result.TTFTMs = &ttft
		if outputTokens > 1 {
			seconds := tEnd.Sub(tFirst).Seconds()
			if seconds > 0 {
				tps := float64(outputTokens-1) / seconds
				result.TPS = &tps
			}
		}
	}
	return result
}
