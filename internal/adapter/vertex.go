package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/mazh-io/benchmark-engine/internal/auth"
)

// vertexTokenTransport attaches a fresh Vertex AI bearer token to every
// outbound request, sourced from the shared token manager so concurrent
// calls to the same credential coalesce their refreshes.
type vertexTokenTransport struct {
	base            http.RoundTripper
	tokens          *auth.VertexTokenManager
	credentialName  string
	credentialsFile string
	credentialsJSON string
}

func (t *vertexTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.GetToken(t.credentialName, t.credentialsFile, t.credentialsJSON)
	if err != nil {
		return nil, fmt.Errorf("vertex adapter: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// vertexAdapter wraps google.golang.org/genai's streaming client, backed by
// Vertex AI rather than the Gemini Developer API key path.
type vertexAdapter struct {
	client *genai.Client
}

func newVertexAdapter(ctx context.Context, projectID, location string, tokens *auth.VertexTokenManager, credentialName, credentialsFile, credentialsJSON string) (*vertexAdapter, error) {
	httpClient := &http.Client{
		Transport: &vertexTokenTransport{
			tokens:          tokens,
			credentialName:  credentialName,
			credentialsFile: credentialsFile,
			credentialsJSON: credentialsJSON,
		},
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:    genai.BackendVertexAI,
		Project:    projectID,
		Location:   location,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("vertex adapter: failed to construct client: %w", err)
	}
	return &vertexAdapter{client: client}, nil
}

func (a *vertexAdapter) Call(ctx context.Context, params CallParams) Envelope {
	return withTransportRetry(ctx, func(ctx context.Context) (Envelope, int, string) {
		envelope, statusCode, message := a.call(ctx, params)
		return envelope, statusCode, message
	})
}

func (a *vertexAdapter) call(ctx context.Context, params CallParams) (Envelope, int, string) {
	callCtx, cancel := context.WithTimeout(ctx, params.Timeout())
	defer cancel()

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(temperature)),
	}
	contents := genai.Text(buildUserMessage(params.Prompt))

	tStart := time.Now()
	var buf strings.Builder
	var tFirst time.Time
	var firstSeen bool
	var inputTokens, outputTokens int

	for resp, err := range a.client.Models.GenerateContentStream(callCtx, params.Model, contents, config) {
		if err != nil {
			errType, status := ClassifyError(0, err.Error())
			return Err(ErrResult{ErrorType: errType, ErrorMessage: err.Error(), StatusCode: status}), 0, err.Error()
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text == "" {
					continue
				}
				if !firstSeen {
					tFirst = time.Now()
					firstSeen = true
				}
				buf.WriteString(part.Text)
			}
		}

		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
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

	result := buildOkResult(tStart, tFirst, firstSeen, tEnd, inputTokens, outputTokens, 0, responseText)
	return Ok(result), 200, ""
}
