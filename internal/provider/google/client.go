package google

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"loomchat/backend/internal/provider"
)

const maxErrorBodyBytes = 8 * 1024

type contentPart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type content struct {
	Role  string        `json:"role,omitempty"`
	Parts []contentPart `json:"parts"`
}

type googleSearchTool struct {
	GoogleSearch struct{} `json:"google_search"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

type generationConfig struct {
	ThinkingConfig *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type streamAPIRequest struct {
	Contents          []content          `json:"contents"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	Tools             []googleSearchTool `json:"tools,omitempty"`
	GenerationConfig  *generationConfig  `json:"generationConfig,omitempty"`
}

type groundingChunk struct {
	Web *struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web"`
}

type streamAPIResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []groundingChunk `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client streams completions from the Gemini streamGenerateContent SSE
// endpoint. Thought parts become reasoning fragments; grounding metadata
// becomes source fragments.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

func toContents(messages []provider.Message) (contents []content, system *content) {
	contents = make([]content, 0, len(messages))
	for _, message := range messages {
		switch message.Role {
		case "system":
			system = &content{Parts: []contentPart{{Text: message.Content}}}
		case "assistant":
			contents = append(contents, content{Role: "model", Parts: []contentPart{{Text: message.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []contentPart{{Text: message.Content}}})
		}
	}
	return contents, system
}

func (c Client) StreamChat(ctx context.Context, req provider.Request, emit func(provider.Fragment) error) error {
	if strings.TrimSpace(req.APIKey) == "" {
		return provider.ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return errors.New("messages are required")
	}

	contents, system := toContents(req.Messages)
	apiReq := streamAPIRequest{
		Contents:          contents,
		SystemInstruction: system,
	}
	if req.WebSearch {
		apiReq.Tools = []googleSearchTool{{}}
	}
	if req.Thinking {
		apiReq.GenerationConfig = &generationConfig{ThinkingConfig: &thinkingConfig{IncludeThoughts: true}}
	}

	payload, err := json.Marshal(apiReq)
	if err != nil {
		return fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, strings.TrimSpace(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-goog-api-key", strings.TrimSpace(req.APIKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(extractErrorMessage(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var parsed streamAPIResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}
		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		for _, candidate := range parsed.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text == "" {
					continue
				}
				kind := provider.FragmentText
				if part.Thought {
					kind = provider.FragmentReasoning
				}
				if err := emit(provider.Fragment{Kind: kind, Text: part.Text}); err != nil {
					return err
				}
			}

			if candidate.GroundingMetadata == nil {
				continue
			}
			for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
				if chunk.Web == nil || chunk.Web.URI == "" {
					continue
				}
				fragment := provider.Fragment{
					Kind: provider.FragmentSource,
					Source: provider.Source{
						URL:   chunk.Web.URI,
						Title: chunk.Web.Title,
					},
				}
				if err := emit(fragment); err != nil {
					return err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read gemini stream: %w", err)
	}
	return nil
}

// extractErrorMessage pulls the message out of a Gemini error body when it is
// JSON, falling back to the raw body.
func extractErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}
