package openrouter

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

type reasoningDetail struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type annotation struct {
	Type        string `json:"type"`
	URLCitation *struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"url_citation"`
}

type streamAPIResponse struct {
	Choices []struct {
		Delta struct {
			Content          string            `json:"content"`
			ReasoningDetails []reasoningDetail `json:"reasoning_details"`
			Annotations      []annotation      `json:"annotations"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type pluginConfig struct {
	ID string `json:"id"`
}

type reasoningConfig struct {
	Effort string `json:"effort,omitempty"`
}

type streamAPIRequest struct {
	Model     string             `json:"model"`
	Messages  []provider.Message `json:"messages"`
	Reasoning *reasoningConfig   `json:"reasoning,omitempty"`
	Plugins   []pluginConfig     `json:"plugins,omitempty"`
	Stream    bool               `json:"stream"`
}

// Client streams chat completions from OpenRouter's OpenAI-compatible SSE
// endpoint and normalizes deltas, reasoning details and URL citations into
// provider fragments.
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

	apiReq := streamAPIRequest{
		Model:    strings.TrimSpace(req.Model),
		Messages: req.Messages,
		Stream:   true,
	}
	if req.Thinking {
		apiReq.Reasoning = &reasoningConfig{Effort: "medium"}
	}
	if req.WebSearch {
		apiReq.Plugins = []pluginConfig{{ID: "web"}}
	}

	payload, err := json.Marshal(apiReq)
	if err != nil {
		return fmt.Errorf("marshal openrouter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build openrouter request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(req.APIKey))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request openrouter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("openrouter returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}

		var parsed streamAPIResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}

		if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
			return errors.New(strings.TrimSpace(parsed.Error.Message))
		}

		for _, choice := range parsed.Choices {
			// Reasoning deltas typically arrive before content.
			for _, detail := range choice.Delta.ReasoningDetails {
				if detail.Type == "reasoning.text" && detail.Text != "" {
					if err := emit(provider.Fragment{Kind: provider.FragmentReasoning, Text: detail.Text}); err != nil {
						return err
					}
				}
			}

			for _, note := range choice.Delta.Annotations {
				if note.Type != "url_citation" || note.URLCitation == nil || note.URLCitation.URL == "" {
					continue
				}
				fragment := provider.Fragment{
					Kind: provider.FragmentSource,
					Source: provider.Source{
						URL:     note.URLCitation.URL,
						Title:   note.URLCitation.Title,
						Snippet: note.URLCitation.Content,
					},
				}
				if err := emit(fragment); err != nil {
					return err
				}
			}

			if choice.Delta.Content == "" {
				continue
			}
			if err := emit(provider.Fragment{Kind: provider.FragmentText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read openrouter stream: %w", err)
	}
	return nil
}
