package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"loomchat/backend/internal/provider"
)

// Client streams completions from the OpenAI chat completions API via the
// go-openai SDK. A client is constructed per request because the API key
// travels with the request instead of living in server config.
type Client struct {
	baseURL string
}

func NewClient(baseURL string) Client {
	return Client{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
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

	clientConfig := goopenai.DefaultConfig(strings.TrimSpace(req.APIKey))
	if c.baseURL != "" {
		clientConfig.BaseURL = c.baseURL
	}
	client := goopenai.NewClientWithConfig(clientConfig)

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, message := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
		})
	}

	stream, err := client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    strings.TrimSpace(req.Model),
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("create openai stream: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read openai stream: %w", err)
		}

		for _, choice := range response.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := emit(provider.Fragment{Kind: provider.FragmentText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
	}
}
