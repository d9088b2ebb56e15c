// Package llm OpenAI 兼容的对话接口（默认 Groq）。
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

var ErrEmptyCompletion = errors.New("llm returned empty completion")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client 流式对话与一次性补全
type Client interface {
	// StreamChat 每收到一段文本调用一次 onChunk，onChunk 返回错误时终止流
	StreamChat(ctx context.Context, model string, msgs []Message, temperature float32, onChunk func(string) error) error
	Complete(ctx context.Context, model string, msgs []Message, temperature float32, maxTokens int) (string, error)
}

type OpenAIClient struct {
	c *openai.Client
}

func NewOpenAIClient(baseURL, apiKey string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{c: openai.NewClientWithConfig(cfg)}
}

func toOpenAI(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (o *OpenAIClient) StreamChat(ctx context.Context, model string, msgs []Message, temperature float32, onChunk func(string) error) error {
	stream, err := o.c.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAI(msgs),
		Temperature: temperature,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recv stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := onChunk(delta); err != nil {
				return err
			}
		}
	}
}

func (o *OpenAIClient) Complete(ctx context.Context, model string, msgs []Message, temperature float32, maxTokens int) (string, error) {
	resp, err := o.c.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAI(msgs),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
