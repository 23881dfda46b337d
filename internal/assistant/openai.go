package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const SystemPrompt = `You are Yara, a friendly voice assistant running on the user's desktop.
Answer in one to three short sentences that sound natural when read aloud.
Do not use markdown, lists, code blocks or emoji.
If you do not know something, say so plainly.`

// Turn is one message of the running conversation.
type Turn struct {
	Content string
	IsUser  bool
}

type Completer interface {
	Complete(ctx context.Context, history []Turn, message string) (string, error)
}

type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, model string, httpClient *http.Client) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if model == "" {
		model = string(openai.ChatModelGPT5Nano)
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAI) Complete(ctx context.Context, history []Turn, message string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: buildMessages(history, message),
		Model:    openai.ChatModel(o.model),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", errors.New("empty message content")
	}
	return content, nil
}

func buildMessages(history []Turn, message string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(SystemPrompt))
	for _, t := range history {
		if t.IsUser {
			msgs = append(msgs, openai.UserMessage(t.Content))
		} else {
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		}
	}
	return append(msgs, openai.UserMessage(message))
}
