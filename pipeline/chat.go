package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"workshop/config"
	"workshop/fault"
)

type ChatRequest struct {
	Model       string
	System      string
	User        string
	Temperature float32
}

// ChatStream yields response text fragments; Recv returns io.EOF at the end.
type ChatStream interface {
	Recv() (string, error)
	Close()
}

type ChatClient interface {
	Stream(ctx context.Context, req ChatRequest) (ChatStream, error)
}

// Provider is an OpenAI-compatible endpoint preset.
type Provider struct {
	BaseURL string
	Model   string
	// KeyOptional is set for local servers.
	KeyOptional bool
}

var providers = map[string]Provider{
	"openai":      {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	"deepseek":    {BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
	"siliconflow": {BaseURL: "https://api.siliconflow.cn/v1", Model: "Qwen/Qwen2.5-7B-Instruct"},
	"ollama":      {BaseURL: "http://localhost:11434/v1", Model: "qwen2.5:7b", KeyOptional: true},
	"custom":      {},
}

// ResolveProvider applies the base URL, model and key overrides of ts to the
// named preset.
func ResolveProvider(name string, ts config.TranslateSettings) (Provider, error) {
	p, ok := providers[name]
	if !ok {
		return Provider{}, fault.Configuration("unknown translation provider %q", name)
	}
	if ts.BaseURL != "" {
		p.BaseURL = ts.BaseURL
	}
	if ts.CustomModelName != "" {
		p.Model = ts.CustomModelName
	}
	if p.BaseURL == "" || p.Model == "" {
		return Provider{}, fault.Configuration("provider %s needs translate.baseUrl and translate.customModelName", name)
	}
	if ts.APIKey == "" && !p.KeyOptional {
		return Provider{}, fault.Configuration("translate.apiKey is not set for provider %s", name)
	}
	return p, nil
}

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client *openai.Client
}

func NewOpenAIClient(baseURL, apiKey string, httpClient *http.Client) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Stream(ctx context.Context, req ChatRequest) (ChatStream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	})
	if err != nil {
		return nil, classifyChatError(ctx, err)
	}
	return &openAIStream{ctx: ctx, stream: stream}, nil
}

type openAIStream struct {
	ctx    context.Context
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", classifyChatError(s.ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *openAIStream) Close() {
	s.stream.Close()
}

func classifyChatError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fault.Wrap(fault.KindConfiguration, err, "translation provider rejected the API key")
		}
		return fault.Wrap(fault.KindNetwork, err, "translation provider error: %s", apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fault.Wrap(fault.KindNetwork, err, "translation request failed with status %d", reqErr.HTTPStatusCode)
	}
	return fault.Wrap(fault.KindNetwork, err, "translation request failed")
}
