package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// LocalEngine implements Engine against a local llama.cpp server's
// OpenAI-compatible /v1/chat/completions endpoint, the same sidecar
// shape the school-edge box runs the GGUF model behind. Config.ModelPath
// is passed straight through as the request's Model field, matching how
// llama.cpp's server resolves whatever GGUF it was started with.
type LocalEngine struct {
	baseURL string
	client  *openai.Client
	model   string
}

// NewLocalEngine points at a llama.cpp server's OpenAI-compatible base
// URL (e.g. http://127.0.0.1:8081/v1). No API key is required locally;
// llama.cpp's server ignores the Authorization header.
func NewLocalEngine(baseURL string) *LocalEngine {
	cfg := openai.DefaultConfig("local")
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: 0}
	return &LocalEngine{baseURL: baseURL, client: openai.NewClientWithConfig(cfg)}
}

// Load checks the server is serving the configured model via a cheap
// completions probe rather than a stateful load call — llama.cpp's
// server loads its model at process start, not per request.
func (e *LocalEngine) Load(ctx context.Context, cfg Config) error {
	e.model = cfg.ModelPath
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := e.client.CreateChatCompletion(probeCtx, openai.ChatCompletionRequest{
		Model:     e.model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("probe local model server: %w", err)
	}
	return nil
}

func (e *LocalEngine) Unload(ctx context.Context) error {
	return nil
}

// Generate streams completion tokens off the llama.cpp server's SSE
// stream into out, ending with a final Done or Err fragment. It does not
// close out; the Adapter closes it once Generate returns.
func (e *LocalEngine) Generate(ctx context.Context, prompt string, limits Limits, out chan<- Fragment) {
	callCtx := ctx
	var cancel context.CancelFunc
	if limits.PerCallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, limits.PerCallTimeout)
		defer cancel()
	}

	stream, err := e.client.CreateChatCompletionStream(callCtx, openai.ChatCompletionRequest{
		Model:       e.model,
		Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		MaxTokens:   limits.MaxOutputTokens,
		Temperature: float32(limits.Temperature),
		TopP:        float32(limits.TopP),
		Stream:      true,
	})
	if err != nil {
		out <- Fragment{Err: fmt.Errorf("start completion stream: %w", err)}
		return
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				out <- Fragment{Done: true}
				return
			}
			out <- Fragment{Err: fmt.Errorf("completion stream: %w", err)}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- Fragment{Token: choice.Delta.Content}
		}
		if choice.FinishReason != "" {
			out <- Fragment{Done: true}
			return
		}
	}
}
