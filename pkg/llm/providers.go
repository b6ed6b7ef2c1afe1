package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
	"google.golang.org/genai"
)

// Provider names used for routing.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

func isGeminiModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "gemini")
}

// OpenAICompatible serves any endpoint speaking the OpenAI chat-completions
// protocol. With an empty baseURL it targets api.openai.com; with the
// OpenRouter base URL it fronts OpenRouter's whole model catalog.
type OpenAICompatible struct {
	name    string
	baseURL string
	headers map[string]string
}

// NewOpenAI creates the native OpenAI provider.
func NewOpenAI() *OpenAICompatible {
	return &OpenAICompatible{name: ProviderOpenAI}
}

// NewOpenRouter creates the OpenRouter provider. The X-Title header is
// what OpenRouter uses for app attribution; it is optional.
func NewOpenRouter(appName string) *OpenAICompatible {
	return &OpenAICompatible{
		name:    ProviderOpenRouter,
		baseURL: openRouterBaseURL,
		headers: map[string]string{"X-Title": appName},
	}
}

// Name implements Provider.
func (p *OpenAICompatible) Name() string { return p.name }

// Complete implements Provider.
func (p *OpenAICompatible) Complete(ctx context.Context, apiKey, model string, req Request) (*Response, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	for k, v := range p.headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if req.Temperature >= 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: no choices returned", p.name)
	}
	return &Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Gemini serves Google's Gemini API natively. One genai client is created
// per API key and cached — the SDK client is heavyweight.
type Gemini struct {
	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini creates the Gemini provider.
func NewGemini() *Gemini {
	return &Gemini{clients: make(map[string]*genai.Client)}
}

// Name implements Provider.
func (g *Gemini) Name() string { return ProviderGemini }

func (g *Gemini) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.clients[apiKey] = c
	return c, nil
}

// Complete implements Provider.
func (g *Gemini) Complete(ctx context.Context, apiKey, model string, req Request) (*Response, error) {
	client, err := g.clientFor(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature >= 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	// OpenRouter-style names ("google/gemini-...") reduce to the bare
	// model id on the native API.
	modelID := model
	if i := strings.LastIndexByte(modelID, '/'); i >= 0 {
		modelID = modelID[i+1:]
	}

	resp, err := client.Models.GenerateContent(ctx, modelID, genai.Text(req.User), cfg)
	if err != nil {
		return nil, err
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini: empty response")
	}

	out := &Response{Text: text}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}
