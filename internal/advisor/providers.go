package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crypto-market-deck/internal/service"
)

const defaultHTTPTimeout = 30 * time.Second

// openaiCompatible 覆盖所有暴露 OpenAI chat completions 协议的后端
// (Groq、OpenAI 本尊、本地 Ollama)
type openaiCompatible struct {
	name    string
	display string
	free    bool
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *openaiCompatible) Name() string        { return p.name }
func (p *openaiCompatible) DisplayName() string { return p.display }
func (p *openaiCompatible) IsFree() bool        { return p.free }

func (p *openaiCompatible) IsAvailable() bool {
	// Ollama 不需要 Key，配了地址就算可用
	if p.name == "ollama" {
		return p.baseURL != ""
	}
	return p.apiKey != ""
}

func (p *openaiCompatible) Analyze(ctx context.Context, prompt string) (Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model:    p.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("%s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("%s read response: %w", p.name, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, fmt.Errorf("%s decode response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return Completion{}, fmt.Errorf("%s: %s (status %d)", p.name, parsed.Error.Message, resp.StatusCode)
		}
		return Completion{}, fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s: empty choices", p.name)
	}

	return Completion{
		Text:       parsed.Choices[0].Message.Content,
		Model:      p.model,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

// claude 走 Anthropic messages 协议，头部格式和 OpenAI 系不同
type claude struct {
	apiKey string
	model  string
	client *http.Client
}

type claudeRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *claude) Name() string        { return "claude" }
func (p *claude) DisplayName() string { return "Claude" }
func (p *claude) IsFree() bool        { return false }
func (p *claude) IsAvailable() bool   { return p.apiKey != "" }

func (p *claude) Analyze(ctx context.Context, prompt string) (Completion, error) {
	body, err := json.Marshal(claudeRequest{
		Model:     p.model,
		MaxTokens: 1024,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("claude request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("claude read response: %w", err)
	}

	var parsed claudeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, fmt.Errorf("claude decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return Completion{}, fmt.Errorf("claude: %s (status %d)", parsed.Error.Message, resp.StatusCode)
		}
		return Completion{}, fmt.Errorf("claude: unexpected status %d", resp.StatusCode)
	}
	if len(parsed.Content) == 0 {
		return Completion{}, fmt.Errorf("claude: empty content")
	}

	return Completion{
		Text:       parsed.Content[0].Text,
		Model:      p.model,
		TokensUsed: parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
	}, nil
}

// huggingface 走 Inference API 的文本生成接口
type huggingface struct {
	apiKey string
	model  string
	client *http.Client
}

type hfRequest struct {
	Inputs string `json:"inputs"`
}

type hfChoice struct {
	GeneratedText string `json:"generated_text"`
}

func (p *huggingface) Name() string        { return "huggingface" }
func (p *huggingface) DisplayName() string { return "Hugging Face" }
func (p *huggingface) IsFree() bool        { return true }
func (p *huggingface) IsAvailable() bool   { return p.apiKey != "" }

func (p *huggingface) Analyze(ctx context.Context, prompt string) (Completion, error) {
	body, err := json.Marshal(hfRequest{Inputs: prompt})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api-inference.huggingface.co/models/"+p.model, bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("huggingface request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("huggingface read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("huggingface: unexpected status %d", resp.StatusCode)
	}

	var parsed []hfChoice
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, fmt.Errorf("huggingface decode response: %w", err)
	}
	if len(parsed) == 0 || parsed[0].GeneratedText == "" {
		return Completion{}, fmt.Errorf("huggingface: empty generation")
	}

	return Completion{Text: parsed[0].GeneratedText, Model: p.model}, nil
}

// Mock 后端：无外部依赖，演示和测试用
type Mock struct {
	Response Completion
	Err      error
	Calls    int
}

func (p *Mock) Name() string        { return "mock" }
func (p *Mock) DisplayName() string { return "Mock" }
func (p *Mock) IsFree() bool        { return true }
func (p *Mock) IsAvailable() bool   { return true }

func (p *Mock) Analyze(ctx context.Context, prompt string) (Completion, error) {
	p.Calls++
	if p.Err != nil {
		return Completion{}, p.Err
	}
	return p.Response, nil
}

// DefaultProviders 按配置和环境变量组装全部后端。
// Key 缺失的后端照常进入列表，只是 IsAvailable 为 false。
func DefaultProviders(cfg *service.AdvisorConfig) []Provider {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}

	ollamaURL := cfg.OllamaURL
	if ollamaURL != "" {
		ollamaURL = strings.TrimRight(ollamaURL, "/") + "/v1"
	}
	ollamaModel := cfg.Model
	if ollamaModel == "" {
		ollamaModel = "llama3.2"
	}

	return []Provider{
		&openaiCompatible{
			name:    "groq",
			display: "Groq",
			free:    true,
			baseURL: "https://api.groq.com/openai/v1",
			model:   "llama-3.3-70b-versatile",
			apiKey:  service.EnvOr("GROQ_API_KEY", ""),
			client:  client,
		},
		&openaiCompatible{
			name:    "ollama",
			display: "Ollama",
			free:    true,
			baseURL: ollamaURL,
			model:   ollamaModel,
			client:  client,
		},
		&huggingface{
			apiKey: service.EnvOr("HF_API_KEY", ""),
			model:  "mistralai/Mistral-7B-Instruct-v0.3",
			client: client,
		},
		&openaiCompatible{
			name:    "openai",
			display: "OpenAI",
			baseURL: "https://api.openai.com/v1",
			model:   "gpt-4o-mini",
			apiKey:  service.EnvOr("OPENAI_API_KEY", ""),
			client:  client,
		},
		&claude{
			apiKey: service.EnvOr("ANTHROPIC_API_KEY", ""),
			model:  "claude-3-5-haiku-20241022",
			client: client,
		},
	}
}
