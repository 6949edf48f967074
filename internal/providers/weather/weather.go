// Package weather exposes the current-conditions capability backed by
// the OpenWeather assistant API, which answers natural-language weather
// prompts directly.
package weather

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aiclab/persona-agent/internal/cache"
	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/httpkit"
)

const assistantURL = "https://api.openweathermap.org/assistant/session"

// Responses are cached per location to stay inside the API rate limit.
const (
	cacheSize = 100
	cacheTTL  = 30 * time.Minute
)

// Provider answers weather questions.
type Provider struct {
	apiKey     string
	httpClient *http.Client
	cache      *cache.TTL[string]
	logger     *slog.Logger
}

// New creates the provider. An empty apiKey is allowed; the capability
// then reports a configuration error as its result.
func New(apiKey string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		cache:      cache.New[string](cacheSize, cacheTTL),
		logger:     logger.With("provider", "weather"),
	}
}

// Capabilities returns the capabilities this provider registers.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name: "get_weather",
			Description: "Tra cứu thời tiết hiện tại cho một địa điểm (thành phố, tỉnh, quốc gia). " +
				"BẮT BUỘC dùng tool này khi người dùng hỏi về thời tiết, KHÔNG dùng search_web. " +
				"Truyền vào tên địa phương, VD: \"Càng Long, Trà Vinh\", \"Hà Nội\".",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "Địa điểm cần tra cứu thời tiết.",
					},
				},
				"required": []string{"location"},
			},
			Handler: p.handleGetWeather,
		},
	}
}

type assistantRequest struct {
	Prompt string `json:"prompt"`
}

type assistantResponse struct {
	Answer string `json:"answer"`
}

func (p *Provider) handleGetWeather(ctx context.Context, args map[string]any) (string, error) {
	location, _ := args["location"].(string)
	if location == "" {
		return "", fmt.Errorf("location is required")
	}
	if p.apiKey == "" {
		return "Lỗi: Chưa cấu hình API key thời tiết trong hệ thống.", nil
	}

	if answer, ok := p.cache.Get(location); ok {
		p.logger.Debug("weather cache hit", "location", location)
		return answer, nil
	}

	body, err := json.Marshal(assistantRequest{
		Prompt: fmt.Sprintf("Thời tiết hiện tại ở %s thế nào?", location),
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, assistantURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("weather API HTTP %d: %s", resp.StatusCode, errBody)
	}

	var ar assistantResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("decode weather response: %w", err)
	}
	if ar.Answer == "" {
		return "Không lấy được thông tin thời tiết lúc này.", nil
	}

	p.cache.Set(location, ar.Answer)
	return ar.Answer, nil
}
