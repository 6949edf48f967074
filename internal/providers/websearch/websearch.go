// Package websearch exposes the real-time search and page-reading
// capabilities backed by a SearxNG instance.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/httpkit"
)

const (
	defaultResultCount = 5
	// scrapeLimit bounds how much page text is returned to the model.
	scrapeLimit = 2000
)

// Provider implements search_web and scrape_website.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates the provider. baseURL is the root URL of the SearxNG
// instance; empty means unconfigured and the capabilities degrade to
// readable error results.
func New(baseURL string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:     logger.With("provider", "websearch"),
	}
}

// Capabilities returns the capabilities this provider registers.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name: "search_web",
			Description: "Tìm kiếm thông tin trên internet theo thời gian thực: tin tức, sự kiện mới nhất, " +
				"giá vàng, chứng khoán, tỉ giá, hoặc bất kỳ thông tin nào cần cập nhật. " +
				"KHÔNG dùng cho thời tiết (dùng get_weather).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Câu tìm kiếm ngắn gọn, sát nghĩa. VD: \"giá vàng SJC hôm nay\"",
					},
				},
				"required": []string{"query"},
			},
			Handler: p.handleSearch,
		},
		{
			Name: "scrape_website",
			Description: "Đọc nội dung chi tiết của một trang web. Dùng khi cần đọc một link cụ thể " +
				"mà người dùng cung cấp hoặc từ kết quả search_web.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Địa chỉ URL đầy đủ của trang web. VD: \"https://example.com/article\"",
					},
				},
				"required": []string{"url"},
			},
			Handler: p.handleScrape,
		},
	}
}

type searxngResponse struct {
	Results []searxngResult `json:"results"`
}

type searxngResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

func (p *Provider) handleSearch(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if p.baseURL == "" {
		return "Lỗi: Chưa cấu hình máy chủ tìm kiếm trong hệ thống.", nil
	}

	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	reqURL := fmt.Sprintf("%s/search?%s", p.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("search HTTP %d: %s", resp.StatusCode, body)
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}

	if len(sr.Results) == 0 {
		return "Không tìm thấy kết quả trên internet.", nil
	}

	var b strings.Builder
	for i, r := range sr.Results {
		if i >= defaultResultCount {
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n  Link: %s\n\n", r.Title, r.Content, r.URL)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (p *Provider) handleScrape(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid url: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 1024)
		return "", fmt.Errorf("page HTTP %d", resp.StatusCode)
	}

	text, err := extractText(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	if text == "" {
		return "Không đọc được nội dung trang web này.", nil
	}
	if r := []rune(text); len(r) > scrapeLimit {
		text = string(r[:scrapeLimit]) + "…"
	}
	return text, nil
}
