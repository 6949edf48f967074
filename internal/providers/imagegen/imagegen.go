// Package imagegen exposes text-to-image generation through the
// Gemini generateContent REST API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/httpkit"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Provider renders images from text prompts and saves them under the
// data directory.
type Provider struct {
	baseURL string
	apiKey  string
	model   string
	outDir  string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the generation endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// New creates the provider. Images are written to dataDir/images.
func New(apiKey, model, dataDir string, logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		model:   model,
		outDir:  filepath.Join(dataDir, "images"),
		logger:  logger.With("provider", "imagegen"),
		// Image generation regularly takes tens of seconds.
		http: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(func() *http.Transport {
				t := httpkit.NewTransport()
				t.ResponseHeaderTimeout = 120 * time.Second
				return t
			}()),
		),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns the capabilities this provider registers.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name: "generate_image",
			Description: "Tạo hình ảnh từ mô tả văn bản. Dùng khi chủ nhân yêu cầu tạo, vẽ, hoặc minh họa hình ảnh. " +
				"VD: \"Vẽ cho mình hình con mèo\", \"Tạo poster lịch học\", \"Minh họa thời tiết hôm nay\".",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{"type": "string", "description": "Mô tả hình ảnh cần tạo, tiếng Anh hoặc tiếng Việt."},
				},
				"required": []string{"prompt"},
			},
			Handler: p.handleGenerate,
		},
	}
}

// Wire shapes of the generateContent request and response. Only the
// fields this provider touches are declared.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (p *Provider) handleGenerate(ctx context.Context, args map[string]any) (string, error) {
	if p.apiKey == "" {
		return "Lỗi: Chưa cấu hình API key cho tạo hình ảnh. Vui lòng báo chủ nhân kiểm tra cấu hình.", nil
	}
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}

	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tạo hình ảnh thất bại: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 2048)
		p.logger.Warn("image generation failed", "status", resp.StatusCode, "body", detail)
		return "", fmt.Errorf("tạo hình ảnh thất bại: status %d", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decode image response: %w", err)
	}
	if len(gen.Candidates) == 0 {
		return "Không tạo được hình ảnh. Thử mô tả chi tiết hơn.", nil
	}

	var texts []string
	var saved []string
	for _, pt := range gen.Candidates[0].Content.Parts {
		switch {
		case pt.Text != "":
			texts = append(texts, pt.Text)
		case pt.InlineData != nil:
			path, err := p.saveImage(pt.InlineData)
			if err != nil {
				return "", err
			}
			saved = append(saved, path)
		}
	}

	var b strings.Builder
	if len(texts) > 0 {
		b.WriteString(strings.Join(texts, " "))
		b.WriteString("\n")
	}
	if len(saved) == 0 {
		b.WriteString("Không tạo được hình ảnh. Thử mô tả chi tiết hơn.")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "Đã tạo %d hình ảnh:\n", len(saved))
	for _, path := range saved {
		fmt.Fprintf(&b, "  - %s\n", path)
	}
	p.logger.Info("images generated", "count", len(saved), "model", p.model)
	return b.String(), nil
}

func (p *Provider) saveImage(d *inlineData) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return "", fmt.Errorf("decode image data: %w", err)
	}
	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	ext := "jpg"
	if strings.Contains(d.MimeType, "png") {
		ext = "png"
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	path := filepath.Join(p.outDir, fmt.Sprintf("%s.%s", id.String(), ext))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}
