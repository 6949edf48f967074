// Package academic exposes student-portal capabilities: semester
// list, weekly timetable, and transcript.
package academic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aiclab/persona-agent/internal/cache"
	"github.com/aiclab/persona-agent/internal/capability"
	"github.com/aiclab/persona-agent/internal/config"
)

const notConfiguredMsg = "Lỗi: Chưa cấu hình tài khoản cổng sinh viên (school.username / school.password). Vui lòng báo chủ nhân kiểm tra cấu hình."

// Portal data changes at most once a day in practice, so responses
// are cached aggressively.
type Provider struct {
	client *Client
	cache  *cache.TTL[string]
	logger *slog.Logger
}

// New creates the provider from the school configuration. A provider
// with missing credentials still registers its capabilities but
// degrades to a configuration message.
func New(cfg config.SchoolConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		logger: logger.With("provider", "academic"),
		cache:  cache.New[string](32, time.Duration(cfg.CacheTTLHrs)*time.Hour),
	}
	if cfg.Username != "" && cfg.Password != "" {
		p.client = NewClient(cfg.BaseURL, cfg.Username, cfg.Password,
			time.Duration(cfg.TimeoutSec)*time.Second)
	}
	return p
}

// Capabilities returns the capabilities this provider registers.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name: "get_semesters",
			Description: "Lấy danh sách tất cả các học kỳ của sinh viên. " +
				"Dùng khi cần biết danh sách học kỳ, học kỳ hiện tại, hoặc mã học kỳ để tra cứu.",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:    p.handleSemesters,
		},
		{
			Name: "get_timetable",
			Description: "Lấy thời khóa biểu (TKB) / lịch học theo tuần. " +
				"Dùng khi chủ nhân hỏi về lịch học, thời gian học, phòng học, hoặc giảng viên.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"semester_id": map[string]any{"type": "integer", "description": "Mã học kỳ (vd: 20252). Bỏ trống = học kỳ hiện tại."},
				},
			},
			Handler: p.handleTimetable,
		},
		{
			Name: "get_grades",
			Description: "Lấy bảng điểm tất cả các học kỳ. " +
				"Dùng khi chủ nhân hỏi về điểm số, GPA, kết quả học tập, hoặc xếp loại.",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:    p.handleGrades,
		},
	}
}

func (p *Provider) handleSemesters(ctx context.Context, _ map[string]any) (string, error) {
	if p.client == nil {
		return notConfiguredMsg, nil
	}
	if cached, ok := p.cache.Get("semesters"); ok {
		return cached, nil
	}

	data, err := p.client.Semesters(ctx)
	if err != nil {
		p.logger.Warn("semesters fetch failed", "error", err)
		return "", fmt.Errorf("lấy danh sách học kỳ thất bại: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Học kỳ hiện tại: %d\n", data.CurrentSemester)
	fmt.Fprintf(&b, "Tổng số học kỳ: %d\n\n", len(data.Semesters))
	for i, s := range data.Semesters {
		if i >= 6 {
			break
		}
		fmt.Fprintf(&b, "- %s (mã: %d)\n", s.Name, s.ID)
	}

	out := b.String()
	p.cache.Set("semesters", out)
	return out, nil
}

func (p *Provider) handleTimetable(ctx context.Context, args map[string]any) (string, error) {
	if p.client == nil {
		return notConfiguredMsg, nil
	}
	semesterID := 0
	if v, ok := args["semester_id"].(float64); ok {
		semesterID = int(v)
	}
	key := fmt.Sprintf("timetable:%d", semesterID)
	if cached, ok := p.cache.Get(key); ok {
		return cached, nil
	}

	data, err := p.client.Timetable(ctx, semesterID)
	if err != nil {
		p.logger.Warn("timetable fetch failed", "error", err, "semester", semesterID)
		return "", fmt.Errorf("lấy thời khóa biểu thất bại: %w", err)
	}

	if len(data.Weeks) == 0 {
		out := "Không có thời khóa biểu cho học kỳ này (có thể học kỳ chưa bắt đầu)."
		p.cache.Set(key, out)
		return out, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tổng số tuần: %d\n\n", len(data.Weeks))
	for i, w := range data.Weeks {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "Tuần %d (%s - %s):\n", w.Week, w.Start, w.End)
		for _, e := range w.Entries {
			fmt.Fprintf(&b, "  Thứ %d | Tiết %d-%d | %s | Phòng %s | GV: %s\n",
				e.Day, e.StartPeriod, e.StartPeriod+e.PeriodCount-1,
				e.Subject, e.Room, e.Lecturer)
		}
		b.WriteString("\n")
	}

	out := b.String()
	p.cache.Set(key, out)
	return out, nil
}

func (p *Provider) handleGrades(ctx context.Context, _ map[string]any) (string, error) {
	if p.client == nil {
		return notConfiguredMsg, nil
	}
	if cached, ok := p.cache.Get("grades"); ok {
		return cached, nil
	}

	data, err := p.client.Grades(ctx)
	if err != nil {
		p.logger.Warn("grades fetch failed", "error", err)
		return "", fmt.Errorf("lấy bảng điểm thất bại: %w", err)
	}

	if len(data.Semesters) == 0 {
		return "Không có dữ liệu điểm.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tổng số học kỳ có điểm: %d\n\n", len(data.Semesters))
	for i, sem := range data.Semesters {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "--- %s ---\n", sem.Name)
		fmt.Fprintf(&b, "GPA HK: %s (hệ 10) / %s (hệ 4)\n", sem.GPA10, sem.GPA4)
		fmt.Fprintf(&b, "GPA tích lũy: %s (hệ 10) / %s (hệ 4)\n", sem.CumGPA10, sem.CumGPA4)
		fmt.Fprintf(&b, "Tín chỉ đạt HK: %s\n", sem.CreditsPassed)
		fmt.Fprintf(&b, "Xếp loại: %s\n", sem.Rank)
		for _, c := range sem.Courses {
			fmt.Fprintf(&b, "  %s (%s TC): %s - %s\n", c.Name, c.Credits, c.Score, c.Letter)
		}
		b.WriteString("\n")
	}

	out := b.String()
	p.cache.Set("grades", out)
	return out, nil
}
