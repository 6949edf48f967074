// Package calendar exposes event capabilities for everything outside
// the school timetable: club meetings, birthdays, appointments,
// personal deadlines.
package calendar

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aiclab/persona-agent/internal/capability"
)

const timeLayout = "2006-01-02T15:04"

// Event is one stored calendar event.
type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time,omitempty"`
	Type        string `json:"type"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

// Provider owns the events table and its capabilities.
type Provider struct {
	db     *sql.DB
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// New creates the provider and ensures its table exists. loc anchors
// the "today" default of get_events.
func New(db *sql.DB, loc *time.Location, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	p := &Provider{
		db:     db,
		logger: logger.With("provider", "calendar"),
		loc:    loc,
		now:    time.Now,
	}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL DEFAULT 'personal',
		location TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'agent',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_user_start ON events(user_id, start_time);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate events: %w", err)
	}
	return p, nil
}

// Capabilities returns the capabilities this provider registers.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name: "create_event",
			Description: "Tạo sự kiện/lịch hẹn mới cho chủ nhân. Dùng cho MỌI sự kiện NGOÀI thời khóa biểu trường: " +
				"lịch họp CLB, sinh nhật, hẹn café, deadline cá nhân. Với lịch lặp phức tạp, tạo nhiều event đơn lẻ.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string", "description": "Tên sự kiện"},
					"start_time":  map[string]any{"type": "string", "description": "Thời gian bắt đầu, ISO format: YYYY-MM-DDTHH:MM"},
					"end_time":    map[string]any{"type": "string", "description": "Thời gian kết thúc (tùy chọn), ISO format: YYYY-MM-DDTHH:MM"},
					"event_type":  map[string]any{"type": "string", "description": "Loại: \"personal\", \"club\", \"study_group\", \"birthday\", \"other\""},
					"location":    map[string]any{"type": "string", "description": "Địa điểm (tùy chọn)"},
					"description": map[string]any{"type": "string", "description": "Mô tả chi tiết (tùy chọn)"},
				},
				"required": []string{"title", "start_time"},
			},
			NeedsIdentity: true,
			Handler:       p.handleCreate,
		},
		{
			Name: "get_events",
			Description: "Xem sự kiện/lịch hẹn của chủ nhân. Dùng khi chủ nhân hỏi về lịch, sự kiện sắp tới, hoặc kế hoạch. " +
				"KHÔNG bao gồm thời khóa biểu trường (dùng get_timetable cho TKB).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date":       map[string]any{"type": "string", "description": "Ngày bắt đầu xem (YYYY-MM-DD). Mặc định = hôm nay."},
					"event_type": map[string]any{"type": "string", "description": "Lọc theo loại. Bỏ trống = tất cả."},
					"days_ahead": map[string]any{"type": "integer", "description": "Số ngày muốn xem phía trước. Mặc định = 7 ngày."},
				},
			},
			NeedsIdentity: true,
			Handler:       p.handleGet,
		},
		{
			Name: "update_event",
			Description: "Cập nhật sự kiện/lịch hẹn đã tồn tại: đổi giờ, địa điểm, hoặc tên. " +
				"Dùng get_events trước để lấy event_id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event_id":    map[string]any{"type": "string", "description": "ID của sự kiện cần cập nhật"},
					"title":       map[string]any{"type": "string", "description": "Tên mới (bỏ trống = giữ nguyên)"},
					"start_time":  map[string]any{"type": "string", "description": "Giờ bắt đầu mới, YYYY-MM-DDTHH:MM (bỏ trống = giữ nguyên)"},
					"end_time":    map[string]any{"type": "string", "description": "Giờ kết thúc mới (bỏ trống = giữ nguyên)"},
					"location":    map[string]any{"type": "string", "description": "Địa điểm mới (bỏ trống = giữ nguyên)"},
					"description": map[string]any{"type": "string", "description": "Mô tả mới (bỏ trống = giữ nguyên)"},
					"event_type":  map[string]any{"type": "string", "description": "Loại mới (bỏ trống = giữ nguyên)"},
				},
				"required": []string{"event_id"},
			},
			NeedsIdentity: true,
			Handler:       p.handleUpdate,
		},
		{
			Name: "delete_event",
			Description: "Xóa sự kiện/lịch hẹn. Chỉ xóa khi chủ nhân yêu cầu rõ ràng, hỏi xác nhận trước. " +
				"Dùng get_events trước để xác định đúng event_id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event_id": map[string]any{"type": "string", "description": "ID của sự kiện cần xóa"},
				},
				"required": []string{"event_id"},
			},
			NeedsIdentity: true,
			Handler:       p.handleDelete,
		},
	}
}

func identity(ctx context.Context) (string, error) {
	userID, ok := capability.IdentityFrom(ctx)
	if !ok {
		return "", errors.New("missing user identity")
	}
	return userID, nil
}

func (p *Provider) handleCreate(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	title, _ := args["title"].(string)
	if title == "" {
		return "", fmt.Errorf("title is required")
	}
	startTime, _ := args["start_time"].(string)
	if _, err := time.Parse(timeLayout, startTime); err != nil {
		return "", fmt.Errorf("start_time must be YYYY-MM-DDTHH:MM: %w", err)
	}
	endTime, _ := args["end_time"].(string)
	if endTime != "" {
		if _, err := time.Parse(timeLayout, endTime); err != nil {
			return "", fmt.Errorf("end_time must be YYYY-MM-DDTHH:MM: %w", err)
		}
	}
	eventType, _ := args["event_type"].(string)
	if eventType == "" {
		eventType = "personal"
	}
	location, _ := args["location"].(string)
	description, _ := args["description"].(string)

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	now := p.now()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, title, start_time, end_time, event_type, location, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), userID, title, startTime, endTime, eventType, location, description, now, now)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}

	return jsonResult(map[string]any{
		"status":   "success",
		"message":  fmt.Sprintf("Đã tạo sự kiện: '%s' vào %s", title, startTime),
		"event_id": id.String(),
	})
}

func (p *Provider) handleGet(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}

	date, _ := args["date"].(string)
	start := p.now().In(p.loc)
	if date != "" {
		start, err = time.ParseInLocation("2006-01-02", date, p.loc)
		if err != nil {
			return "", fmt.Errorf("date must be YYYY-MM-DD: %w", err)
		}
	} else {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, p.loc)
	}
	daysAhead := 7
	if v, ok := args["days_ahead"].(float64); ok && v > 0 {
		daysAhead = int(v)
	}
	end := start.AddDate(0, 0, daysAhead)

	query := `
		SELECT id, title, start_time, end_time, event_type, location, description
		FROM events
		WHERE user_id = ? AND start_time >= ? AND start_time < ?`
	qargs := []any{userID, start.Format(timeLayout), end.Format(timeLayout)}
	if et, _ := args["event_type"].(string); et != "" {
		query += ` AND event_type = ?`
		qargs = append(qargs, et)
	}
	query += ` ORDER BY start_time ASC`

	rows, err := p.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return "", fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Title, &e.StartTime, &e.EndTime, &e.Type, &e.Location, &e.Description); err != nil {
			return "", fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(events) == 0 {
		period := "trong tuần tới"
		if date != "" {
			period = "từ " + date
		}
		return jsonResult(map[string]any{
			"status":  "success",
			"message": fmt.Sprintf("Không có sự kiện nào %s.", period),
			"events":  []Event{},
		})
	}
	return jsonResult(map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Có %d sự kiện.", len(events)),
		"events":  events,
	})
}

func (p *Provider) handleUpdate(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	eventID, _ := args["event_id"].(string)
	if eventID == "" {
		return "", fmt.Errorf("event_id is required")
	}

	var sets []string
	var qargs []any
	var updated []string
	for _, field := range []string{"title", "start_time", "end_time", "location", "description", "event_type"} {
		v, ok := args[field].(string)
		if !ok || v == "" {
			continue
		}
		if field == "start_time" || field == "end_time" {
			if _, err := time.Parse(timeLayout, v); err != nil {
				return "", fmt.Errorf("%s must be YYYY-MM-DDTHH:MM: %w", field, err)
			}
		}
		sets = append(sets, field+" = ?")
		qargs = append(qargs, v)
		updated = append(updated, field)
	}
	if len(sets) == 0 {
		return jsonResult(map[string]any{
			"status":  "error",
			"message": "Không có thông tin nào để cập nhật.",
		})
	}
	sets = append(sets, "updated_at = ?")
	qargs = append(qargs, p.now(), eventID, userID)

	res, err := p.db.ExecContext(ctx,
		`UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, qargs...)
	if err != nil {
		return "", fmt.Errorf("update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jsonResult(map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("Không tìm thấy sự kiện với ID '%s'.", eventID),
		})
	}

	var title string
	if err := p.db.QueryRowContext(ctx, `SELECT title FROM events WHERE id = ?`, eventID).Scan(&title); err != nil {
		return "", fmt.Errorf("reload event: %w", err)
	}
	return jsonResult(map[string]any{
		"status":         "success",
		"message":        fmt.Sprintf("Đã cập nhật sự kiện '%s'.", title),
		"updated_fields": updated,
	})
}

func (p *Provider) handleDelete(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	eventID, _ := args["event_id"].(string)
	if eventID == "" {
		return "", fmt.Errorf("event_id is required")
	}

	var title string
	err = p.db.QueryRowContext(ctx,
		`SELECT title FROM events WHERE id = ? AND user_id = ?`, eventID, userID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return jsonResult(map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("Không tìm thấy sự kiện với ID '%s'.", eventID),
		})
	}
	if err != nil {
		return "", fmt.Errorf("load event: %w", err)
	}

	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM events WHERE id = ? AND user_id = ?`, eventID, userID); err != nil {
		return "", fmt.Errorf("delete event: %w", err)
	}
	return jsonResult(map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Đã xóa sự kiện '%s'.", title),
	})
}

func jsonResult(v map[string]any) (string, error) {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
