// Package tasks exposes task and reminder capabilities: creating,
// listing, completing, updating, and deleting per-user tasks.
package tasks

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

// Task is one stored task or reminder.
type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	DueDate     string    `json:"due_date,omitempty"` // YYYY-MM-DD
	Priority    string    `json:"priority"`
	Status      string    `json:"status"` // pending or done
	CreatedAt   time.Time `json:"created_at"`
}

// Provider owns the tasks table and its capabilities.
type Provider struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates the provider and ensures its table exists.
func New(db *sql.DB, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{db: db, logger: logger.With("provider", "tasks")}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, status, due_date);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return p, nil
}

// Capabilities returns the capabilities this provider registers.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name:        "create_task",
			Description: "Tạo task mới hoặc nhắc nhở cho chủ nhân.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string", "description": "Tiêu đề task (bắt buộc)"},
					"due_date":    map[string]any{"type": "string", "description": "Hạn hoàn thành, format YYYY-MM-DD. Bỏ trống = không có deadline."},
					"priority":    map[string]any{"type": "string", "description": "Mức ưu tiên: \"low\", \"medium\", \"high\""},
					"description": map[string]any{"type": "string", "description": "Mô tả chi tiết (tùy chọn)"},
				},
				"required": []string{"title"},
			},
			NeedsIdentity: true,
			Handler:       p.handleCreate,
		},
		{
			Name:        "list_tasks",
			Description: "Xem danh sách tasks và nhắc nhở của chủ nhân: tiêu đề, hạn, ưu tiên, trạng thái.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string", "description": "Lọc theo trạng thái: \"pending\" (mặc định), \"done\", \"all\""},
				},
			},
			NeedsIdentity: true,
			Handler:       p.handleList,
		},
		{
			Name:        "complete_task",
			Description: "Đánh dấu một task là đã hoàn thành. Dùng list_tasks trước để lấy task_id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{"type": "string", "description": "ID của task"},
				},
				"required": []string{"task_id"},
			},
			NeedsIdentity: true,
			Handler:       p.handleComplete,
		},
		{
			Name:        "update_task",
			Description: "Cập nhật tiêu đề, hạn, hoặc mức ưu tiên của task. Dùng list_tasks trước để lấy task_id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id":     map[string]any{"type": "string", "description": "ID của task cần sửa"},
					"title":       map[string]any{"type": "string", "description": "Tiêu đề mới (bỏ trống = giữ nguyên)"},
					"due_date":    map[string]any{"type": "string", "description": "Hạn mới, YYYY-MM-DD (bỏ trống = giữ nguyên)"},
					"priority":    map[string]any{"type": "string", "description": "Ưu tiên mới (bỏ trống = giữ nguyên)"},
					"description": map[string]any{"type": "string", "description": "Mô tả mới (bỏ trống = giữ nguyên)"},
				},
				"required": []string{"task_id"},
			},
			NeedsIdentity: true,
			Handler:       p.handleUpdate,
		},
		{
			Name:        "delete_task",
			Description: "Xóa một task. Chỉ xóa khi chủ nhân yêu cầu rõ ràng.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{"type": "string", "description": "ID của task cần xóa"},
				},
				"required": []string{"task_id"},
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
	dueDate, _ := args["due_date"].(string)
	if dueDate != "" {
		if _, err := time.Parse("2006-01-02", dueDate); err != nil {
			return "", fmt.Errorf("due_date must be YYYY-MM-DD: %w", err)
		}
	}
	priority, _ := args["priority"].(string)
	switch priority {
	case "low", "medium", "high":
	case "":
		priority = "medium"
	default:
		return "", fmt.Errorf("priority must be low, medium, or high")
	}
	description, _ := args["description"].(string)

	now := time.Now()
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, due_date, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), userID, title, description, dueDate, priority, now, now)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	return jsonResult(map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Đã tạo task: '%s'", title),
		"task_id": id.String(),
	})
}

func (p *Provider) handleList(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	status, _ := args["status"].(string)
	if status == "" {
		status = "pending"
	}

	query := `
		SELECT id, title, description, due_date, priority, status, created_at
		FROM tasks WHERE user_id = ?`
	qargs := []any{userID}
	if status != "all" {
		query += ` AND status = ?`
		qargs = append(qargs, status)
	}
	// Tasks with a deadline first, nearest deadline on top.
	query += ` ORDER BY due_date = '', due_date ASC, created_at ASC`

	rows, err := p.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.DueDate, &t.Priority, &t.Status, &t.CreatedAt); err != nil {
			return "", fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(tasks) == 0 {
		return jsonResult(map[string]any{
			"status":  "success",
			"message": "Chưa có task nào.",
			"tasks":   []Task{},
		})
	}
	return jsonResult(map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Có %d task.", len(tasks)),
		"tasks":   tasks,
	})
}

func (p *Provider) handleComplete(ctx context.Context, args map[string]any) (string, error) {
	return p.mutateTask(ctx, args, `UPDATE tasks SET status = 'done', updated_at = ? WHERE id = ? AND user_id = ?`,
		"Đã đánh dấu hoàn thành task.")
}

func (p *Provider) handleDelete(ctx context.Context, args map[string]any) (string, error) {
	return p.mutateTask(ctx, args, `DELETE FROM tasks WHERE id = ? AND user_id = ?`,
		"Đã xóa task.")
}

// mutateTask runs a single-task statement, handling the shared
// identity, task_id, and not-found plumbing.
func (p *Provider) mutateTask(ctx context.Context, args map[string]any, stmt, okMessage string) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}

	var qargs []any
	if strings.Contains(stmt, "updated_at") {
		qargs = []any{time.Now(), taskID, userID}
	} else {
		qargs = []any{taskID, userID}
	}

	res, err := p.db.ExecContext(ctx, stmt, qargs...)
	if err != nil {
		return "", fmt.Errorf("mutate task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jsonResult(map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("Không tìm thấy task với ID '%s'.", taskID),
		})
	}
	return jsonResult(map[string]any{
		"status":  "success",
		"message": okMessage,
	})
}

func (p *Provider) handleUpdate(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}

	var sets []string
	var qargs []any
	for _, field := range []string{"title", "due_date", "priority", "description"} {
		if v, ok := args[field].(string); ok && v != "" {
			sets = append(sets, field+" = ?")
			qargs = append(qargs, v)
		}
	}
	if len(sets) == 0 {
		return jsonResult(map[string]any{
			"status":  "error",
			"message": "Không có thông tin nào để cập nhật.",
		})
	}
	sets = append(sets, "updated_at = ?")
	qargs = append(qargs, time.Now(), taskID, userID)

	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, qargs...)
	if err != nil {
		return "", fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jsonResult(map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("Không tìm thấy task với ID '%s'.", taskID),
		})
	}
	return jsonResult(map[string]any{
		"status":  "success",
		"message": "Đã cập nhật task.",
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
