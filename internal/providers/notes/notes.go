// Package notes exposes quick-note capabilities: saving, searching,
// listing, updating, and deleting per-user notes.
package notes

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

// Note is one stored quick note.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Tags      []string  `json:"tags,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider owns the notes table and its capabilities.
type Provider struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates the provider and ensures its table exists.
func New(db *sql.DB, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{db: db, logger: logger.With("provider", "notes")}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		note_type TEXT NOT NULL DEFAULT 'note',
		tags TEXT NOT NULL DEFAULT '[]',
		url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id, created_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate notes: %w", err)
	}
	return p, nil
}

// Capabilities returns the capabilities this provider registers. All of
// them operate on the caller's own notes.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name: "save_quick_note",
			Description: "Lưu ghi chú nhanh cho chủ nhân: ý tưởng, bookmark link, thông tin quan trọng. " +
				"Tự trích xuất 2-3 từ khóa quan trọng nhất làm tags nếu người dùng không chỉ định.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string", "description": "Nội dung ghi chú"},
					"tags": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Danh sách tags phân loại",
					},
					"note_type": map[string]any{
						"type":        "string",
						"description": "Loại ghi chú: \"note\" (mặc định), \"idea\", \"link\", \"snippet\"",
					},
					"url": map[string]any{"type": "string", "description": "URL nếu chủ nhân muốn bookmark link"},
				},
				"required": []string{"content"},
			},
			NeedsIdentity: true,
			Handler:       p.handleSave,
		},
		{
			Name: "search_notes",
			Description: "Tìm kiếm trong ghi chú đã lưu của chủ nhân. " +
				"Dùng khi chủ nhân hỏi về thông tin đã note/lưu lại trước đây.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Từ khóa tìm kiếm"},
				},
				"required": []string{"query"},
			},
			NeedsIdentity: true,
			Handler:       p.handleSearch,
		},
		{
			Name:        "list_notes",
			Description: "Xem các ghi chú gần đây của chủ nhân, mới nhất trước.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "description": "Số ghi chú tối đa (mặc định 10)"},
					"note_type": map[string]any{
						"type":        "string",
						"description": "Lọc theo loại: \"note\", \"idea\", \"link\", \"snippet\". Bỏ trống = tất cả.",
					},
				},
			},
			NeedsIdentity: true,
			Handler:       p.handleList,
		},
		{
			Name: "update_note",
			Description: "Cập nhật nội dung hoặc tags của một ghi chú. " +
				"Dùng search_notes hoặc list_notes trước để lấy note_id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"note_id": map[string]any{"type": "string", "description": "ID ghi chú cần sửa"},
					"content": map[string]any{"type": "string", "description": "Nội dung mới (bỏ trống = giữ nguyên)"},
					"tags": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Tags mới (bỏ trống = giữ nguyên)",
					},
				},
				"required": []string{"note_id"},
			},
			NeedsIdentity: true,
			Handler:       p.handleUpdate,
		},
		{
			Name:        "delete_note",
			Description: "Xóa một ghi chú. Chỉ xóa khi chủ nhân yêu cầu rõ ràng.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"note_id": map[string]any{"type": "string", "description": "ID ghi chú cần xóa"},
				},
				"required": []string{"note_id"},
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

func (p *Provider) handleSave(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	content, _ := args["content"].(string)
	if content == "" {
		return "", fmt.Errorf("content is required")
	}
	noteType, _ := args["note_type"].(string)
	if noteType == "" {
		noteType = "note"
	}
	noteURL, _ := args["url"].(string)
	tags := stringSlice(args["tags"])

	now := time.Now()
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	tagsJSON, _ := json.Marshal(tags)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notes (id, user_id, content, note_type, tags, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), userID, content, noteType, string(tagsJSON), noteURL, now, now)
	if err != nil {
		return "", fmt.Errorf("insert note: %w", err)
	}

	preview := content
	if r := []rune(preview); len(r) > 50 {
		preview = string(r[:50]) + "..."
	}
	return marshalResult(map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Đã lưu ghi chú: '%s'", preview),
		"note_id": id.String(),
		"tags":    tags,
	})
}

func (p *Provider) handleSearch(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, content, note_type, tags, url, created_at
		FROM notes
		WHERE user_id = ? AND (content LIKE ? OR tags LIKE ?)
		ORDER BY created_at DESC
		LIMIT 5
	`, userID, "%"+query+"%", "%"+query+"%")
	if err != nil {
		return "", fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	notes, err := scanNotes(rows)
	if err != nil {
		return "", err
	}
	if len(notes) == 0 {
		return marshalResult(map[string]any{
			"status":  "success",
			"message": fmt.Sprintf("Không tìm thấy ghi chú nào liên quan đến '%s'.", query),
			"notes":   []Note{},
		})
	}
	return marshalResult(map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Tìm thấy %d ghi chú liên quan.", len(notes)),
		"notes":   notes,
	})
}

func (p *Provider) handleList(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	noteType, _ := args["note_type"].(string)

	query := `
		SELECT id, content, note_type, tags, url, created_at
		FROM notes WHERE user_id = ?`
	qargs := []any{userID}
	if noteType != "" {
		query += ` AND note_type = ?`
		qargs = append(qargs, noteType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	qargs = append(qargs, limit)

	rows, err := p.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return "", fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes, err := scanNotes(rows)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Có %d ghi chú.", len(notes)),
		"notes":   notes,
	})
}

func (p *Provider) handleUpdate(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	noteID, _ := args["note_id"].(string)
	if noteID == "" {
		return "", fmt.Errorf("note_id is required")
	}

	var sets []string
	var qargs []any
	if content, ok := args["content"].(string); ok && content != "" {
		sets = append(sets, "content = ?")
		qargs = append(qargs, content)
	}
	if tags, ok := args["tags"]; ok {
		tagsJSON, _ := json.Marshal(stringSlice(tags))
		sets = append(sets, "tags = ?")
		qargs = append(qargs, string(tagsJSON))
	}
	if len(sets) == 0 {
		return marshalResult(map[string]any{
			"status":  "error",
			"message": "Không có thông tin nào để cập nhật.",
		})
	}
	sets = append(sets, "updated_at = ?")
	qargs = append(qargs, time.Now(), noteID, userID)

	res, err := p.db.ExecContext(ctx,
		`UPDATE notes SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, qargs...)
	if err != nil {
		return "", fmt.Errorf("update note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return marshalResult(map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("Không tìm thấy ghi chú với ID '%s'.", noteID),
		})
	}
	return marshalResult(map[string]any{
		"status":  "success",
		"message": "Đã cập nhật ghi chú.",
	})
}

func (p *Provider) handleDelete(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	noteID, _ := args["note_id"].(string)
	if noteID == "" {
		return "", fmt.Errorf("note_id is required")
	}

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = ? AND user_id = ?`, noteID, userID)
	if err != nil {
		return "", fmt.Errorf("delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return marshalResult(map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("Không tìm thấy ghi chú với ID '%s'.", noteID),
		})
	}
	return marshalResult(map[string]any{
		"status":  "success",
		"message": "Đã xóa ghi chú.",
	})
}

func scanNotes(rows *sql.Rows) ([]Note, error) {
	var notes []Note
	for rows.Next() {
		var n Note
		var tagsJSON string
		if err := rows.Scan(&n.ID, &n.Content, &n.Type, &tagsJSON, &n.URL, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// stringSlice coerces a decoded JSON array into []string.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// marshalResult renders a capability result as compact JSON, keeping
// Vietnamese text unescaped the way clients expect.
func marshalResult(v map[string]any) (string, error) {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
