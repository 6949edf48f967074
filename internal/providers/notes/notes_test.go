package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aiclab/persona-agent/internal/capability"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func userCtx(userID string) context.Context {
	return capability.WithIdentity(context.Background(), userID)
}

func saveNote(t *testing.T, p *Provider, ctx context.Context, content string, extra map[string]any) string {
	t.Helper()
	args := map[string]any{"content": content}
	for k, v := range extra {
		args[k] = v
	}
	out, err := p.handleSave(ctx, args)
	if err != nil {
		t.Fatalf("handleSave: %v", err)
	}
	var res struct {
		NoteID string `json:"note_id"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return res.NoteID
}

func TestSaveAndSearch(t *testing.T) {
	p := newTestProvider(t)
	ctx := userCtx("user-1")

	saveNote(t, p, ctx, "Nhớ mua sách giải tích", map[string]any{
		"tags":      []any{"học tập", "mua sắm"},
		"note_type": "note",
	})

	out, err := p.handleSearch(ctx, map[string]any{"query": "giải tích"})
	if err != nil {
		t.Fatalf("handleSearch: %v", err)
	}
	if !strings.Contains(out, "Nhớ mua sách giải tích") {
		t.Errorf("search result = %q", out)
	}
	if !strings.Contains(out, "Tìm thấy 1 ghi chú") {
		t.Errorf("search message = %q", out)
	}
	// Vietnamese must not be \u-escaped in results.
	if strings.Contains(out, `\u`) {
		t.Errorf("result contains escaped unicode: %q", out)
	}
}

func TestSearchScopedToUser(t *testing.T) {
	p := newTestProvider(t)

	saveNote(t, p, userCtx("user-1"), "bí mật của user 1", nil)

	out, err := p.handleSearch(userCtx("user-2"), map[string]any{"query": "bí mật"})
	if err != nil {
		t.Fatalf("handleSearch: %v", err)
	}
	if strings.Contains(out, "bí mật của user 1") {
		t.Error("search leaked another user's note")
	}
}

func TestListFiltersAndLimits(t *testing.T) {
	p := newTestProvider(t)
	ctx := userCtx("user-1")

	for i := range 3 {
		saveNote(t, p, ctx, strings.Repeat("ý tưởng ", i+1), map[string]any{"note_type": "idea"})
	}
	saveNote(t, p, ctx, "một link hay", map[string]any{"note_type": "link", "url": "https://example.com"})

	out, err := p.handleList(ctx, map[string]any{"note_type": "idea", "limit": float64(2)})
	if err != nil {
		t.Fatalf("handleList: %v", err)
	}
	var res struct {
		Notes []Note `json:"notes"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(res.Notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(res.Notes))
	}
	for _, n := range res.Notes {
		if n.Type != "idea" {
			t.Errorf("note type = %q, want idea", n.Type)
		}
	}
}

func TestUpdateNote(t *testing.T) {
	p := newTestProvider(t)
	ctx := userCtx("user-1")
	id := saveNote(t, p, ctx, "bản nháp", nil)

	out, err := p.handleUpdate(ctx, map[string]any{"note_id": id, "content": "bản hoàn chỉnh"})
	if err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	if !strings.Contains(out, "success") {
		t.Errorf("update result = %q", out)
	}

	search, _ := p.handleSearch(ctx, map[string]any{"query": "hoàn chỉnh"})
	if !strings.Contains(search, "bản hoàn chỉnh") {
		t.Error("updated content not found")
	}

	// Another user cannot update it.
	out, err = p.handleUpdate(userCtx("user-2"), map[string]any{"note_id": id, "content": "chiếm đoạt"})
	if err != nil {
		t.Fatalf("handleUpdate other user: %v", err)
	}
	if !strings.Contains(out, "error") {
		t.Error("cross-user update should report not found")
	}
}

func TestUpdateNothingToDo(t *testing.T) {
	p := newTestProvider(t)
	ctx := userCtx("user-1")
	id := saveNote(t, p, ctx, "note", nil)

	out, err := p.handleUpdate(ctx, map[string]any{"note_id": id})
	if err != nil {
		t.Fatalf("handleUpdate: %v", err)
	}
	if !strings.Contains(out, "Không có thông tin nào để cập nhật") {
		t.Errorf("result = %q", out)
	}
}

func TestDeleteNote(t *testing.T) {
	p := newTestProvider(t)
	ctx := userCtx("user-1")
	id := saveNote(t, p, ctx, "tạm thời", nil)

	out, err := p.handleDelete(ctx, map[string]any{"note_id": id})
	if err != nil {
		t.Fatalf("handleDelete: %v", err)
	}
	if !strings.Contains(out, "Đã xóa") {
		t.Errorf("delete result = %q", out)
	}

	out, _ = p.handleDelete(ctx, map[string]any{"note_id": id})
	if !strings.Contains(out, "Không tìm thấy") {
		t.Errorf("double delete result = %q", out)
	}
}

func TestHandlersRequireIdentity(t *testing.T) {
	p := newTestProvider(t)
	if _, err := p.handleSave(context.Background(), map[string]any{"content": "x"}); err == nil {
		t.Error("save without identity must fail")
	}
	if _, err := p.handleSearch(context.Background(), map[string]any{"query": "x"}); err == nil {
		t.Error("search without identity must fail")
	}
}

func TestCapabilitiesAllIdentityScoped(t *testing.T) {
	p := newTestProvider(t)
	caps := p.Capabilities()
	if len(caps) != 5 {
		t.Fatalf("got %d capabilities, want 5", len(caps))
	}
	for _, c := range caps {
		if !c.NeedsIdentity {
			t.Errorf("capability %s must be identity-scoped", c.Name)
		}
	}
}
