package academic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aiclab/persona-agent/internal/config"
)

// fakePortal simulates the student portal: the sign-in redirect dance
// plus Bearer-authenticated data endpoints.
type fakePortal struct {
	token      string
	signIns    atomic.Int64
	dataCalls  atomic.Int64
	rejectOnce atomic.Bool // make the first data call 401 to force re-login

	semesters any
	timetable any
	grades    any
}

func (f *fakePortal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/pn-signin", func(w http.ResponseWriter, r *http.Request) {
		f.signIns.Add(1)
		code := r.URL.Query().Get("code")
		raw, err := base64.StdEncoding.DecodeString(code)
		if err != nil {
			t.Errorf("sign-in code not base64: %v", err)
		}
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(raw, &creds); err != nil || creds.Username == "" {
			t.Errorf("bad sign-in payload: %s", raw)
		}

		currUser, _ := json.Marshal(map[string]any{"access_token": f.token, "userName": creds.Username})
		// The portal strips base64 padding from CurrUser.
		encoded := strings.TrimRight(base64.StdEncoding.EncodeToString(currUser), "=")
		w.Header().Set("Location", "http://portal/#/?CurrUser="+encoded+"&gopage=")
		w.WriteHeader(http.StatusFound)
	})

	data := func(payload any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.dataCalls.Add(1)
			if f.rejectOnce.CompareAndSwap(true, false) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer "+f.token {
				t.Errorf("Authorization = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"data": payload})
		}
	}
	mux.HandleFunc("POST /public/api/sch/w-locdshockytkbuser", data(f.semesters))
	mux.HandleFunc("POST /public/api/sch/w-locdstkbtuanusertheohocky", data(f.timetable))
	mux.HandleFunc("POST /public/api/srm/w-locdsdiemsinhvien", data(f.grades))
	return mux
}

func newTestProvider(t *testing.T, portal *fakePortal) *Provider {
	t.Helper()
	srv := httptest.NewServer(portal.handler(t))
	t.Cleanup(srv.Close)

	return New(config.SchoolConfig{
		BaseURL:     srv.URL + "/public/api",
		Username:    "110122221",
		Password:    "secret",
		TimeoutSec:  5,
		CacheTTLHrs: 24,
	}, nil)
}

func TestSemesters(t *testing.T) {
	portal := &fakePortal{
		token: "jwe-token",
		semesters: map[string]any{
			"hoc_ky_theo_ngay_hien_tai": 20252,
			"ds_hoc_ky": []map[string]any{
				{"hoc_ky": 20252, "ten_hoc_ky": "Học kỳ 2 - Năm học 2025-2026"},
				{"hoc_ky": 20251, "ten_hoc_ky": "Học kỳ 1 - Năm học 2025-2026"},
			},
		},
	}
	p := newTestProvider(t, portal)

	out, err := p.handleSemesters(context.Background(), nil)
	if err != nil {
		t.Fatalf("handleSemesters: %v", err)
	}
	if !strings.Contains(out, "Học kỳ hiện tại: 20252") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Học kỳ 2 - Năm học 2025-2026 (mã: 20252)") {
		t.Errorf("output = %q", out)
	}
}

func TestSemestersCached(t *testing.T) {
	portal := &fakePortal{token: "tok", semesters: map[string]any{"ds_hoc_ky": []any{}}}
	p := newTestProvider(t, portal)

	for range 3 {
		if _, err := p.handleSemesters(context.Background(), nil); err != nil {
			t.Fatalf("handleSemesters: %v", err)
		}
	}
	if got := portal.dataCalls.Load(); got != 1 {
		t.Errorf("data calls = %d, want 1 (cached)", got)
	}
}

func TestTimetable(t *testing.T) {
	portal := &fakePortal{
		token: "tok",
		timetable: map[string]any{
			"ds_tuan_tkb": []map[string]any{
				{
					"tuan_hoc_ky":   12,
					"ngay_bat_dau":  "02/03/2026",
					"ngay_ket_thuc": "08/03/2026",
					"ds_thoi_khoa_bieu": []map[string]any{
						{
							"thu_kieu_so": 2, "tiet_bat_dau": 1, "so_tiet": 3,
							"ten_mon": "Giải tích 2", "ma_phong": "B21",
							"ten_giang_vien": "Nguyễn Văn A",
						},
					},
				},
			},
		},
	}
	p := newTestProvider(t, portal)

	out, err := p.handleTimetable(context.Background(), map[string]any{"semester_id": float64(20252)})
	if err != nil {
		t.Fatalf("handleTimetable: %v", err)
	}
	if !strings.Contains(out, "Tuần 12 (02/03/2026 - 08/03/2026)") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Thứ 2 | Tiết 1-3 | Giải tích 2 | Phòng B21 | GV: Nguyễn Văn A") {
		t.Errorf("output = %q", out)
	}
}

func TestTimetableEmpty(t *testing.T) {
	portal := &fakePortal{token: "tok", timetable: map[string]any{}}
	p := newTestProvider(t, portal)

	out, err := p.handleTimetable(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("handleTimetable: %v", err)
	}
	if !strings.Contains(out, "Không có thời khóa biểu") {
		t.Errorf("output = %q", out)
	}
}

func TestGrades(t *testing.T) {
	portal := &fakePortal{
		token: "tok",
		grades: map[string]any{
			"ds_diem_hocky": []map[string]any{
				{
					"ten_hoc_ky": "Học kỳ 1 - Năm học 2025-2026",
					"dtb_hk_he10": "8.2", "dtb_hk_he4": "3.4",
					"dtb_tich_luy_he_10": "7.9", "dtb_tich_luy_he_4": "3.2",
					"so_tin_chi_dat_hk": "18", "xep_loai_tkb_hk": "Giỏi",
					"ds_diem_mon_hoc": []map[string]any{
						{"ten_mon": "Cấu trúc dữ liệu", "so_tin_chi": "3", "diem_tk": "8.5", "diem_tk_chu": "A"},
					},
				},
			},
		},
	}
	p := newTestProvider(t, portal)

	out, err := p.handleGrades(context.Background(), nil)
	if err != nil {
		t.Fatalf("handleGrades: %v", err)
	}
	if !strings.Contains(out, "GPA HK: 8.2 (hệ 10) / 3.4 (hệ 4)") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Cấu trúc dữ liệu (3 TC): 8.5 - A") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "Xếp loại: Giỏi") {
		t.Errorf("output = %q", out)
	}
}

func TestReloginOnUnauthorized(t *testing.T) {
	portal := &fakePortal{token: "tok", semesters: map[string]any{"ds_hoc_ky": []any{}}}
	portal.rejectOnce.Store(true)
	p := newTestProvider(t, portal)

	if _, err := p.handleSemesters(context.Background(), nil); err != nil {
		t.Fatalf("handleSemesters after 401: %v", err)
	}
	if got := portal.signIns.Load(); got != 2 {
		t.Errorf("sign-ins = %d, want 2 (initial + re-login)", got)
	}
}

func TestUnconfigured(t *testing.T) {
	p := New(config.SchoolConfig{BaseURL: "https://example.com/public/api"}, nil)
	out, err := p.handleGrades(context.Background(), nil)
	if err != nil {
		t.Fatalf("unconfigured provider must degrade, not fail: %v", err)
	}
	if !strings.Contains(out, "Chưa cấu hình") {
		t.Errorf("output = %q", out)
	}
}

func TestTokenFromRedirect(t *testing.T) {
	blob, _ := json.Marshal(map[string]string{"access_token": "the-token"})
	encoded := strings.TrimRight(base64.StdEncoding.EncodeToString(blob), "=")

	tok, err := tokenFromRedirect("http://portal/#/?CurrUser=" + encoded + "&gopage=")
	if err != nil {
		t.Fatalf("tokenFromRedirect: %v", err)
	}
	if tok != "the-token" {
		t.Errorf("token = %q", tok)
	}

	if _, err := tokenFromRedirect("http://portal/#/?gopage="); err == nil {
		t.Error("want error when CurrUser is missing")
	}
}
