package academic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aiclab/persona-agent/internal/httpkit"
)

// Client talks to the student-portal REST API.
//
// Authentication is a sign-in redirect dance: the credentials are
// base64-encoded into a code parameter, the portal answers with a 302
// whose Location fragment carries a CurrUser blob, and the access
// token lives inside that blob. All data endpoints are POST with
// Bearer auth.
type Client struct {
	baseURL string // data API root, e.g. https://portal.example/public/api
	rootURL string // site root, for the sign-in endpoint

	username string
	password string

	http      *http.Client
	loginHTTP *http.Client // must NOT follow the 302

	mu    sync.Mutex
	token string
}

// NewClient builds a portal client. baseURL is the data API root; the
// sign-in endpoint is derived from it by stripping the API path.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	rootURL := strings.TrimSuffix(baseURL, "/public/api")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	noRedirect := httpkit.NewClient(httpkit.WithTimeout(timeout))
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{
		baseURL:   baseURL,
		rootURL:   rootURL,
		username:  username,
		password:  password,
		http:      httpkit.NewClient(httpkit.WithTimeout(timeout)),
		loginHTTP: noRedirect,
	}
}

// login authenticates and stores the access token. Callers hold no
// lock; login takes it.
func (c *Client) login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
		"uri":      c.rootURL + "/#/",
	})
	if err != nil {
		return err
	}
	code := base64.StdEncoding.EncodeToString(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.rootURL+"/api/pn-signin?code="+url.QueryEscape(code), nil)
	if err != nil {
		return err
	}

	resp, err := c.loginHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sign-in request: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusFound {
		return fmt.Errorf("sign-in failed: expected 302 redirect, got %d (check username and password)", resp.StatusCode)
	}

	token, err := tokenFromRedirect(resp.Header.Get("Location"))
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// tokenFromRedirect extracts the access token from a redirect URL of
// the form http://portal/#/?CurrUser=<base64_json>&gopage=
func tokenFromRedirect(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse redirect: %w", err)
	}
	fragment := u.Fragment

	idx := strings.Index(fragment, "CurrUser=")
	if idx < 0 {
		return "", fmt.Errorf("redirect carries no CurrUser")
	}
	encoded := fragment[idx+len("CurrUser="):]
	if amp := strings.IndexByte(encoded, '&'); amp >= 0 {
		encoded = encoded[:amp]
	}
	if decoded, err := url.QueryUnescape(encoded); err == nil {
		encoded = decoded
	}
	// The portal strips base64 padding.
	if pad := len(encoded) % 4; pad != 0 {
		encoded += strings.Repeat("=", 4-pad)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode CurrUser: %w", err)
	}
	var user struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &user); err != nil {
		return "", fmt.Errorf("parse CurrUser: %w", err)
	}
	if user.AccessToken == "" {
		return "", fmt.Errorf("CurrUser carries no access_token")
	}
	return user.AccessToken, nil
}

// post calls a data endpoint, signing in first when no token is held
// and retrying once on 401 (the token is a short-lived JWE).
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
	}

	status, err := c.doPost(ctx, path, token, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if err := c.login(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
		status, err = c.doPost(ctx, path, token, body, out)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return fmt.Errorf("portal returned status %d for %s", status, path)
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, path, token string, body, out any) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("portal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		return resp.StatusCode, nil
	}

	// Responses wrap the payload in a data envelope.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, fmt.Errorf("decode portal response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return 0, fmt.Errorf("decode portal data: %w", err)
	}
	return http.StatusOK, nil
}

// semestersData mirrors the portal's semester list payload.
type semestersData struct {
	CurrentSemester int `json:"hoc_ky_theo_ngay_hien_tai"`
	Semesters       []struct {
		ID   int    `json:"hoc_ky"`
		Name string `json:"ten_hoc_ky"`
	} `json:"ds_hoc_ky"`
}

func (c *Client) Semesters(ctx context.Context) (*semestersData, error) {
	var data semestersData
	if err := c.post(ctx, "/sch/w-locdshockytkbuser", map[string]any{}, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// timetableData mirrors the portal's weekly timetable payload.
type timetableData struct {
	Weeks []struct {
		Week    int    `json:"tuan_hoc_ky"`
		Start   string `json:"ngay_bat_dau"`
		End     string `json:"ngay_ket_thuc"`
		Entries []struct {
			Day         int    `json:"thu_kieu_so"`
			StartPeriod int    `json:"tiet_bat_dau"`
			PeriodCount int    `json:"so_tiet"`
			Subject     string `json:"ten_mon"`
			Room        string `json:"ma_phong"`
			Lecturer    string `json:"ten_giang_vien"`
		} `json:"ds_thoi_khoa_bieu"`
	} `json:"ds_tuan_tkb"`
}

func (c *Client) Timetable(ctx context.Context, semesterID int) (*timetableData, error) {
	body := map[string]any{}
	if semesterID != 0 {
		body["hoc_ky"] = semesterID
	}
	var data timetableData
	if err := c.post(ctx, "/sch/w-locdstkbtuanusertheohocky", body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// gradesData mirrors the portal's transcript payload.
type gradesData struct {
	Semesters []struct {
		Name          string `json:"ten_hoc_ky"`
		GPA10         string `json:"dtb_hk_he10"`
		GPA4          string `json:"dtb_hk_he4"`
		CumGPA10      string `json:"dtb_tich_luy_he_10"`
		CumGPA4       string `json:"dtb_tich_luy_he_4"`
		CreditsPassed string `json:"so_tin_chi_dat_hk"`
		Rank          string `json:"xep_loai_tkb_hk"`
		Courses       []struct {
			Name    string `json:"ten_mon"`
			Credits string `json:"so_tin_chi"`
			Score   string `json:"diem_tk"`
			Letter  string `json:"diem_tk_chu"`
		} `json:"ds_diem_mon_hoc"`
	} `json:"ds_diem_hocky"`
}

func (c *Client) Grades(ctx context.Context) (*gradesData, error) {
	var data gradesData
	if err := c.post(ctx, "/srm/w-locdsdiemsinhvien",
		map[string]any{"hien_thi_mon_theo_hkdk": false}, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
