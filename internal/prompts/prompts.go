// Package prompts builds the Vietnamese system, summary, and title
// prompts for the reasoning service. The system block is re-rendered on
// every decision step so the embedded clock never goes stale.
package prompts

import (
	"fmt"
	"strings"
	"time"
)

// weekdaysVI maps Go weekdays to their Vietnamese names.
var weekdaysVI = map[time.Weekday]string{
	time.Monday:    "Thứ Hai",
	time.Tuesday:   "Thứ Ba",
	time.Wednesday: "Thứ Tư",
	time.Thursday:  "Thứ Năm",
	time.Friday:    "Thứ Sáu",
	time.Saturday:  "Thứ Bảy",
	time.Sunday:    "Chủ Nhật",
}

// FormatClock renders now as "15:04 ngày 02/01/2006 (Thứ Hai)" in the
// given location.
func FormatClock(now time.Time, loc *time.Location) string {
	if loc != nil {
		now = now.In(loc)
	}
	return fmt.Sprintf("%s (%s)", now.Format("15:04 ngày 02/01/2006"), weekdaysVI[now.Weekday()])
}

const systemTemplate = `Bạn là **Aic**, trợ lý AI cá nhân của %[1]s.

## Thời gian hiện tại: %[3]s

## Về bạn
- Bạn được tạo bởi chủ nhân để hỗ trợ các công việc học tập và cuộc sống hàng ngày.
- Bạn nói tiếng Việt tự nhiên, thân thiện, gọn gàng. Thỉnh thoảng dùng emoji phù hợp.
- Bạn hiểu rõ chủ nhân: %[2]s

## Quy tắc quan trọng
1. **Dữ liệu chính xác**: Khi hỏi về TKB, điểm, lịch thi → BẮT BUỘC gọi tool. KHÔNG BAO GIỜ tự đoán.
2. **Thời gian chính xác**: Luôn dùng thời gian hiện tại ở trên khi cần biết "hôm nay", "bây giờ". KHÔNG đoán ngày.
3. **Trung thực về độ mới của dữ liệu**: Khi dùng search_web, LUÔN so sánh ngày trong kết quả tìm kiếm với ngày hiện tại. Nếu dữ liệu KHÔNG PHẢI của hôm nay, phải nói rõ: "Dữ liệu ngày [ngày tìm được], chưa có cập nhật cho ngày [hôm nay]". KHÔNG BAO GIỜ nói "hôm nay" khi dữ liệu thực tế là của ngày khác.
4. **Câu hỏi chung**: Trả lời trực tiếp bằng kiến thức của bạn.
5. **Không biết**: Nói thẳng "Mình chưa có thông tin này" thay vì bịa.
6. **Ngắn gọn**: Trả lời đúng trọng tâm, không lan man. Format markdown khi cần.
7. **Chủ động**: Nếu thấy deadline gần, nhắc nhở nhẹ nhàng.

## Tools có sẵn
%[4]s`

// DefaultPreferences is used when no profile information exists.
const DefaultPreferences = "Chưa có thông tin"

// System renders the system block. userName falls back to "bạn",
// preferences to DefaultPreferences. capabilityLines are pre-formatted
// bullet lines describing the registered capabilities; they keep the
// prompt in sync with the registry instead of a hand-maintained list.
func System(userName, preferences string, now time.Time, loc *time.Location, capabilityLines []string) string {
	if userName == "" {
		userName = "bạn"
	}
	if preferences == "" {
		preferences = DefaultPreferences
	}
	tools := strings.Join(capabilityLines, "\n")
	if tools == "" {
		tools = "(không có)"
	}
	return fmt.Sprintf(systemTemplate, userName, preferences, FormatClock(now, loc), tools)
}

// CapabilityLine formats one registry entry for the system block.
func CapabilityLine(name, description string) string {
	return fmt.Sprintf("- `%s`: %s", name, description)
}

// Verbosity directives injected into the profile context based on the
// user's response_detail setting.
const (
	// VerbosityConcise is the setting value requesting short answers.
	VerbosityConcise = "Ngắn gọn (Tóm tắt)"
	// VerbosityDetailed is the default setting value.
	VerbosityDetailed = "Đầy đủ (Chi tiết)"

	conciseDirective  = "- AI agent response instruction: MUST answer concisely, briefly, and to the point. Give the user the essential information and stop."
	detailedDirective = "- AI agent response instruction: Answer with detail and thorough explanation, being helpful and articulate."
)

// VerbosityDirective maps the stored response_detail setting to the
// directive line. Unknown values fall back to the detailed directive.
func VerbosityDirective(setting string) string {
	if setting == VerbosityConcise {
		return conciseDirective
	}
	return detailedDirective
}

// Summary renders the rolling-summary compaction prompt over a
// transcript already formatted as "role: content" lines.
func Summary(transcript string) string {
	return fmt.Sprintf(`Tóm tắt đoạn hội thoại sau thành 2-3 câu ngắn gọn.
Giữ lại các thông tin quan trọng: yêu cầu của user, kết quả tool call, quyết định đã đưa ra.
Bỏ qua lời chào, câu hỏi xã giao.

Hội thoại:
%s

Tóm tắt:`, transcript)
}

// titleInputLimit bounds how much of the first message the title prompt
// includes.
const titleInputLimit = 200

// Title renders the session auto-title prompt from the first user
// message of a session.
func Title(firstMessage string) string {
	if r := []rune(firstMessage); len(r) > titleInputLimit {
		firstMessage = string(r[:titleInputLimit])
	}
	return fmt.Sprintf("Tạo tiêu đề ngắn gọn (tối đa 6 từ, tiếng Việt) cho cuộc hội thoại "+
		"bắt đầu bằng tin nhắn sau. CHỈ trả về tiêu đề, không giải thích.\n\n"+
		"Tin nhắn: %q", firstMessage)
}

// titleMaxLen caps stored titles.
const titleMaxLen = 80

// CleanTitle normalizes a model-produced title: strips surrounding
// quotes and whitespace and truncates to 80 runes.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > titleMaxLen {
		title = string(r[:titleMaxLen])
	}
	return title
}
