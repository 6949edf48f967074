// Package iot exposes smart-home capabilities: discovering the user's
// registered devices and switching them over MQTT.
package iot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aiclab/persona-agent/internal/capability"
)

// Device is one registered smart-home device.
type Device struct {
	Name       string            `json:"name"`
	DeviceID   string            `json:"device_id"`
	DeviceType string            `json:"device_type"`
	IsActive   bool              `json:"is_active"`
	DPSMapping map[string]string `json:"dps_mapping"`
}

// Provider owns the device registry and issues switch commands
// through a Commander.
type Provider struct {
	db          *sql.DB
	commander   Commander
	topicPrefix string
	logger      *slog.Logger
}

// New creates the provider and ensures its table exists. commander may
// be nil when no broker is configured; switching then degrades to a
// configuration message while discovery keeps working.
func New(db *sql.DB, commander Commander, topicPrefix string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		db:          db,
		commander:   commander,
		topicPrefix: topicPrefix,
		logger:      logger.With("provider", "iot"),
	}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS iot_devices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		device_id TEXT NOT NULL,
		device_type TEXT NOT NULL DEFAULT 'single',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		dps_mapping TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_iot_devices_user ON iot_devices(user_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate iot_devices: %w", err)
	}
	return p, nil
}

// Capabilities returns the capabilities this provider registers.
func (p *Provider) Capabilities() []*capability.Capability {
	return []*capability.Capability{
		{
			Name: "list_smart_home_devices",
			Description: "[BƯỚC 1] KHÁM PHÁ THIẾT BỊ: Lấy danh sách tất cả ổ cắm/thiết bị Smart Home của chủ nhân. " +
				"Dùng TRƯỚC TIÊN để tìm chính xác device_id và dps_index của thiết bị cần điều khiển.",
			Parameters:    map[string]any{"type": "object", "properties": map[string]any{}},
			NeedsIdentity: true,
			Handler:       p.handleList,
		},
		{
			Name: "toggle_smart_plug",
			Description: "[BƯỚC 2] THỰC THI: Bật/Tắt ổ cắm Smart Home. " +
				"BẮT BUỘC dùng list_smart_home_devices trước để lấy device_id chuẩn xác.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device_id": map[string]any{"type": "string", "description": "ID của thiết bị (lấy từ list_smart_home_devices)"},
					"action":    map[string]any{"type": "string", "description": "Hành động: \"on\" hoặc \"off\""},
					"dps_index": map[string]any{"type": "string", "description": "Số index của cổng cắm (VD: \"1\", \"2\"). Ổ đơn mặc định là \"1\"."},
				},
				"required": []string{"device_id", "action"},
			},
			NeedsIdentity: true,
			Handler:       p.handleToggle,
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

func (p *Provider) handleList(ctx context.Context, _ map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT name, device_id, device_type, is_active, dps_mapping
		FROM iot_devices WHERE user_id = ? ORDER BY name ASC
	`, userID)
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var mapping string
		if err := rows.Scan(&d.Name, &d.DeviceID, &d.DeviceType, &d.IsActive, &mapping); err != nil {
			return "", fmt.Errorf("scan device: %w", err)
		}
		if d.DeviceType == "multi" {
			if err := json.Unmarshal([]byte(mapping), &d.DPSMapping); err != nil || len(d.DPSMapping) == 0 {
				d.DPSMapping = map[string]string{"1": "Default Switch"}
			}
		} else {
			d.DPSMapping = map[string]string{"1": "Công tắc chính"}
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(devices) == 0 {
		return "Chủ nhân chưa cấu hình thiết bị nhà thông minh nào. Hãy gợi ý vào Cài đặt -> Nhà thông minh để thêm.", nil
	}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(devices); err != nil {
		return "", fmt.Errorf("marshal devices: %w", err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (p *Provider) handleToggle(ctx context.Context, args map[string]any) (string, error) {
	userID, err := identity(ctx)
	if err != nil {
		return "", err
	}
	deviceID, _ := args["device_id"].(string)
	if deviceID == "" {
		return "", fmt.Errorf("device_id is required")
	}
	action, _ := args["action"].(string)
	action = strings.ToLower(action)
	if action != "on" && action != "off" {
		return fmt.Sprintf("Lỗi: Action '%s' sai. Chỉ hỗ trợ 'on' hoặc 'off'.", action), nil
	}
	dpsIndex, _ := args["dps_index"].(string)
	if dpsIndex == "" {
		dpsIndex = "1"
	}

	var name string
	err = p.db.QueryRowContext(ctx, `
		SELECT name FROM iot_devices WHERE device_id = ? AND user_id = ?
	`, deviceID, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Sprintf("Không tìm thấy thiết bị với ID '%s'. Hãy chắc chắn lấy ID từ list_smart_home_devices.", deviceID), nil
	}
	if err != nil {
		return "", fmt.Errorf("load device: %w", err)
	}

	if p.commander == nil {
		return "Lỗi: Chưa cấu hình MQTT broker cho nhà thông minh. Vui lòng báo chủ nhân kiểm tra cấu hình.", nil
	}

	payload, err := json.Marshal(map[string]any{
		"dps":   dpsIndex,
		"value": action == "on",
	})
	if err != nil {
		return "", err
	}
	topic := fmt.Sprintf("%s/%s/set", p.topicPrefix, deviceID)
	if err := p.commander.Publish(ctx, topic, payload); err != nil {
		p.logger.Warn("device command failed", "device", deviceID, "action", action, "error", err)
		return fmt.Sprintf("Thiết bị '%s' mất phản hồi. Khả năng cao đã đổi Wifi hoặc bị rút phích cắm!", name), nil
	}

	p.logger.Info("device command sent", "device", deviceID, "action", action, "dps", dpsIndex)
	verb := "Bật"
	if action == "off" {
		verb = "Tắt"
	}
	return fmt.Sprintf("%s thành công cổng số %s của '%s'!", verb, dpsIndex, name), nil
}
