// Package event はライブチャネルで送受信するエンベロープ型を定義する。
package event

import (
	"encoding/json"
	"time"
)

// Type はエンベロープの種類を表す。
type Type string

const (
	// TypeConnection はハンドシェイク成功時に一度だけ送られる制御メッセージ。
	TypeConnection Type = "connection"
	// TypePing はクライアントからのアプリケーションレベルのハートビート。
	TypePing Type = "ping"
	// TypePong はpingへの応答。
	TypePong Type = "pong"
	// TypeSubscribe はチャネル購読要求。受け付けるが配信には影響しない。
	TypeSubscribe Type = "subscribe"

	// TypeNewIncident は新規インシデントが報告されたことを表す。
	TypeNewIncident Type = "new_incident"
	// TypeIncidentUpdated は既存インシデントが更新されたことを表す。
	TypeIncidentUpdated Type = "incident_updated"
	// TypeNewWelfareReport は安否報告が提出されたことを表す。
	TypeNewWelfareReport Type = "new_welfare_report"
	// TypeNewAlert は警報が発令されたことを表す。
	TypeNewAlert Type = "new_alert"
	// TypeNewSafetyProtocol は安全手順が公開されたことを表す。
	TypeNewSafetyProtocol Type = "new_safety_protocol"
)

// StatusConnected はconnectionエンベロープのstatus値。
const StatusConnected = "connected"

// Envelope はライブチャネルで送られるメッセージ。
// Status と Role は connection エンベロープでのみ使用する。
type Envelope struct {
	Type      Type            `json:"type"`
	Status    string          `json:"status,omitempty"`
	Role      string          `json:"role,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClientMessage はクライアントから受信する制御メッセージ。
type ClientMessage struct {
	Type     Type     `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// IncidentData はインシデント系エンベロープのペイロード。
type IncidentData struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status,omitempty"`
	ReportedBy  int64  `json:"reported_by,omitempty"`
}

// WelfareReportData は安否報告エンベロープのペイロード。
type WelfareReportData struct {
	ID      int64  `json:"id"`
	UserID  int64  `json:"user_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AlertData は警報エンベロープのペイロード。
type AlertData struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// SafetyProtocolData は安全手順エンベロープのペイロード。
type SafetyProtocolData struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}
