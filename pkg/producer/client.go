package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kitciruelas/soteros-backend-sub000/pkg/event"
)

// Client は通知サービスの内部APIクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は通知サービスのベースURL。
	baseURL string
	// token はadminまたはstaffのJWTトークン。
	token string
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New は新しいクライアントを生成する。
// baseURLには通知サービスのベースURL（例: "http://notification:8086"）を指定する。
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notification は配信と同時に保存する通知レコード。
// RecipientIDを省略すると全員宛てになる。
type Notification struct {
	RecipientRole string `json:"recipient_role,omitempty"`
	RecipientID   *int64 `json:"recipient_id,omitempty"`
	Category      string `json:"category"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Severity      string `json:"severity,omitempty"`
	RelatedID     *int64 `json:"related_id,omitempty"`
}

// BroadcastRequest は任意のエンベロープの配信要求。
type BroadcastRequest struct {
	Type event.Type `json:"type"`
	Data any        `json:"data,omitempty"`
	// Audience は "all" または役割名（admin / staff / user）。
	Audience     string        `json:"audience,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Incident はインシデントの発生・更新。Eventを省略すると新規として扱われる。
type Incident struct {
	Event event.Type `json:"event,omitempty"`
	event.IncidentData
}

// Broadcast は任意のエンベロープを配信する。
func (c *Client) Broadcast(ctx context.Context, req BroadcastRequest) error {
	return c.post(ctx, "/api/v1/internal/broadcast", req)
}

// ReportIncident はインシデントの発生・更新を通知する。
func (c *Client) ReportIncident(ctx context.Context, inc Incident) error {
	return c.post(ctx, "/api/v1/internal/incidents", inc)
}

// ReportWelfare は安否報告を通知する。
func (c *Client) ReportWelfare(ctx context.Context, report event.WelfareReportData) error {
	return c.post(ctx, "/api/v1/internal/welfare-reports", report)
}

// CreateAlert は警報の発令を通知する。
func (c *Client) CreateAlert(ctx context.Context, alert event.AlertData) error {
	return c.post(ctx, "/api/v1/internal/alerts", alert)
}

// PublishSafetyProtocol は安全手順の公開を通知する。
func (c *Client) PublishSafetyProtocol(ctx context.Context, protocol event.SafetyProtocolData) error {
	return c.post(ctx, "/api/v1/internal/safety-protocols", protocol)
}

// StatusError は通知サービスが2xx以外を返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// post はJSONボディでPOSTリクエストを送信する共通処理。
func (c *Client) post(ctx context.Context, path string, body any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
