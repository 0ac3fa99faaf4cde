package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/kitciruelas/soteros-backend-sub000/internal/config"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig はテスト用の設定を返す。
func testConfig() *config.Config {
	return &config.Config{
		Environment:    "test",
		Port:           "0",
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"*"},
		Realtime: config.RealtimeConfig{
			PingInterval:   time.Minute,
			PongWait:       2 * time.Minute,
			WriteTimeout:   time.Second,
			MaxMessageSize: 4096,
			SendQueueSize:  8,
		},
		Notification: config.NotificationConfig{PersistTimeout: time.Second},
	}
}

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	s, err := NewServer(context.Background(), testConfig(), newTestDB(t), zaptest.NewLogger(t), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("サーバーの初期化に失敗: %v", err)
	}
	t.Cleanup(func() {
		s.registry.Close()
		s.publisher.Wait()
	})
	return s
}

// tokenFor は指定した主体のJWTトークンを生成する。
func tokenFor(t *testing.T, role middleware.Role, id int64) string {
	t.Helper()

	tok, err := middleware.GenerateJWT(testSecret, middleware.Identity{Role: role, ID: id}, time.Hour)
	if err != nil {
		t.Fatalf("トークン生成に失敗: %v", err)
	}
	return tok
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// createTestRecord はテスト用に通知をストアに直接保存するヘルパー関数。
func createTestRecord(t *testing.T, s *Server, audience Audience, title string) Record {
	t.Helper()

	rec, err := s.store.Create(t.Context(), Record{
		Audience: audience,
		Category: CategorySystem,
		Severity: SeverityInfo,
		Title:    title,
		Message:  title + "のメッセージ",
	})
	if err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
	return rec
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return v
}

// TestHandleList は通知一覧APIを検証する。
func TestHandleList(t *testing.T) {
	t.Parallel()

	t.Run("トークン無しの場合401が返ること", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t)
		w := doRequest(s, http.MethodGet, "/api/v1/notifications", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("自分宛てと全員宛ての通知のみが返ること", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t)
		createTestRecord(t, s, Broadcast(), "全員宛て")
		createTestRecord(t, s, ToRecipient(middleware.RoleUser, 42), "本人宛て")
		createTestRecord(t, s, ToRecipient(middleware.RoleUser, 7), "他人宛て")

		w := doRequest(s, http.MethodGet, "/api/v1/notifications?limit=1", tokenFor(t, middleware.RoleUser, 42), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}

		resp := decodeBody[listResponse](t, w)
		if resp.Total != 2 {
			t.Errorf("total = %d, want 2", resp.Total)
		}
		if resp.UnreadCount != 2 {
			t.Errorf("unreadCount = %d, want 2", resp.UnreadCount)
		}
		if len(resp.Records) != 1 {
			t.Fatalf("records件数 = %d, want 1", len(resp.Records))
		}
		if resp.Pagination.Page != 1 || resp.Pagination.Limit != 1 || resp.Pagination.TotalPages != 2 {
			t.Errorf("pagination = %+v", resp.Pagination)
		}
		for _, key := range []string{`"unreadCount"`, `"totalPages"`, `"recipient_id"`} {
			if !strings.Contains(w.Body.String(), key) {
				t.Errorf("レスポンスに %s が含まれていない", key)
			}
		}
	})

	t.Run("limitは最大100に丸められること", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t)
		w := doRequest(s, http.MethodGet, "/api/v1/notifications?limit=500", tokenFor(t, middleware.RoleUser, 1), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		resp := decodeBody[listResponse](t, w)
		if resp.Pagination.Limit != maxPageSize {
			t.Errorf("limit = %d, want %d", resp.Pagination.Limit, maxPageSize)
		}
		if resp.Records == nil {
			t.Error("recordsは空配列であるべき")
		}
	})

	invalid := []struct {
		name  string
		query string
	}{
		{name: "pageが数値でない", query: "page=abc"},
		{name: "pageが0", query: "page=0"},
		{name: "pageが上限を超える", query: "page=10001"},
		{name: "pageがオフセットを桁あふれさせる", query: "page=92233720368547758"},
		{name: "limitが負", query: "limit=-1"},
		{name: "categoryが未知", query: "category=spam"},
		{name: "severityが未知", query: "severity=loud"},
		{name: "unread_onlyが真偽値でない", query: "unread_only=maybe"},
		{name: "sinceがRFC3339でない", query: "since=yesterday"},
	}
	for _, tt := range invalid {
		t.Run(tt.name+"の場合400が返ること", func(t *testing.T) {
			t.Parallel()

			s := setupTestServer(t)
			w := doRequest(s, http.MethodGet, "/api/v1/notifications?"+tt.query, tokenFor(t, middleware.RoleUser, 1), nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// TestHandleUnreadCount は未読件数APIを検証する。
func TestHandleUnreadCount(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	createTestRecord(t, s, Broadcast(), "a")
	createTestRecord(t, s, ToRecipient(middleware.RoleStaff, 3), "b")

	w := doRequest(s, http.MethodGet, "/api/v1/notifications/unread-count", tokenFor(t, middleware.RoleStaff, 3), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody[map[string]int](t, w)
	if resp["unreadCount"] != 2 {
		t.Errorf("unreadCount = %d, want 2", resp["unreadCount"])
	}
}

// TestHandleMarkAsRead は既読APIを検証する。
func TestHandleMarkAsRead(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	own := createTestRecord(t, s, ToRecipient(middleware.RoleUser, 42), "本人宛て")
	other := createTestRecord(t, s, ToRecipient(middleware.RoleUser, 7), "他人宛て")
	token := tokenFor(t, middleware.RoleUser, 42)

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{name: "自分宛ての通知を既読にできること", path: fmt.Sprintf("/api/v1/notifications/%d/read", own.ID), wantCode: http.StatusOK},
		{name: "既読の通知を再度既読にしても成功すること", path: fmt.Sprintf("/api/v1/notifications/%d/read", own.ID), wantCode: http.StatusOK},
		{name: "他人宛ての通知は404が返ること", path: fmt.Sprintf("/api/v1/notifications/%d/read", other.ID), wantCode: http.StatusNotFound},
		{name: "存在しない通知は404が返ること", path: "/api/v1/notifications/9999/read", wantCode: http.StatusNotFound},
		{name: "不正なIDは400が返ること", path: "/api/v1/notifications/abc/read", wantCode: http.StatusBadRequest},
	}

	// 順序に依存するため並列実行しない
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(s, http.MethodPut, tt.path, token, nil)
			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d (body=%s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

// TestHandleMarkAllAsRead は一括既読APIを検証する。
func TestHandleMarkAllAsRead(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	createTestRecord(t, s, Broadcast(), "a")
	createTestRecord(t, s, ToRecipient(middleware.RoleUser, 42), "b")
	createTestRecord(t, s, ToRecipient(middleware.RoleUser, 7), "c")
	token := tokenFor(t, middleware.RoleUser, 42)

	w := doRequest(s, http.MethodPut, "/api/v1/notifications/read-all", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody[map[string]any](t, w)
	if resp["success"] != true || resp["updated"] != float64(2) {
		t.Errorf("レスポンス = %v", resp)
	}

	w = doRequest(s, http.MethodPut, "/api/v1/notifications/read-all", token, nil)
	resp = decodeBody[map[string]any](t, w)
	if w.Code != http.StatusOK || resp["updated"] != float64(0) {
		t.Errorf("2回目: ステータス = %d, レスポンス = %v", w.Code, resp)
	}
}

// TestHandleDelete は削除APIを検証する。
func TestHandleDelete(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)
	other := createTestRecord(t, s, ToRecipient(middleware.RoleUser, 7), "他人宛て")
	own := createTestRecord(t, s, ToRecipient(middleware.RoleUser, 42), "本人宛て")
	token := tokenFor(t, middleware.RoleUser, 42)

	w := doRequest(s, http.MethodDelete, fmt.Sprintf("/api/v1/notifications/%d", other.ID), token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("他人宛て: ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = doRequest(s, http.MethodDelete, fmt.Sprintf("/api/v1/notifications/%d", own.ID), token, nil)
	if w.Code != http.StatusOK {
		t.Errorf("本人宛て: ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}

	w = doRequest(s, http.MethodDelete, fmt.Sprintf("/api/v1/notifications/%d", other.ID), tokenFor(t, middleware.RoleUser, 7), nil)
	if w.Code != http.StatusOK {
		t.Errorf("所有者による削除: ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestInternalRoutes は発行元向けの内部APIを検証する。
func TestInternalRoutes(t *testing.T) {
	t.Parallel()

	t.Run("user役割は403が返ること", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t)
		w := doRequest(s, http.MethodPost, "/api/v1/internal/alerts", tokenFor(t, middleware.RoleUser, 1),
			map[string]any{"id": 1, "title": "t", "message": "m"})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	tests := []struct {
		name         string
		path         string
		body         map[string]any
		wantCode     int
		wantCategory Category
	}{
		{
			name:         "警報を発行できること",
			path:         "/api/v1/internal/alerts",
			body:         map[string]any{"id": 1, "title": "避難指示", "message": "高台へ", "severity": "high"},
			wantCode:     http.StatusAccepted,
			wantCategory: CategoryAlert,
		},
		{
			name:         "安全手順を発行できること",
			path:         "/api/v1/internal/safety-protocols",
			body:         map[string]any{"id": 2, "title": "地震発生時の行動"},
			wantCode:     http.StatusAccepted,
			wantCategory: CategorySafetyProtocol,
		},
		{
			name:         "インシデントを発行できること",
			path:         "/api/v1/internal/incidents",
			body:         map[string]any{"id": 7, "type": "fire", "severity": "high"},
			wantCode:     http.StatusAccepted,
			wantCategory: CategorySystem,
		},
		{
			name: "任意のエンベロープを通知付きで配信できること",
			path: "/api/v1/internal/broadcast",
			body: map[string]any{
				"type": "evacuation_center_update", "audience": "all", "data": map[string]any{"center_id": 3},
				"notification": map[string]any{"category": "system", "title": "避難所情報", "message": "更新されました"},
			},
			wantCode:     http.StatusAccepted,
			wantCategory: CategorySystem,
		},
		{
			name:     "必須項目が欠けている場合400が返ること",
			path:     "/api/v1/internal/alerts",
			body:     map[string]any{"id": 1},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "不正なaudienceの場合400が返ること",
			path:     "/api/v1/internal/broadcast",
			body:     map[string]any{"type": "x", "audience": "guest"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "不正なeventの場合400が返ること",
			path:     "/api/v1/internal/incidents",
			body:     map[string]any{"id": 7, "severity": "high", "event": "incident_deleted"},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := setupTestServer(t)
			w := doRequest(s, http.MethodPost, tt.path, tokenFor(t, middleware.RoleStaff, 1), tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCategory == "" {
				return
			}

			s.publisher.Wait()
			res, err := s.store.ListFor(t.Context(), Recipient{Role: middleware.RoleUser, ID: 1}, 1, 20, Filter{})
			if err != nil {
				t.Fatalf("一覧取得に失敗: %v", err)
			}
			if len(res.Records) != 1 || res.Records[0].Category != tt.wantCategory {
				t.Errorf("保存された通知 = %+v, want category %s", res.Records, tt.wantCategory)
			}
		})
	}

	t.Run("安否報告は報告者本人宛てに保存されること", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t)
		w := doRequest(s, http.MethodPost, "/api/v1/internal/welfare-reports", tokenFor(t, middleware.RoleAdmin, 1),
			map[string]any{"id": 3, "user_id": 42, "status": "safe"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusAccepted)
		}
		s.publisher.Wait()

		for _, tc := range []struct {
			id   int64
			want int
		}{{42, 1}, {7, 0}} {
			res, err := s.store.ListFor(t.Context(), Recipient{Role: middleware.RoleUser, ID: tc.id}, 1, 20, Filter{})
			if err != nil {
				t.Fatalf("一覧取得に失敗: %v", err)
			}
			if len(res.Records) != tc.want {
				t.Errorf("user %d の件数 = %d, want %d", tc.id, len(res.Records), tc.want)
			}
		}
	})
}

// TestHealthAndMetrics はヘルスチェックとメトリクスを検証する。
func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t)

	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decodeBody[map[string]any](t, w)
	if resp["status"] != "ok" || resp["service"] != "notification" || resp["connections"] != float64(0) {
		t.Errorf("レスポンス = %v", resp)
	}

	// ラベル無しのカウンターは登録直後から出力される
	w = doRequest(s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "realtime_send_failures_total") {
		t.Error("メトリクスにrealtime_send_failures_totalが含まれていない")
	}
}
