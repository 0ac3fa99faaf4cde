package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kitciruelas/soteros-backend-sub000/internal/config"
	"github.com/kitciruelas/soteros-backend-sub000/internal/realtime"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/event"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/metrics"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はrouterを公開するHTTPサーバー。
	httpServer *http.Server
	// db は通知ストアのデータベース接続。
	db *sqlx.DB
	// store は通知レコードの永続化層。
	store *Store
	// registry はライブ接続のレジストリ。
	registry *realtime.Registry
	// live はライブ配信のルーター。
	live *realtime.Router
	// publisher は業務イベントの発行元向けの入口。
	publisher *Publisher
	// ws はライブチャネルのハンドラー。
	ws *realtime.Handler

	logger    *zap.Logger
	jwtSecret string
}

// NewServer は新しい通知サーバーを生成する。
// 起動前にマイグレーションを適用するため、失敗した場合はエラーを返す。
func NewServer(ctx context.Context, cfg *config.Config, db *sqlx.DB, logger *zap.Logger, promReg *prometheus.Registry) (*Server, error) {
	store := NewStore(db, logger.Named("store"))
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	m := metrics.New(promReg)
	registry := realtime.NewRegistry(logger.Named("registry"), m, realtime.WithSendQueueSize(cfg.Realtime.SendQueueSize))
	live := realtime.NewRouter(registry, logger.Named("router"), m)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:    router,
		db:        db,
		store:     store,
		registry:  registry,
		live:      live,
		publisher: NewPublisher(live, store, cfg.Notification.PersistTimeout, logger.Named("publisher"), m),
		ws: realtime.NewHandler(registry, realtime.Options{
			JWTSecret:      cfg.JWTSecret,
			AllowedOrigins: cfg.AllowedOrigins,
			PingInterval:   cfg.Realtime.PingInterval,
			PongWait:       cfg.Realtime.PongWait,
			WriteTimeout:   cfg.Realtime.WriteTimeout,
			MaxMessageSize: cfg.Realtime.MaxMessageSize,
		}, logger.Named("ws"), m),
		logger:    logger,
		jwtSecret: cfg.JWTSecret,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes(promReg)

	return s, nil
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler { return s.router }

// Publisher は同一プロセス内の発行元向けの入口を返す。
func (s *Server) Publisher() *Publisher { return s.publisher }

// Registry はライブ接続のレジストリを返す。
func (s *Server) Registry() *realtime.Registry { return s.registry }

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown はHTTPサーバーを停止し、ライブ接続を閉じ、実行中の永続化を待つ。
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.registry.Close()
	s.publisher.Wait()
	return err
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// ライブチャネル（トークンはクエリパラメータで受け取る）
	s.router.GET("/ws", s.ws.ServeWS)

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読件数取得
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 通知を削除する
			notifications.DELETE("/:id", s.handleDelete())
		}

		// 業務イベントの発行元から呼び出される内部API
		internal := api.Group("/internal")
		internal.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleStaff))
		{
			internal.POST("/broadcast", s.handleBroadcast())
			internal.POST("/incidents", s.handleIncident())
			internal.POST("/welfare-reports", s.handleWelfareReport())
			internal.POST("/alerts", s.handleAlert())
			internal.POST("/safety-protocols", s.handleSafetyProtocol())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// recordResponse は通知のJSONレスポンス構造。
type recordResponse struct {
	ID            int64   `json:"id"`
	RecipientRole *string `json:"recipient_role"`
	RecipientID   *int64  `json:"recipient_id"`
	Category      string  `json:"category"`
	Title         string  `json:"title"`
	Message       string  `json:"message"`
	Severity      string  `json:"severity"`
	IsRead        bool    `json:"is_read"`
	RelatedID     *int64  `json:"related_id"`
	// CreatedAt は作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toRecordResponse(r Record) recordResponse {
	resp := recordResponse{
		ID:        r.ID,
		Category:  string(r.Category),
		Title:     r.Title,
		Message:   r.Message,
		Severity:  string(r.Severity),
		IsRead:    r.IsRead,
		RelatedID: r.RelatedID,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rc, ok := r.Audience.Recipient(); ok {
		role := string(rc.Role)
		id := rc.ID
		resp.RecipientRole = &role
		resp.RecipientID = &id
	}
	return resp
}

// paginationResponse はページ情報。
type paginationResponse struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// listResponse は一覧取得のレスポンス。
type listResponse struct {
	Records     []recordResponse   `json:"records"`
	Total       int                `json:"total"`
	UnreadCount int                `json:"unreadCount"`
	Pagination  paginationResponse `json:"pagination"`
}

// recipientFrom は認証済みの主体を宛先として取得する。取得できない場合は401を返す。
func recipientFrom(c *gin.Context) (Recipient, bool) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "認証情報が取得できません"})
		return Recipient{}, false
	}
	return RecipientOf(identity), true
}

// parseListQuery は一覧取得のクエリパラメータを解析する。
func parseListQuery(c *gin.Context) (page, limit int, f Filter, err error) {
	page, limit = 1, defaultPageSize

	if v := c.Query("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, Filter{}, fmt.Errorf("pageが不正です: %q", v)
		}
		if page > MaxPage {
			return 0, 0, Filter{}, ErrPageOutOfRange
		}
	}
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, Filter{}, fmt.Errorf("limitが不正です: %q", v)
		}
		limit = min(limit, maxPageSize)
	}
	if v := c.Query("category"); v != "" {
		f.Category = Category(v)
		if !f.Category.Valid() {
			return 0, 0, Filter{}, fmt.Errorf("categoryが不正です: %q", v)
		}
	}
	if v := c.Query("severity"); v != "" {
		f.Severity = Severity(v)
		if !f.Severity.Valid() {
			return 0, 0, Filter{}, fmt.Errorf("severityが不正です: %q", v)
		}
	}
	if v := c.Query("unread_only"); v != "" {
		if f.UnreadOnly, err = strconv.ParseBool(v); err != nil {
			return 0, 0, Filter{}, fmt.Errorf("unread_onlyが不正です: %q", v)
		}
	}
	if v := c.Query("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return 0, 0, Filter{}, fmt.Errorf("sinceはRFC3339形式で指定してください: %q", v)
		}
	}
	return page, limit, f, nil
}

// handleList は認証済み主体から見える通知の一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient, ok := recipientFrom(c)
		if !ok {
			return
		}

		page, limit, filter, err := parseListQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := s.store.ListFor(c.Request.Context(), recipient, page, limit, filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error("通知一覧取得エラー", zap.Error(err))
			return
		}

		records := make([]recordResponse, 0, len(result.Records))
		for _, r := range result.Records {
			records = append(records, toRecordResponse(r))
		}
		c.JSON(http.StatusOK, listResponse{
			Records:     records,
			Total:       result.Total,
			UnreadCount: result.UnreadCount,
			Pagination: paginationResponse{
				Page:       page,
				Limit:      limit,
				TotalPages: int(math.Ceil(float64(result.Total) / float64(limit))),
			},
		})
	}
}

// handleUnreadCount は未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient, ok := recipientFrom(c)
		if !ok {
			return
		}

		n, err := s.store.UnreadCount(c.Request.Context(), recipient)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			s.logger.Error("未読件数取得エラー", zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"unreadCount": n})
	}
}

// parseID はパスパラメータidを解析する。不正な場合は400を返す。
func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
		return 0, false
	}
	return id, true
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient, ok := recipientFrom(c)
		if !ok {
			return
		}
		id, ok := parseID(c)
		if !ok {
			return
		}

		if err := s.store.MarkRead(c.Request.Context(), id, recipient); err != nil {
			if errors.Is(err, ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.Error("通知既読処理エラー", zap.Int64("id", id), zap.Error(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// handleMarkAllAsRead は認証済み主体から見える全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient, ok := recipientFrom(c)
		if !ok {
			return
		}

		n, err := s.store.MarkAllRead(c.Request.Context(), recipient)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.logger.Error("全通知既読処理エラー", zap.Error(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "updated": n})
	}
}

// handleDelete は指定された通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipient, ok := recipientFrom(c)
		if !ok {
			return
		}
		id, ok := parseID(c)
		if !ok {
			return
		}

		if err := s.store.Delete(c.Request.Context(), id, recipient); err != nil {
			if errors.Is(err, ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の削除に失敗しました"})
			s.logger.Error("通知削除エラー", zap.Int64("id", id), zap.Error(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// notificationRequest は配信と同時に保存する通知レコード。
type notificationRequest struct {
	// RecipientRole と RecipientID を省略すると全員宛てになる。
	RecipientRole string `json:"recipient_role"`
	RecipientID   *int64 `json:"recipient_id"`
	Category      string `json:"category" binding:"required"`
	Title         string `json:"title" binding:"required"`
	Message       string `json:"message" binding:"required"`
	Severity      string `json:"severity"`
	RelatedID     *int64 `json:"related_id"`
}

func (r notificationRequest) toRecord() (Record, error) {
	rec := Record{
		Audience:  Broadcast(),
		Category:  Category(r.Category),
		Title:     r.Title,
		Message:   r.Message,
		Severity:  Severity(r.Severity),
		RelatedID: r.RelatedID,
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	if r.RecipientID != nil {
		role := middleware.Role(r.RecipientRole)
		if role == "" {
			role = middleware.RoleUser
		}
		rec.Audience = ToRecipient(role, *r.RecipientID)
	}
	return rec, rec.Validate()
}

// broadcastRequest は任意のエンベロープを配信するリクエスト。
type broadcastRequest struct {
	Type string          `json:"type" binding:"required"`
	Data json.RawMessage `json:"data"`
	// Audience は "all" または役割名。省略時は "all"。
	Audience     string               `json:"audience"`
	Notification *notificationRequest `json:"notification"`
}

// handleBroadcast は任意のエンベロープを配信し、必要に応じて通知レコードを保存するハンドラ。
func (s *Server) handleBroadcast() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		audience := realtime.AudienceAll
		if req.Audience != "" {
			audience = realtime.Audience(req.Audience)
		}
		if !audience.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("audienceが不正です: %q", req.Audience)})
			return
		}

		var data any
		if len(req.Data) > 0 {
			data = req.Data
		}
		env, err := event.New(event.Type(req.Type), data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("dataが不正です: %v", err)})
			return
		}

		if req.Notification != nil {
			rec, err := req.Notification.toRecord()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("notificationが不正です: %v", err)})
				return
			}
			s.publisher.Persist(c.Request.Context(), rec)
		}
		s.publisher.Broadcast(c.Request.Context(), env, audience)

		c.JSON(http.StatusAccepted, gin.H{"success": true})
	}
}

// incidentRequest はインシデントの発生・更新のリクエスト。
type incidentRequest struct {
	ID int64 `json:"id" binding:"required"`
	// Event は new_incident または incident_updated。省略時は new_incident。
	Event       string `json:"event"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity" binding:"required"`
	Location    string `json:"location"`
	Status      string `json:"status"`
	ReportedBy  int64  `json:"reported_by"`
}

// handleIncident はインシデントの発生・更新を通知するハンドラ。
func (s *Server) handleIncident() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req incidentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		eventType := event.TypeNewIncident
		switch event.Type(req.Event) {
		case "", event.TypeNewIncident:
		case event.TypeIncidentUpdated:
			eventType = event.TypeIncidentUpdated
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("eventが不正です: %q", req.Event)})
			return
		}

		err := s.publisher.IncidentReported(c.Request.Context(), eventType, event.IncidentData{
			ID:          req.ID,
			Type:        req.Type,
			Title:       req.Title,
			Description: req.Description,
			Severity:    req.Severity,
			Location:    req.Location,
			Status:      req.Status,
			ReportedBy:  req.ReportedBy,
		})
		s.respondAccepted(c, err)
	}
}

// welfareRequest は安否報告のリクエスト。
type welfareRequest struct {
	ID      int64  `json:"id" binding:"required"`
	UserID  int64  `json:"user_id" binding:"required"`
	Status  string `json:"status" binding:"required"`
	Message string `json:"message"`
}

// handleWelfareReport は安否報告を通知するハンドラ。
func (s *Server) handleWelfareReport() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req welfareRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		err := s.publisher.WelfareReported(c.Request.Context(), event.WelfareReportData{
			ID:      req.ID,
			UserID:  req.UserID,
			Status:  req.Status,
			Message: req.Message,
		})
		s.respondAccepted(c, err)
	}
}

// alertRequest は警報発令のリクエスト。
type alertRequest struct {
	ID       int64  `json:"id" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Message  string `json:"message" binding:"required"`
	Severity string `json:"severity"`
}

// handleAlert は警報を通知するハンドラ。
func (s *Server) handleAlert() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req alertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		err := s.publisher.AlertCreated(c.Request.Context(), event.AlertData{
			ID:       req.ID,
			Title:    req.Title,
			Message:  req.Message,
			Severity: req.Severity,
		})
		s.respondAccepted(c, err)
	}
}

// safetyProtocolRequest は安全手順公開のリクエスト。
type safetyProtocolRequest struct {
	ID          int64  `json:"id" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

// handleSafetyProtocol は安全手順の公開を通知するハンドラ。
func (s *Server) handleSafetyProtocol() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req safetyProtocolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		err := s.publisher.SafetyProtocolPublished(c.Request.Context(), event.SafetyProtocolData{
			ID:          req.ID,
			Title:       req.Title,
			Description: req.Description,
		})
		s.respondAccepted(c, err)
	}
}

// respondAccepted は発行結果を202で返す。永続化は非同期で続行中。
func (s *Server) respondAccepted(c *gin.Context, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の発行に失敗しました"})
		s.logger.Error("通知発行エラー", zap.Error(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// handleHealth はサービスの状態とライブ接続数を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := s.db.PingContext(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			s.logger.Warn("データベースの疎通確認に失敗", zap.Error(err))
		}

		c.JSON(code, gin.H{
			"status":      status,
			"service":     "notification",
			"connections": s.registry.Len(),
		})
	}
}
