package realtime

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kitciruelas/soteros-backend-sub000/pkg/event"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/metrics"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

// Options はライブチャネルのハンドラー設定。
type Options struct {
	// JWTSecret はトークン検証に使う共有シークレット。
	JWTSecret string
	// AllowedOrigins はアップグレードを許可するOrigin。"*"で全許可。
	AllowedOrigins []string
	// PingInterval はpingフレームの送信間隔。
	PingInterval time.Duration
	// PongWait はpong待ちの上限。超過すると読み込みが失敗し接続を解除する。
	PongWait time.Duration
	// WriteTimeout は1回の書き込みの上限。
	WriteTimeout time.Duration
	// MaxMessageSize はクライアントメッセージの最大サイズ。
	MaxMessageSize int64
}

// Handler はGET /wsのハンドシェイクと接続の読み込みループを担う。
type Handler struct {
	registry *Registry
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler はHandlerを生成する。
func NewHandler(registry *Registry, opts Options, logger *zap.Logger, m *metrics.Metrics) *Handler {
	h := &Handler{
		registry: registry,
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin はOriginヘッダーの無い非ブラウザクライアントを許可する。
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin)
}

// ServeWS はライブチャネルのハンドシェイクを行う。
// トークンはクエリパラメータtokenで受け取る。
func (h *Handler) ServeWS(c *gin.Context) {
	identity, verifyErr := middleware.VerifyToken(h.opts.JWTSecret, c.Query("token"))

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗", zap.String("remote_addr", c.ClientIP()), zap.Error(err))
		return
	}

	if verifyErr != nil {
		h.metrics.HandshakeRejected.WithLabelValues(rejectLabel(verifyErr)).Inc()
		h.logger.Info("ハンドシェイクを拒否しました",
			zap.String("remote_addr", c.ClientIP()),
			zap.String("reason", middleware.RejectReason(verifyErr)),
		)
		reject(ws, middleware.RejectReason(verifyErr), h.opts.WriteTimeout)
		return
	}

	t := newWSTransport(ws, h.opts.WriteTimeout)

	// 登録前に送るため、connectionエンベロープより先にビジネスエンベロープが届くことはない
	hello, err := event.Marshal(event.Connected(string(identity.Role)))
	if err != nil {
		_ = t.Close()
		return
	}
	if err := t.Write(context.Background(), hello); err != nil {
		h.logger.Warn("connectionエンベロープの送信に失敗", zap.Error(err))
		_ = t.Close()
		return
	}

	conn := h.registry.Register(t, identity)
	defer h.registry.Unregister(conn)

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, t, done)

	h.readLoop(conn, ws)
}

// pingLoop はPingIntervalごとにpingフレームを送る。送信失敗時は接続を解除する。
func (h *Handler) pingLoop(conn *Conn, t *wsTransport, done <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.Ping(); err != nil {
				h.logger.Debug("pingの送信に失敗", zap.String("conn_id", conn.ID()), zap.Error(err))
				h.registry.Unregister(conn)
				return
			}
		}
	}
}

// readLoop はクライアントからの制御メッセージを処理する。
// pongまたはメッセージを受信するたびに読み込み期限をPongWaitだけ延長する。
func (h *Handler) readLoop(conn *Conn, ws *websocket.Conn) {
	if h.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(h.opts.MaxMessageSize)
	}
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.Closed() {
				h.logger.Debug("読み込みエラーにより接続を終了します", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		extend()
		h.handleMessage(conn, data)
	}
}

func (h *Handler) handleMessage(conn *Conn, data []byte) {
	msg, err := event.ParseClientMessage(data)
	if err != nil {
		h.logger.Debug("不正な制御メッセージを無視します", zap.String("conn_id", conn.ID()), zap.Error(err))
		return
	}

	switch msg.Type {
	case event.TypePing:
		pong, err := event.Marshal(event.Pong())
		if err != nil {
			return
		}
		if err := conn.Send(pong); err != nil && !errors.Is(err, ErrConnClosed) {
			h.registry.dropFailed(conn, err)
		}
	case event.TypeSubscribe:
		// 購読は受け付けるのみで、配信対象は役割で決まる
		h.logger.Debug("購読要求を受け付けました", zap.String("conn_id", conn.ID()), zap.Strings("channels", msg.Channels))
	default:
		h.logger.Debug("未知のメッセージ種別を無視します", zap.String("conn_id", conn.ID()), zap.String("type", string(msg.Type)))
	}
}

// rejectLabel は検証エラーをメトリクスのreasonラベルに変換する。
func rejectLabel(err error) string {
	switch {
	case errors.Is(err, middleware.ErrMissingToken):
		return metrics.ReasonMissingToken
	case errors.Is(err, middleware.ErrExpiredToken):
		return metrics.ReasonExpiredToken
	case errors.Is(err, middleware.ErrInvalidRole):
		return metrics.ReasonInvalidRole
	}
	return metrics.ReasonInvalidToken
}
