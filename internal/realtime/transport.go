package realtime

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// CloseAuthRejected はハンドシェイクの認証失敗を表すクローズコード。
const CloseAuthRejected = 4001

// wsTransport はgorilla/websocketの接続をTransportとして扱うアダプター。
// WriteMessageの直列化はConnが行い、WriteControlはgorillaが並行呼び出しを許可している。
type wsTransport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(ws *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{ws: ws, writeTimeout: writeTimeout}
}

func (t *wsTransport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// Write はテキストフレームを1つ送信する。
func (t *wsTransport) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.ws.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, msg)
}

// Ping はpingフレームを送信する。
func (t *wsTransport) Ping() error {
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close は正常終了のクローズフレームを送ってから接続を閉じる。
func (t *wsTransport) Close() error {
	_ = t.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.writeTimeout),
	)
	return t.ws.Close()
}

// reject は認証失敗のクローズコードを送って接続を閉じる。
func reject(ws *websocket.Conn, reason string, writeTimeout time.Duration) {
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthRejected, reason),
		time.Now().Add(writeTimeout),
	)
	_ = ws.Close()
}
