package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

var (
	// ErrConnClosed は登録解除済みの接続への送信を表す。
	ErrConnClosed = errors.New("接続は既に閉じられています")
	// ErrSendQueueFull は受信側が追いつかず送信キューが満杯であることを表す。
	ErrSendQueueFull = errors.New("送信キューが満杯です")
)

// DefaultSendQueueSize は接続ごとの送信キューの既定の長さ。
const DefaultSendQueueSize = 32

// Transport は接続の下位トランスポート。テストではフェイクに差し替える。
type Transport interface {
	// Write は1メッセージを送信する。
	Write(ctx context.Context, msg []byte) error
	// Close はトランスポートを閉じる。
	Close() error
}

// Conn はレジストリに登録されたライブ接続。
// Identityはハンドシェイク時に確定し、以後変更されない。
// 送信はキューに積むだけで、実際の書き込みは接続ごとの書き込みゴルーチンが行う。
type Conn struct {
	id          string
	identity    middleware.Identity
	connectedAt time.Time
	transport   Transport

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(id string, identity middleware.Identity, t Transport, queueSize int) *Conn {
	return &Conn{
		id:          id,
		identity:    identity,
		connectedAt: time.Now().UTC(),
		transport:   t,
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
}

// ID は接続ID（UUID）を返す。
func (c *Conn) ID() string { return c.id }

// Identity は接続の認証済み主体を返す。
func (c *Conn) Identity() middleware.Identity { return c.identity }

// ConnectedAt は登録時刻を返す。
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Closed は登録解除済みかどうかを返す。
func (c *Conn) Closed() bool { return c.closed.Load() }

// Send はメッセージを送信キューに積む。ブロックしない。
// キューが満杯の場合はErrSendQueueFullを返す。同一接続への送信は積んだ順に書き込まれる。
func (c *Conn) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop はキューのメッセージを順に書き込む。
// 書き込みに失敗した場合はonFailureを呼んで終了する。
func (c *Conn) writeLoop(onFailure func(*Conn, error)) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.transport.Write(context.Background(), msg); err != nil {
				if !c.closed.Load() {
					onFailure(c, err)
				}
				return
			}
		}
	}
}

// close は書き込みゴルーチンを止め、トランスポートを一度だけ閉じる。
func (c *Conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.transport.Close()
	})
	return err
}
