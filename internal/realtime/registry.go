package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kitciruelas/soteros-backend-sub000/pkg/metrics"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

// Registry はライブ接続の集合を管理する。
// 変更はRegisterとUnregisterのみで行われ、単一のRWMutexで保護される。
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool

	queueSize int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// RegistryOption はRegistryの設定を変更する。
type RegistryOption func(*Registry)

// WithSendQueueSize は接続ごとの送信キューの長さを設定する。0以下は無視する。
func WithSendQueueSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// NewRegistry は空のレジストリを生成する。
func NewRegistry(logger *zap.Logger, m *metrics.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:     make(map[string]*Conn),
		queueSize: DefaultSendQueueSize,
		logger:    logger,
		metrics:   m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register は接続を登録する。同一主体の複数接続も許可する。
// Close済みのレジストリに登録しようとした場合はトランスポートを閉じ、
// 閉じた状態の接続を返す。
func (r *Registry) Register(t Transport, identity middleware.Identity) *Conn {
	conn := newConn(uuid.NewString(), identity, t, r.queueSize)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.close()
		return conn
	}
	r.conns[conn.id] = conn
	r.mu.Unlock()

	go conn.writeLoop(r.dropFailed)

	r.metrics.ActiveConnections.WithLabelValues(string(identity.Role)).Inc()
	r.logger.Info("接続を登録しました",
		zap.String("conn_id", conn.id),
		zap.String("role", string(identity.Role)),
		zap.Int64("subject_id", identity.ID),
	)
	return conn
}

// Unregister は接続を登録解除し、トランスポートを閉じる。
// 何度呼び出しても安全で、2回目以降は何もしない。
func (r *Registry) Unregister(conn *Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	_, ok := r.conns[conn.id]
	if ok {
		delete(r.conns, conn.id)
	}
	r.mu.Unlock()

	if err := conn.close(); err != nil {
		r.logger.Debug("トランスポートのクローズでエラー", zap.String("conn_id", conn.id), zap.Error(err))
	}
	if !ok {
		return
	}

	r.metrics.ActiveConnections.WithLabelValues(string(conn.identity.Role)).Dec()
	r.logger.Info("接続を解除しました",
		zap.String("conn_id", conn.id),
		zap.String("role", string(conn.identity.Role)),
		zap.Int64("subject_id", conn.identity.ID),
		zap.Duration("duration", time.Since(conn.connectedAt)),
	)
}

// dropFailed は送信に失敗した接続を解除する。他の接続には影響しない。
func (r *Registry) dropFailed(conn *Conn, err error) {
	r.metrics.SendFailures.Inc()
	r.logger.Warn("配信に失敗したため接続を解除します",
		zap.String("conn_id", conn.id),
		zap.String("role", string(conn.identity.Role)),
		zap.Error(err),
	)
	r.Unregister(conn)
}

// Select はpredに一致する接続のスナップショットを返す。predがnilの場合は全件。
func (r *Registry) Select(pred func(*Conn) bool) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if pred == nil || pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// ForEach はpredに一致する接続ごとにfnを呼び出す。
// 反復はスナップショットに対して行い、途中で登録解除された接続はスキップする。
func (r *Registry) ForEach(pred func(*Conn) bool, fn func(*Conn)) {
	for _, c := range r.Select(pred) {
		if c.Closed() {
			continue
		}
		fn(c)
	}
}

// Len は登録中の接続数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByRole は役割ごとの接続数を返す。
func (r *Registry) CountByRole() map[middleware.Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[middleware.Role]int)
	for _, c := range r.conns {
		counts[c.identity.Role]++
	}
	return counts
}

// Close はすべての接続を登録解除し、以後の登録を拒否する。
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, c := range r.Select(nil) {
		r.Unregister(c)
	}
}
