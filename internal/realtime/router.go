package realtime

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kitciruelas/soteros-backend-sub000/pkg/event"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/metrics"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

// Audience は配信対象の選択子。役割名または AudienceAll。
type Audience string

// AudienceAll はすべての接続を対象とする。
const AudienceAll Audience = "all"

// AudienceRole は指定した役割の接続を対象とする選択子を返す。
func AudienceRole(role middleware.Role) Audience {
	return Audience(role)
}

// Valid は既知の選択子かどうかを返す。
func (a Audience) Valid() bool {
	return a == AudienceAll || middleware.Role(a).Valid()
}

// Matches は役割が選択子に一致するかを返す。
func (a Audience) Matches(role middleware.Role) bool {
	return a == AudienceAll || middleware.Role(a) == role
}

// Router はエンベロープを条件に一致する接続へ配信する。
type Router struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRouter はRouterを生成する。
func NewRouter(registry *Registry, logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

// Broadcast はaudienceに一致するすべての接続の送信キューにエンベロープを積み、積めた数を返す。
// ブロックせず、キューが満杯の接続は登録解除して残りの接続への配信を続ける。
// ctxが終了している場合は接続を解除せずに配信を打ち切る。
func (r *Router) Broadcast(ctx context.Context, env *event.Envelope, audience Audience) int {
	return r.deliver(ctx, env, func(c *Conn) bool {
		return audience.Matches(c.Identity().Role)
	})
}

// NotifyIncident はインシデント系エンベロープを管理者に配信する。
// 新規インシデントの場合のみスタッフにも配信する。
func (r *Router) NotifyIncident(ctx context.Context, env *event.Envelope) int {
	includeStaff := env.Type == event.TypeNewIncident
	return r.deliver(ctx, env, func(c *Conn) bool {
		switch c.Identity().Role {
		case middleware.RoleAdmin:
			return true
		case middleware.RoleStaff:
			return includeStaff
		}
		return false
	})
}

// NotifyWelfare は安否報告を管理者にのみ配信する。
func (r *Router) NotifyWelfare(ctx context.Context, env *event.Envelope) int {
	return r.Broadcast(ctx, env, AudienceRole(middleware.RoleAdmin))
}

// NotifyAlert は警報を全接続に配信する。
func (r *Router) NotifyAlert(ctx context.Context, env *event.Envelope) int {
	return r.Broadcast(ctx, env, AudienceAll)
}

// NotifySafetyProtocol は安全手順を全接続に配信する。
func (r *Router) NotifySafetyProtocol(ctx context.Context, env *event.Envelope) int {
	return r.Broadcast(ctx, env, AudienceAll)
}

func (r *Router) deliver(ctx context.Context, env *event.Envelope, pred func(*Conn) bool) int {
	msg, err := event.Marshal(env)
	if err != nil {
		r.logger.Error("エンベロープのシリアライズに失敗", zap.String("type", string(env.Type)), zap.Error(err))
		return 0
	}

	delivered := 0
	aborted := false
	r.registry.ForEach(pred, func(c *Conn) {
		if aborted {
			return
		}
		if ctx.Err() != nil {
			aborted = true
			return
		}
		if err := c.Send(msg); err != nil {
			if errors.Is(err, ErrConnClosed) {
				return
			}
			r.registry.dropFailed(c, err)
			return
		}
		delivered++
	})
	if aborted {
		r.logger.Info("呼び出し元のコンテキストが終了したため配信を打ち切りました",
			zap.String("type", string(env.Type)),
			zap.Int("delivered", delivered),
			zap.Error(ctx.Err()),
		)
	}

	r.metrics.Delivered.WithLabelValues(string(env.Type)).Add(float64(delivered))
	r.logger.Debug("エンベロープを配信しました",
		zap.String("type", string(env.Type)),
		zap.Int("delivered", delivered),
	)
	return delivered
}
