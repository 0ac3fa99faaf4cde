package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kitciruelas/soteros-backend-sub000/internal/realtime"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/event"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/metrics"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

// Broadcaster はライブ配信の入口。*realtime.Router が満たす。
type Broadcaster interface {
	Broadcast(ctx context.Context, env *event.Envelope, audience realtime.Audience) int
	NotifyIncident(ctx context.Context, env *event.Envelope) int
	NotifyWelfare(ctx context.Context, env *event.Envelope) int
	NotifyAlert(ctx context.Context, env *event.Envelope) int
	NotifySafetyProtocol(ctx context.Context, env *event.Envelope) int
}

// RecordCreator は通知レコードの保存先。*Store が満たす。
type RecordCreator interface {
	Create(ctx context.Context, rec Record) (Record, error)
}

// Publisher は業務イベントの発行元が呼び出す通知の入口。
// ライブ配信と永続化はいずれも呼び出し元の処理を失敗させない。
type Publisher struct {
	broadcaster Broadcaster
	store       RecordCreator
	logger      *zap.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration

	wg sync.WaitGroup
}

// NewPublisher はPublisherを生成する。timeoutはバックグラウンド永続化1件あたりの上限。
func NewPublisher(b Broadcaster, store RecordCreator, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		broadcaster: b,
		store:       store,
		logger:      logger,
		metrics:     m,
		timeout:     timeout,
	}
}

// Broadcast はエンベロープを即座にライブ配信する。エラーは返さない。
// 呼び出し元のリクエストがキャンセルされても配信は行われる。
func (p *Publisher) Broadcast(ctx context.Context, env *event.Envelope, audience realtime.Audience) {
	p.broadcaster.Broadcast(context.WithoutCancel(ctx), env, audience)
}

// Persist は通知レコードをバックグラウンドで保存する。呼び出し元はブロックされない。
// 失敗はログとメトリクスに記録され、呼び出し元には返らない。
func (p *Publisher) Persist(ctx context.Context, rec Record) {
	// リクエストのキャンセルに巻き込まれないよう切り離す
	base := context.WithoutCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(base, p.timeout)
		defer cancel()

		start := time.Now()
		saved, err := p.store.Create(ctx, rec)
		p.metrics.PersistDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.PersistFailures.WithLabelValues(string(rec.Category)).Inc()
			p.logger.Error("通知レコードの保存に失敗",
				zap.String("category", string(rec.Category)),
				zap.String("title", rec.Title),
				zap.Error(err),
			)
			return
		}
		p.logger.Debug("通知レコードを保存しました",
			zap.Int64("id", saved.ID),
			zap.String("category", string(saved.Category)),
		)
	}()
}

// Wait は実行中のバックグラウンド保存の完了を待つ。
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// IncidentReported はインシデントの発生・更新を通知する。
// 管理者に配信し、新規の場合はスタッフにも配信して全員宛ての記録を残す。
func (p *Publisher) IncidentReported(ctx context.Context, eventType event.Type, data event.IncidentData) error {
	env, err := event.New(eventType, data)
	if err != nil {
		return fmt.Errorf("インシデント通知の生成に失敗: %w", err)
	}

	if eventType == event.TypeNewIncident {
		related := data.ID
		p.Persist(ctx, Record{
			Audience:  Broadcast(),
			Category:  CategorySystem,
			Title:     incidentTitle(data),
			Message:   incidentMessage(data),
			Severity:  SeverityFromLevel(data.Severity),
			RelatedID: &related,
		})
	}
	p.broadcaster.NotifyIncident(context.WithoutCancel(ctx), env)
	return nil
}

// WelfareReported は安否報告を管理者に配信し、報告者本人宛ての記録を残す。
func (p *Publisher) WelfareReported(ctx context.Context, data event.WelfareReportData) error {
	env, err := event.New(event.TypeNewWelfareReport, data)
	if err != nil {
		return fmt.Errorf("安否報告通知の生成に失敗: %w", err)
	}

	related := data.ID
	message := data.Message
	if message == "" {
		message = fmt.Sprintf("安否状況「%s」を受け付けました", data.Status)
	}
	p.Persist(ctx, Record{
		Audience:  ToRecipient(middleware.RoleUser, data.UserID),
		Category:  CategoryWelfare,
		Title:     "安否報告を受け付けました",
		Message:   message,
		Severity:  welfareSeverity(data.Status),
		RelatedID: &related,
	})
	p.broadcaster.NotifyWelfare(context.WithoutCancel(ctx), env)
	return nil
}

// AlertCreated は警報を全接続に配信し、全員宛ての記録を残す。
func (p *Publisher) AlertCreated(ctx context.Context, data event.AlertData) error {
	env, err := event.New(event.TypeNewAlert, data)
	if err != nil {
		return fmt.Errorf("警報通知の生成に失敗: %w", err)
	}

	related := data.ID
	p.Persist(ctx, Record{
		Audience:  Broadcast(),
		Category:  CategoryAlert,
		Title:     data.Title,
		Message:   data.Message,
		Severity:  SeverityFromLevel(data.Severity),
		RelatedID: &related,
	})
	p.broadcaster.NotifyAlert(context.WithoutCancel(ctx), env)
	return nil
}

// SafetyProtocolPublished は安全手順の公開を全接続に配信し、全員宛ての記録を残す。
func (p *Publisher) SafetyProtocolPublished(ctx context.Context, data event.SafetyProtocolData) error {
	env, err := event.New(event.TypeNewSafetyProtocol, data)
	if err != nil {
		return fmt.Errorf("安全手順通知の生成に失敗: %w", err)
	}

	related := data.ID
	message := data.Description
	if message == "" {
		message = "新しい安全手順が公開されました"
	}
	p.Persist(ctx, Record{
		Audience:  Broadcast(),
		Category:  CategorySafetyProtocol,
		Title:     data.Title,
		Message:   message,
		Severity:  SeverityInfo,
		RelatedID: &related,
	})
	p.broadcaster.NotifySafetyProtocol(context.WithoutCancel(ctx), env)
	return nil
}

func incidentTitle(d event.IncidentData) string {
	if d.Title != "" {
		return d.Title
	}
	if d.Type != "" {
		return fmt.Sprintf("新しいインシデント: %s", d.Type)
	}
	return "新しいインシデントが報告されました"
}

func incidentMessage(d event.IncidentData) string {
	switch {
	case d.Description != "":
		return d.Description
	case d.Location != "":
		return fmt.Sprintf("%s でインシデントが報告されました（深刻度: %s）", d.Location, d.Severity)
	}
	return fmt.Sprintf("インシデント #%d が報告されました（深刻度: %s）", d.ID, d.Severity)
}

// welfareSeverity は安否状況から重要度を決める。
func welfareSeverity(status string) Severity {
	switch status {
	case "needs_help", "missing", "injured":
		return SeverityEmergency
	case "unknown":
		return SeverityWarning
	}
	return SeverityInfo
}
