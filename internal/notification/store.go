package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
	"github.com/kitciruelas/soteros-backend-sub000/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound は対象の通知が存在しないか、呼び出し元から見えないことを表す。
// 他の主体宛ての通知の存在を明かさないため、権限エラーと区別しない。
var ErrNotFound = errors.New("通知が見つかりません")

// MaxPage は一覧取得で指定できるページ番号の上限。OFFSETの桁あふれを防ぐ。
const MaxPage = 10000

// ErrPageOutOfRange はページ番号がMaxPageを超えていることを表す。
var ErrPageOutOfRange = fmt.Errorf("ページ番号は%d以下で指定してください", MaxPage)

// visibleClause は宛先本人宛てまたは全員宛ての行に限定する条件。
const visibleClause = "((recipient_role = ? AND recipient_id = ?) OR recipient_id IS NULL)"

// Store は通知レコードの永続化を担う。
// スキーマは起動時にEnsureSchemaで作成済みであることを前提とする。
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	schema singleflight.Group
}

// NewStore はStoreを生成する。
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// recordRow はnotificationsテーブルの1行。
type recordRow struct {
	ID            int64          `db:"id"`
	RecipientRole sql.NullString `db:"recipient_role"`
	RecipientID   sql.NullInt64  `db:"recipient_id"`
	Category      string         `db:"category"`
	Title         string         `db:"title"`
	Message       string         `db:"message"`
	Severity      string         `db:"severity"`
	IsRead        bool           `db:"is_read"`
	RelatedID     sql.NullInt64  `db:"related_id"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const selectColumns = `id, recipient_role, recipient_id, category, title, message,
	severity, is_read, related_id, created_at, updated_at`

func (r recordRow) toRecord() Record {
	rec := Record{
		ID:        r.ID,
		Audience:  Broadcast(),
		Category:  Category(r.Category),
		Title:     r.Title,
		Message:   r.Message,
		Severity:  Severity(r.Severity),
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.RecipientID.Valid {
		rec.Audience = ToRecipient(middleware.Role(r.RecipientRole.String), r.RecipientID.Int64)
	}
	if r.RelatedID.Valid {
		id := r.RelatedID.Int64
		rec.RelatedID = &id
	}
	return rec
}

// dialect はマイグレーションディレクトリ名を返す。
func (s *Store) dialect() string {
	if s.db.DriverName() == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

// EnsureSchema はマイグレーションを適用する。何度呼び出しても安全。
// 同時に呼び出された場合は1回の実行にまとめ、全員が同じ結果を受け取る。
func (s *Store) EnsureSchema(ctx context.Context) error {
	// 共有実行は呼び出し元のキャンセルに影響されない
	base := context.WithoutCancel(ctx)
	_, err, _ := s.schema.Do("schema", func() (any, error) {
		return nil, migration.Run(base, s.db, migrationsFS, "migrations/"+s.dialect(), s.logger)
	})
	if err != nil {
		return fmt.Errorf("通知スキーマの作成に失敗: %w", err)
	}
	return nil
}

// Create は通知レコードを保存し、IDと作成日時が設定されたレコードを返す。
func (s *Store) Create(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("通知レコードが不正です: %w", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.IsRead = false

	var role sql.NullString
	var recipientID sql.NullInt64
	if rc, ok := rec.Audience.Recipient(); ok {
		role = sql.NullString{String: string(rc.Role), Valid: true}
		recipientID = sql.NullInt64{Int64: rc.ID, Valid: true}
	}
	var related sql.NullInt64
	if rec.RelatedID != nil {
		related = sql.NullInt64{Int64: *rec.RelatedID, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO notifications
			(recipient_role, recipient_id, category, title, message, severity, is_read, related_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	if err := s.db.GetContext(ctx, &rec.ID, query,
		role, recipientID, string(rec.Category), rec.Title, rec.Message, string(rec.Severity),
		false, related, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return Record{}, fmt.Errorf("通知レコードの保存に失敗: %w", err)
	}
	return rec, nil
}

// ListFor は宛先から見える通知を新しい順にページ単位で返す。
// pageは1始まり。総件数と未読件数も併せて返す。
func (s *Store) ListFor(ctx context.Context, r Recipient, page, pageSize int, f Filter) (ListResult, error) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		return ListResult{}, ErrPageOutOfRange
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	conds := []string{visibleClause}
	args := []any{string(r.Role), r.ID}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.UnreadOnly {
		conds = append(conds, "is_read = ?")
		args = append(args, false)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		s.db.Rebind("SELECT COUNT(*) FROM notifications WHERE "+where), args...); err != nil {
		return ListResult{}, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}

	var rows []recordRow
	query := s.db.Rebind("SELECT " + selectColumns + " FROM notifications WHERE " + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	if err := s.db.SelectContext(ctx, &rows, query, append(args, pageSize, (page-1)*pageSize)...); err != nil {
		return ListResult{}, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	unread, err := s.UnreadCount(ctx, r)
	if err != nil {
		return ListResult{}, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return ListResult{Records: records, Total: total, UnreadCount: unread}, nil
}

// UnreadCount は宛先から見える未読件数を返す。
func (s *Store) UnreadCount(ctx context.Context, r Recipient) (int, error) {
	var n int
	query := s.db.Rebind("SELECT COUNT(*) FROM notifications WHERE " + visibleClause + " AND is_read = ?")
	if err := s.db.GetContext(ctx, &n, query, string(r.Role), r.ID, false); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return n, nil
}

// MarkRead は通知を既読にする。既読の通知に対しても成功する。
// 宛先から見えない通知はErrNotFoundになる。
func (s *Store) MarkRead(ctx context.Context, id int64, r Recipient) error {
	query := s.db.Rebind("UPDATE notifications SET is_read = ?, updated_at = ? WHERE id = ? AND " + visibleClause)
	res, err := s.db.ExecContext(ctx, query, true, time.Now().UTC(), id, string(r.Role), r.ID)
	if err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return requireAffected(res)
}

// MarkAllRead は宛先から見える未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, r Recipient) (int64, error) {
	query := s.db.Rebind("UPDATE notifications SET is_read = ?, updated_at = ? WHERE " + visibleClause + " AND is_read = ?")
	res, err := s.db.ExecContext(ctx, query, true, time.Now().UTC(), string(r.Role), r.ID, false)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Delete は通知を削除する。宛先から見えない通知はErrNotFoundになる。
func (s *Store) Delete(ctx context.Context, id int64, r Recipient) error {
	query := s.db.Rebind("DELETE FROM notifications WHERE id = ? AND " + visibleClause)
	res, err := s.db.ExecContext(ctx, query, id, string(r.Role), r.ID)
	if err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
