package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kitciruelas/soteros-backend-sub000/pkg/middleware"
)

// Category は通知の分類。
type Category string

const (
	CategoryAlert          Category = "alert"
	CategorySafetyProtocol Category = "safety_protocol"
	CategoryWelfare        Category = "welfare"
	CategorySystem         Category = "system"
)

// Valid は既知の分類かどうかを返す。
func (c Category) Valid() bool {
	switch c {
	case CategoryAlert, CategorySafetyProtocol, CategoryWelfare, CategorySystem:
		return true
	}
	return false
}

// Severity は通知の重要度。
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityEmergency Severity = "emergency"
)

// Valid は既知の重要度かどうかを返す。
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityEmergency:
		return true
	}
	return false
}

// SeverityFromLevel はインシデントや警報の深刻度（low / medium / high / critical）を
// 通知の重要度に変換する。未知の値はinfoとして扱う。
func SeverityFromLevel(level string) Severity {
	switch strings.ToLower(level) {
	case "high", "critical", "emergency", "severe":
		return SeverityEmergency
	case "medium", "moderate", "warning":
		return SeverityWarning
	}
	return SeverityInfo
}

// Recipient は通知の宛先となる主体。
type Recipient struct {
	Role middleware.Role
	ID   int64
}

// RecipientOf はIdentityから宛先を得る。
func RecipientOf(id middleware.Identity) Recipient {
	return Recipient{Role: id.Role, ID: id.ID}
}

// Audience は通知レコードの宛先。ゼロ値は全員宛て。
type Audience struct {
	recipient *Recipient
}

// Broadcast は全員宛ての宛先を返す。
func Broadcast() Audience { return Audience{} }

// ToRecipient は特定の主体宛ての宛先を返す。
func ToRecipient(role middleware.Role, id int64) Audience {
	return Audience{recipient: &Recipient{Role: role, ID: id}}
}

// IsBroadcast は全員宛てかどうかを返す。
func (a Audience) IsBroadcast() bool { return a.recipient == nil }

// Recipient は特定の主体宛ての場合にその宛先を返す。
func (a Audience) Recipient() (Recipient, bool) {
	if a.recipient == nil {
		return Recipient{}, false
	}
	return *a.recipient, true
}

// VisibleTo は宛先がその主体から見えるかどうかを返す。
func (a Audience) VisibleTo(r Recipient) bool {
	return a.recipient == nil || *a.recipient == r
}

// Record は永続化された通知。
type Record struct {
	ID        int64
	Audience  Audience
	Category  Category
	Title     string
	Message   string
	Severity  Severity
	IsRead    bool
	RelatedID *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate は作成前のレコードを検証する。
func (r Record) Validate() error {
	var errs []error
	if !r.Category.Valid() {
		errs = append(errs, fmt.Errorf("分類が不正です: %q", r.Category))
	}
	if !r.Severity.Valid() {
		errs = append(errs, fmt.Errorf("重要度が不正です: %q", r.Severity))
	}
	if strings.TrimSpace(r.Title) == "" {
		errs = append(errs, errors.New("タイトルが空です"))
	}
	if rc, ok := r.Audience.Recipient(); ok && !rc.Role.Valid() {
		errs = append(errs, fmt.Errorf("宛先の役割が不正です: %q", rc.Role))
	}
	return errors.Join(errs...)
}

// Filter は一覧取得の絞り込み条件。ゼロ値は絞り込みなし。
type Filter struct {
	Category   Category
	Severity   Severity
	UnreadOnly bool
	// Since が非ゼロの場合、その時刻以降に作成されたものに限定する。
	Since time.Time
}

// ListResult は一覧取得の結果。
type ListResult struct {
	Records []Record
	// Total は絞り込み後の総件数。
	Total int
	// UnreadCount は宛先から見える未読件数（絞り込み条件に依らない）。
	UnreadCount int
}
