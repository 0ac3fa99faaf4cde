// Package notification は通知サービスの内部実装を提供する。
//
// 業務イベント（インシデント報告、安否報告、警報、安全手順の公開）を受け取り、
// 接続中のクライアントへのライブ配信と通知レコードの永続化を行う。
// 永続化はバックグラウンドで行い、失敗しても発行元の処理は失敗させない。
// 通知の一覧取得、未読件数、既読管理、削除のAPIも提供する。
//
// 各主体が参照できるのは、自分宛ての通知と全員宛ての通知のみ。
// 見えない通知への操作は権限エラーではなく404として扱う。
package notification
