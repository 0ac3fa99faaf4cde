// Package producer は別プロセスの業務サービスから通知サービスを呼び出すクライアントを提供する。
//
// インシデント報告、安否報告、警報、安全手順の公開といった業務イベントを
// 通知サービスの内部API（/api/v1/internal）に送る。呼び出しにはadminまたはstaffの
// トークンが必要。通知サービスはライブ配信を行った時点で202を返し、
// 通知レコードの永続化はその後バックグラウンドで行われる。
package producer
