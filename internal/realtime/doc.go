// Package realtime はライブチャネル（WebSocket）の接続管理と配信を提供する。
//
// ハンドシェイク時にトークンを検証して得たIdentityで接続を登録し、
// 役割（admin / staff / user）または全体を対象にエンベロープを配信する。
// 配信はベストエフォートで、送信に失敗した接続はその場で登録解除される。
//
// エンドポイント:
//
//	GET /ws?token=<jwt>
//
// 認証に失敗した場合はクローズコード4001で切断し、接続は登録しない。
// 認証に成功した場合は最初に connection エンベロープを1回だけ送信する。
package realtime
