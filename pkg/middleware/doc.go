// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 認証トークンの検証（Identity Verifier）、役割による認可、構造化アクセスログ、
// パニックリカバリ、CORS設定を含む。トークン検証はライブチャネルの
// ハンドシェイクからも直接呼び出される。
package middleware
