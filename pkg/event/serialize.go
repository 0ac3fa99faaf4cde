package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// New はビジネスエンベロープを生成する。
// dataはJSON形式にシリアライズされる。nilの場合dataフィールドは省略される。
func New(eventType Type, data any) (*Envelope, error) {
	env := &Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
	if data == nil {
		return env, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("エンベロープデータのシリアライズに失敗: %w", err)
	}
	env.Data = raw
	return env, nil
}

// Connected はハンドシェイク成功時に送るconnectionエンベロープを生成する。
func Connected(role string) *Envelope {
	return &Envelope{
		Type:      TypeConnection,
		Status:    StatusConnected,
		Role:      role,
		Timestamp: time.Now().UTC(),
	}
}

// Pong はpingへの応答エンベロープを生成する。
func Pong() *Envelope {
	return &Envelope{Type: TypePong, Timestamp: time.Now().UTC()}
}

// Marshal はエンベロープをワイヤ形式にシリアライズする。
func Marshal(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("エンベロープのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Unmarshal はワイヤ形式のエンベロープをデシリアライズする。
func Unmarshal(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("エンベロープのデシリアライズに失敗: %w", err)
	}
	return &env, nil
}

// ParseClientMessage はクライアントからの制御メッセージを解析する。
func ParseClientMessage(b []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("制御メッセージの解析に失敗: %w", err)
	}
	return msg, nil
}

// DecodeData はエンベロープのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Envelope) (*T, error) {
	var data T
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("エンベロープにデータがありません: type=%s", e.Type)
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("エンベロープデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
