package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// payloadField stream 訊息中存放序列化資料的欄位
const payloadField = "data"

// Keyspace 為同一個部署中的所有 Redis 鍵加上共同前綴
type Keyspace string

// Key 以冒號連接前綴與各段名稱
func (k Keyspace) Key(parts ...string) string {
	if k == "" {
		return strings.Join(parts, ":")
	}
	return string(k) + ":" + strings.Join(parts, ":")
}

// DeadLetterStream 處理失敗的訊息被移動到的 stream
func DeadLetterStream(stream string) string {
	return stream + ":dead-letter"
}

// EncodePayload 以 msgpack 序列化後再 base64 編碼，結果可以直接作為 stream 欄位或 Lua 參數
func EncodePayload[T any](data T) (string, error) {
	// 檢查是否為指標類型
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return "", ErrPointerType
	}
	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("msgpack marshal error: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

// DefaultParseToMessage 將struct轉換為stream訊息
func DefaultParseToMessage[T any](data T) (map[string]any, error) {
	encoded, err := EncodePayload(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		payloadField: encoded,
	}, nil
}

// DefaultParseFromMessage 將stream訊息轉換為struct
func DefaultParseFromMessage[T any](message map[string]any) (T, error) {
	var result T

	// 檢查是否為指標類型
	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	if len(message) == 0 {
		return result, nil
	}

	encoded, ok := message[payloadField].(string)
	if !ok {
		return result, fmt.Errorf("%s field not found or invalid type", payloadField)
	}

	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}
