package sse_test

import (
	"io"
	"log"
	"sync"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// Message 表示一個 SSE 訊息，包含所屬頻道與資料字段。
type Message struct {
	Topic string `json:"topic"`
	Data  string `json:"data"`
}

// chanSource 以記憶體通道模擬訊息來源
type chanSource struct {
	mu      sync.Mutex
	out     chan Message
	started bool
	closed  bool
}

func newChanSource() *chanSource {
	return &chanSource{out: make(chan Message, 10)}
}

func (s *chanSource) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *chanSource) Subscribe() <-chan Message {
	return s.out
}

func (s *chanSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
