package server

import (
	"context"
	"errors"
	"sync"

	"realmnet/pipeline"
)

// ErrHubClosed CloseAll 之后不再接受新连接
var ErrHubClosed = errors.New("hub closed")

// Hub 管理在线连接的生命周期
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*pipeline.Conn
	wg      sync.WaitGroup
	closing bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*pipeline.Conn)}
}

// Register 登记连接；成功时必须与 Unregister 成对调用
func (h *Hub) Register(c *pipeline.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return ErrHubClosed
	}
	h.conns[c.ID()] = c
	h.wg.Add(1)
	return nil
}

func (h *Hub) Unregister(c *pipeline.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID()]; ok {
		delete(h.conns, c.ID())
		h.wg.Done()
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll 关闭全部连接，并等待它们完成拆除（包括下线持久化）
func (h *Hub) CloseAll(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for _, c := range h.conns {
		c.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
