package service

import (
	"context"
	"sync"
	"time"

	"claude-gateway/pkg/logger"
)

// StreamConnection 单条 SSE 连接的跟踪记录
// 生命周期 OPEN -> ACTIVE* -> CLOSED，CLOSED 为终态，重复关闭是空操作
type StreamConnection struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
	cancel       context.CancelFunc
	timer        *time.Timer
}

// close 幂等关闭：取消下游、停掉超时定时器，只在首次生效
func (c *StreamConnection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true

	if c.timer != nil {
		c.timer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	return true
}

func (c *StreamConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *StreamConnection) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

func (c *StreamConnection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// StreamManager 跟踪所有在途 SSE 连接
// 三层兜底：单连接硬超时定时器、显式关闭、定期清扫
type StreamManager struct {
	conns map[string]*StreamConnection
	mu    sync.Mutex

	connectionTimeout time.Duration
	idleThreshold     time.Duration
	sweepInterval     time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewStreamManager(connectionTimeout, idleThreshold, sweepInterval time.Duration) *StreamManager {
	m := &StreamManager{
		conns:             make(map[string]*StreamConnection),
		connectionTimeout: connectionTimeout,
		idleThreshold:     idleThreshold,
		sweepInterval:     sweepInterval,
		stopCh:            make(chan struct{}),
	}

	go m.sweep()

	return m
}

// Register 登记新连接并安装硬超时定时器
// 同 ID 已有连接时先强制关闭旧的，保证一个 ID 下只有一条活动连接
func (m *StreamManager) Register(id string, cancel context.CancelFunc) *StreamConnection {
	m.mu.Lock()
	stale := m.conns[id]
	conn := &StreamConnection{
		ID:           id,
		CreatedAt:    time.Now(),
		lastActivity: time.Now(),
		cancel:       cancel,
	}
	m.conns[id] = conn
	m.mu.Unlock()

	if stale != nil {
		logger.Warnf("连接 ID 重复注册，强制关闭旧连接: %s", id)
		stale.close()
	}

	conn.mu.Lock()
	conn.timer = time.AfterFunc(m.connectionTimeout, func() {
		logger.Warnf("连接超时强制关闭: %s", id)
		m.Close(id)
	})
	conn.mu.Unlock()

	return conn
}

// Activity 每转发一个分片调用一次
func (m *StreamManager) Activity(id string) {
	m.mu.Lock()
	conn := m.conns[id]
	m.mu.Unlock()

	if conn != nil {
		conn.touch()
	}
}

// Close 幂等关闭并移除，对不存在或已关闭的连接不报错
func (m *StreamManager) Close(id string) {
	m.mu.Lock()
	conn := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if conn != nil && conn.close() {
		logger.Debugf("连接已关闭: %s", id)
	}
}

func (m *StreamManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// sweep 定期清扫空闲超限的连接，兜底漏掉的关闭事件
func (m *StreamManager) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idleThreshold)

			m.mu.Lock()
			var idle []string
			for id, conn := range m.conns {
				if conn.idleSince().Before(cutoff) {
					idle = append(idle, id)
				}
			}
			m.mu.Unlock()

			for _, id := range idle {
				logger.Warnf("清扫空闲连接: %s", id)
				m.Close(id)
			}

		case <-m.stopCh:
			return
		}
	}
}

// Shutdown 停止清扫并关闭所有连接
func (m *StreamManager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}
