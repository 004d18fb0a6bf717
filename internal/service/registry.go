package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"claude-gateway/pkg/logger"

	"golang.org/x/sync/singleflight"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionSetup 初始化调用成功返回但解析不出 session id，属于工具/环境故障
	ErrSessionSetup = errors.New("session setup yielded no session id")
)

// SessionRecord 系统提示指纹到 CLI 会话的映射记录
// 只在创建时写入，之后仅更新 LastUsedAt
type SessionRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	CLISessionID string    `json:"cli_session_id"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// SessionRegistry 进程内会话注册表
// 同一新指纹的并发请求通过 singleflight 串行化创建，不同指纹互不阻塞
type SessionRegistry struct {
	sessions map[string]*SessionRecord
	mu       sync.RWMutex
	group    singleflight.Group

	ttl             time.Duration
	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

func NewSessionRegistry(ttl, cleanupInterval time.Duration) *SessionRegistry {
	r := &SessionRegistry{
		sessions:        make(map[string]*SessionRecord),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}

	go r.cleanupExpired()

	return r
}

func (r *SessionRegistry) Get(fingerprint string) (*SessionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.sessions[fingerprint]
	return record, exists
}

// Touch 更新 LastUsedAt，记录不存在时返回 ErrSessionNotFound
func (r *SessionRegistry) Touch(fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.sessions[fingerprint]
	if !exists {
		return ErrSessionNotFound
	}

	record.LastUsedAt = time.Now()
	return nil
}

// GetOrCreate 命中直接返回并 touch；未命中时 create 在 singleflight 下执行，
// 保证同一指纹最多一次初始化调用
func (r *SessionRegistry) GetOrCreate(ctx context.Context, fingerprint, systemPrompt string, create func(ctx context.Context) (string, error)) (*SessionRecord, error) {
	if record, ok := r.Get(fingerprint); ok {
		r.Touch(fingerprint)
		return record, nil
	}

	v, err, _ := r.group.Do(fingerprint, func() (interface{}, error) {
		// 排队期间可能已有人写入
		if record, ok := r.Get(fingerprint); ok {
			return record, nil
		}

		cliSessionID, err := create(ctx)
		if err != nil {
			return nil, err
		}

		record := &SessionRecord{
			Fingerprint:  fingerprint,
			CLISessionID: cliSessionID,
			SystemPrompt: systemPrompt,
			CreatedAt:    time.Now(),
			LastUsedAt:   time.Now(),
		}

		r.mu.Lock()
		r.sessions[fingerprint] = record
		r.mu.Unlock()

		logger.Infof("新建 CLI 会话: fingerprint=%s, session=%s", shortFingerprint(fingerprint), cliSessionID)
		return record, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*SessionRecord), nil
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// cleanupExpired 定期清理长时间未使用的会话，避免注册表无限增长
func (r *SessionRegistry) cleanupExpired() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-r.ttl)

			r.mu.Lock()
			for fp, record := range r.sessions {
				if record.LastUsedAt.Before(cutoff) {
					delete(r.sessions, fp)
					logger.Infof("清理过期会话: fingerprint=%s, session=%s", shortFingerprint(fp), record.CLISessionID)
				}
			}
			r.mu.Unlock()

		case <-r.stopCh:
			return
		}
	}
}

func (r *SessionRegistry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
