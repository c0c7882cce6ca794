// Package idempotency 实现幂等键防线：同一幂等键的重复请求返回
// 首次请求的结果，而不会触发第二次支付。
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 是幂等记录的生命周期状态。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultTTL 是幂等记录的默认保留时长。窗口过后同一键被视为新请求。
const DefaultTTL = 24 * time.Hour

// 错误码注册。
const (
	CodeConflict xerrors.Code = "IDEMPOTENCY_CONFLICT"
	CodeStorage  xerrors.Code = "IDEMPOTENCY_STORAGE_FAILURE"
)

func init() {
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:   "idempotency key reused with a different request body",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStorage, xerrors.Attributes{
		Message:   "idempotency store failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// ErrConflict 表示同一幂等键携带了不同的请求体。
var ErrConflict = errors.New("幂等键冲突：请求体与首次请求不一致")

// ErrNotFound 表示幂等记录不存在或已过期。
var ErrNotFound = errors.New("幂等记录不存在")

// Record 是一条幂等记录。Response 保存首次请求的序列化结果，
// 重复请求直接回放。
type Record struct {
	Key         string    `json:"key"`
	RequestHash string    `json:"request_hash"`
	Status      Status    `json:"status"`
	Response    []byte    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HashBody 计算请求体的 SHA-256 摘要，用于识别"同键不同体"的滥用。
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Store 是幂等记录的持久化端口。
// Begin 必须原子地"不存在则创建"：created 为 true 表示本次请求
// 抢到了首次执行权，false 表示返回的是已有记录。
type Store interface {
	Begin(ctx context.Context, key, requestHash string, ttl time.Duration) (rec *Record, created bool, err error)
	Update(ctx context.Context, rec *Record) error
	Get(ctx context.Context, key string) (*Record, error)
	Close() error
}

// Outcome 是一次幂等检查的结论。
type Outcome struct {
	// Fresh 为 true 表示这是首次请求，调用方应继续执行。
	Fresh bool
	// Existing 在重复请求时携带首次请求的记录。
	Existing *Record
}

// Manager 把 Store 包装成面向调用方的幂等防线。
type Manager struct {
	store Store
	ttl   time.Duration
}

// NewManager 构造 Manager。ttl 为零时使用 DefaultTTL。
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}
}

// Check 对请求做幂等检查。
// 首次请求写入 processing 记录并返回 Fresh；重复请求返回已有记录；
// 同键不同体返回 ErrConflict。
func (m *Manager) Check(ctx context.Context, key string, body []byte) (Outcome, error) {
	hash := HashBody(body)
	rec, created, err := m.store.Begin(ctx, key, hash, m.ttl)
	if err != nil {
		return Outcome{}, xerrors.Wrap(CodeStorage, err, "写入幂等记录失败")
	}
	if created {
		return Outcome{Fresh: true}, nil
	}
	if rec.RequestHash != hash {
		return Outcome{}, xerrors.Wrap(CodeConflict, ErrConflict, "")
	}
	return Outcome{Existing: rec}, nil
}

// Complete 把幂等记录标记为完成并保存响应，供后续重复请求回放。
func (m *Manager) Complete(ctx context.Context, key string, response []byte) error {
	return m.finish(ctx, key, StatusCompleted, response)
}

// Fail 把幂等记录标记为失败。失败结果同样会被回放，调用方若希望
// 允许重试，应换一个幂等键重新提交。
func (m *Manager) Fail(ctx context.Context, key string, response []byte) error {
	return m.finish(ctx, key, StatusFailed, response)
}

func (m *Manager) finish(ctx context.Context, key string, status Status, response []byte) error {
	rec, err := m.store.Get(ctx, key)
	if err != nil {
		return xerrors.Wrap(CodeStorage, err, "读取幂等记录失败")
	}
	rec.Status = status
	rec.Response = response
	if err := m.store.Update(ctx, rec); err != nil {
		return xerrors.Wrap(CodeStorage, err, "更新幂等记录失败")
	}
	return nil
}
