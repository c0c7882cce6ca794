package guard

import (
	"sync"
	"time"
)

// breakerState 是单个智能体的熔断状态。
// closed → 连续失败达到阈值 → open(冷却) → half-open(放行一次试探)
// → closed（试探成功）或再次 open（试探失败）。
type breakerState struct {
	consecutiveFailures int
	openedUntil         time.Time
	// trialUntil 是在途试探的租约期限。持有方既不回报结果也不归还
	// 名额时，租约到期后放行下一次试探，智能体不会被永久封锁。
	trialUntil time.Time
}

// BreakerSet 按智能体维护熔断器。状态由 RecordSuccess/RecordFailure
// 从外部驱动：授权检查只读状态，执行结果负责推进状态机。
type BreakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	states    map[string]*breakerState
}

// NewBreakerSet 创建熔断器集合。
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		states:    make(map[string]*breakerState),
	}
}

// Allow 判断智能体当前是否可以执行。open 状态一律拒绝；冷却结束后
// 进入 half-open，同一时刻只放行一次试探，试探租约到期前的其他请求
// 继续拒绝。
func (b *BreakerSet) Allow(agentID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[agentID]
	if !ok || state.consecutiveFailures < b.threshold {
		return true
	}
	if now.Before(state.openedUntil) {
		return false
	}
	if now.Before(state.trialUntil) {
		return false
	}
	state.trialUntil = now.Add(b.cooldown)
	return true
}

// ReleaseTrial 归还未产生执行结果的试探名额。授权在熔断层之后被
// 拒绝、或放行后没有走到真正执行时调用，让下一次请求可以立即试探。
func (b *BreakerSet) ReleaseTrial(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.states[agentID]; ok {
		state.trialUntil = time.Time{}
	}
}

// RecordSuccess 关闭熔断器并清零失败计数。
func (b *BreakerSet) RecordSuccess(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[agentID]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.openedUntil = time.Time{}
	state.trialUntil = time.Time{}
}

// RecordFailure 累加连续失败。达到阈值（或 half-open 试探失败）时
// 重新进入冷却。
func (b *BreakerSet) RecordFailure(agentID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[agentID]
	if !ok {
		state = &breakerState{}
		b.states[agentID] = state
	}
	state.consecutiveFailures++
	state.trialUntil = time.Time{}
	if state.consecutiveFailures >= b.threshold {
		state.openedUntil = now.Add(b.cooldown)
	}
}

// OpenedUntil 返回智能体熔断的截止时间，零值表示未熔断。
func (b *BreakerSet) OpenedUntil(agentID string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.states[agentID]; ok {
		return state.openedUntil
	}
	return time.Time{}
}

// Reset 清空全部熔断状态，仅供测试生命周期使用。
func (b *BreakerSet) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[string]*breakerState)
}
