package guard

import (
	"sync"
	"time"
)

// RateWindowSet 按智能体维护滑动窗口内的执行时间戳。
// 这是一个显式注入的状态对象而不是包级变量，生命周期由构造方控制。
type RateWindowSet struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
}

// NewRateWindowSet 创建窗口长度为 window 的集合。
func NewRateWindowSet(window time.Duration) *RateWindowSet {
	if window <= 0 {
		window = time.Minute
	}
	return &RateWindowSet{window: window, events: make(map[string][]time.Time)}
}

// Count 返回窗口内的事件数，顺带把过期时间戳裁剪掉。
func (r *RateWindowSet) Count(agentID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := r.pruneLocked(agentID, now)
	return len(pruned)
}

// Record 记录一次执行事件。
func (r *RateWindowSet) Record(agentID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := r.pruneLocked(agentID, now)
	r.events[agentID] = append(pruned, now)
}

// Reset 清空全部窗口，仅供测试生命周期使用。
func (r *RateWindowSet) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = make(map[string][]time.Time)
}

func (r *RateWindowSet) pruneLocked(agentID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	events := r.events[agentID]
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(r.events, agentID)
		return nil
	}
	r.events[agentID] = kept
	return kept
}
