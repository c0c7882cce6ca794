// Package retry 实现失败支付的恢复重试：指数退避、封顶延迟、
// 按条目汇总结果。批量迭代过程中任何单条目的异常都不会中断整批。
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/avast/retry-go/v5"
)

// Config 描述一轮恢复重试的参数。
type Config struct {
	MaxAttempts       uint
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
}

// DelayForAttempt 返回第 attempt 次失败后的等待时长（attempt 从 1 起）。
// 计算式为 initial × multiplier^(attempt-1)，并以 MaxDelay 封顶。
func DelayForAttempt(cfg Config, attempt uint) time.Duration {
	cfg.applyDefaults()
	if attempt == 0 {
		attempt = 1
	}
	scaled := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if scaled >= float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(scaled)
}

// Result 是单个条目的重试结果。
type Result[T any] struct {
	Item     T
	Attempts uint
	Err      error
}

// Report 汇总一轮恢复重试。StillFailed 中的条目已耗尽全部尝试，
// 不会再被本管理器触碰。
type Report[T any] struct {
	Results      []Result[T]
	SuccessCount int
	FailureCount int
	StillFailed  []T
}

// Executor 执行单个条目的一次尝试。
type Executor[T any] func(ctx context.Context, item T) error

// Run 对每个条目独立执行"尝试-退避-再尝试"，直到成功或耗尽
// MaxAttempts。执行器 panic 会被捕获并转换为该条目的失败结果，
// 绝不向迭代整批的调用方抛出。
func Run[T any](ctx context.Context, items []T, executor Executor[T], cfg Config) Report[T] {
	cfg.applyDefaults()

	report := Report[T]{Results: make([]Result[T], 0, len(items))}
	for _, item := range items {
		item := item
		var attempts uint

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(cfg.MaxAttempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// n 是已失败的次数，从 0 起。
				return DelayForAttempt(cfg, n+1)
			}),
		)
		err := r.Do(func() error {
			attempts++
			return runGuarded(ctx, executor, item)
		})

		result := Result[T]{Item: item, Attempts: attempts, Err: err}
		report.Results = append(report.Results, result)
		if err == nil {
			report.SuccessCount++
		} else {
			report.FailureCount++
			report.StillFailed = append(report.StillFailed, item)
		}
	}
	return report
}

// runGuarded 把执行器的 panic 转换为普通错误。
func runGuarded[T any](ctx context.Context, executor Executor[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("执行器 panic: %v", r)
		}
	}()
	return executor(ctx, item)
}
