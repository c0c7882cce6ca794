package guard

import "sync"

// KeyedMutex 为每个 key（这里是 agent ID）维护一把独立的互斥锁，
// 把"检查-使用"序列串行化，避免两次并发授权同时读到过期的
// 额度/频率状态而双双放行。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex 创建 KeyedMutex。
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock 获取 key 对应的锁，返回解锁函数。调用方必须通过 defer 释放，
// 保证异常路径同样解锁。
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Reset 清空全部锁，仅供测试生命周期使用。
func (k *KeyedMutex) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.locks = make(map[string]*sync.Mutex)
}
