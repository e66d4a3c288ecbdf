package lock

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const shardCount = 64

// KeyedMutex 是进程内的分片锁表。每个 key 对应一个权重为 1 的信号量，
// 不同 key 之间互不阻塞；没有持有者和等待者的 key 会被回收。
type KeyedMutex struct {
	wait   time.Duration
	shards [shardCount]keyShard
}

type keyShard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyedMutex 创建锁表，wait 是单次获取的最长等待时间。
func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	m := &KeyedMutex{wait: wait}
	for i := range m.shards {
		m.shards[i].slots = make(map[string]*slot)
	}
	return m
}

// Acquire 实现 Locker。
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	shard := m.shard(key)
	s := shard.ref(key)

	waitCtx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()
	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		shard.unref(key, s)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			shard.unref(key, s)
		})
	}, nil
}

func (m *KeyedMutex) shard(key string) *keyShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

func (s *keyShard) ref(key string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(1)}
		s.slots[key] = sl
	}
	sl.refs++
	return sl
}

func (s *keyShard) unref(key string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
}
