// Package lock 提供按 key 独占的锁原语。所有实现都必须在有限时间内放弃等待。
package lock

import (
	"context"
	"errors"
)

// ErrTimeout 表示在等待时限内没有拿到锁。
var ErrTimeout = errors.New("lock: timed out waiting for key")

// Locker 按 key 获取独占访问。Acquire 成功后必须调用返回的 release，且只调用一次。
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
