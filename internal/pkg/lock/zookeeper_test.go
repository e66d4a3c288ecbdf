package lock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceOrdersProtectedNodes(t *testing.T) {
	children := []string{
		"_c_9f1e-lock-0000000012",
		"_c_02ab-lock-0000000003",
		"_c_ffff-lock-0000000010",
	}
	sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

	assert.Equal(t, []string{
		"_c_02ab-lock-0000000003",
		"_c_ffff-lock-0000000010",
		"_c_9f1e-lock-0000000012",
	}, children)
	assert.Equal(t, "short", sequence("short"))
}

// memZK 是进程内的 znode 树，只实现锁用到的操作。
type memZK struct {
	mu      sync.Mutex
	nodes   map[string]bool
	watches map[string][]chan zk.Event
	seq     int

	// beforeCreate 在创建顺序节点前调用一次，用来模拟父节点被并发删除
	beforeCreate func(m *memZK)
}

func newMemZK() *memZK {
	return &memZK{nodes: map[string]bool{}, watches: map[string][]chan zk.Event{}}
}

func parentOf(p string) string {
	return p[:strings.LastIndex(p, "/")]
}

func (m *memZK) Exists(p string) (bool, *zk.Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[p], nil, nil
}

func (m *memZK) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan zk.Event, 1)
	m.watches[p] = append(m.watches[p], ch)
	return m.nodes[p], nil, ch, nil
}

func (m *memZK) Create(p string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[p] {
		return "", zk.ErrNodeExists
	}
	if parent := parentOf(p); parent != "" && !m.nodes[parent] {
		return "", zk.ErrNoNode
	}
	m.nodes[p] = true
	return p, nil
}

func (m *memZK) CreateProtectedEphemeralSequential(p string, _ []byte, _ []zk.ACL) (string, error) {
	if hook := m.beforeCreate; hook != nil {
		m.beforeCreate = nil
		hook(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := parentOf(p)
	if !m.nodes[parent] {
		return "", zk.ErrNoNode
	}
	m.seq++
	node := fmt.Sprintf("%s/_c_%032x-%s%010d", parent, m.seq, p[len(parent)+1:], m.seq)
	m.nodes[node] = true
	return node, nil
}

func (m *memZK) Children(p string) ([]string, *zk.Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childrenLocked(p), nil, nil
}

func (m *memZK) childrenLocked(p string) []string {
	var out []string
	for n := range m.nodes {
		if parentOf(n) == p {
			out = append(out, n[len(p)+1:])
		}
	}
	return out
}

func (m *memZK) Delete(p string, _ int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.nodes[p] {
		return zk.ErrNoNode
	}
	if len(m.childrenLocked(p)) > 0 {
		return zk.ErrNotEmpty
	}
	delete(m.nodes, p)
	for _, ch := range m.watches[p] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: p}
	}
	delete(m.watches, p)
	return nil
}

func (m *memZK) has(p string) bool {
	ok, _, _ := m.Exists(p)
	return ok
}

func TestZookeeperLocker_ReleaseRemovesKeyPath(t *testing.T) {
	conn := newMemZK()
	l, err := NewZookeeperLocker(conn, time.Second)
	require.NoError(t, err)

	release, err := l.Acquire(context.Background(), "reservation:r-1")
	require.NoError(t, err)
	assert.True(t, conn.has(lockRoot+"/reservation:r-1"))

	release()
	assert.False(t, conn.has(lockRoot+"/reservation:r-1"))
	assert.True(t, conn.has(lockRoot))

	// 父节点删除后同一个 key 仍然可以再次加锁
	release, err = l.Acquire(context.Background(), "reservation:r-1")
	require.NoError(t, err)
	release()
	assert.False(t, conn.has(lockRoot+"/reservation:r-1"))
}

func TestZookeeperLocker_WaiterKeepsKeyPathAndGetsLock(t *testing.T) {
	conn := newMemZK()
	l, err := NewZookeeperLocker(conn, time.Second)
	require.NoError(t, err)

	first, err := l.Acquire(context.Background(), "inventory:SKU-1")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		release, err := l.Acquire(context.Background(), "inventory:SKU-1")
		if err == nil {
			acquired <- release
		}
	}()

	require.Eventually(t, func() bool {
		children, _, _ := conn.Children(lockRoot + "/inventory:SKU-1")
		return len(children) == 2
	}, time.Second, time.Millisecond)

	first()
	assert.True(t, conn.has(lockRoot+"/inventory:SKU-1"))

	select {
	case second := <-acquired:
		second()
	case <-time.After(time.Second):
		t.Fatal("waiter did not get the lock")
	}
	assert.False(t, conn.has(lockRoot+"/inventory:SKU-1"))
}

func TestZookeeperLocker_TimesOut(t *testing.T) {
	conn := newMemZK()
	l, err := NewZookeeperLocker(conn, 20*time.Millisecond)
	require.NoError(t, err)

	release, err := l.Acquire(context.Background(), "inventory:SKU-1")
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), "inventory:SKU-1")
	assert.ErrorIs(t, err, ErrTimeout)

	children, _, _ := conn.Children(lockRoot + "/inventory:SKU-1")
	assert.Len(t, children, 1)
}

func TestZookeeperLocker_RecreatesPathDeletedConcurrently(t *testing.T) {
	conn := newMemZK()
	l, err := NewZookeeperLocker(conn, time.Second)
	require.NoError(t, err)

	conn.beforeCreate = func(m *memZK) {
		require.NoError(t, m.Delete(lockRoot+"/inventory:SKU-1", -1))
	}
	release, err := l.Acquire(context.Background(), "inventory:SKU-1")
	require.NoError(t, err)
	release()
}
