package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"
)

const (
	lockRoot      = "/distributed_locks" // 所有分布式锁的根节点
	createRetries = 3
)

// zkConn 是 ZookeeperLocker 用到的 *zk.Conn 方法。
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// ZookeeperLocker 使用临时顺序节点实现公平锁：序号最小者持有锁，其余节点只监听前一个节点。
// 每个 key 的父节点在最后一个持有者释放后删除。
type ZookeeperLocker struct {
	conn zkConn
	root string
	wait time.Duration
}

// NewZookeeperLocker 创建锁并确保根节点存在。
func NewZookeeperLocker(conn zkConn, wait time.Duration) (*ZookeeperLocker, error) {
	if err := ensurePath(conn, lockRoot); err != nil {
		return nil, err
	}
	return &ZookeeperLocker{conn: conn, root: lockRoot, wait: wait}, nil
}

// Acquire 实现 Locker。
func (l *ZookeeperLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockPath := l.root + "/" + strings.ReplaceAll(key, "/", "_")

	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.createNode(lockPath)
	if err != nil {
		return nil, err
	}
	release := func() { l.deleteNode(lockPath, nodePath) }

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	for {
		// 2. 判断自己是否是最小的节点
		children, _, err := l.conn.Children(lockPath)
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to get children nodes: %w", err)
		}
		sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

		myNodeName := strings.TrimPrefix(nodePath, lockPath+"/")
		myIndex := -1
		for i, child := range children {
			if child == myNodeName {
				myIndex = i
				break
			}
		}
		if myIndex < 0 {
			release()
			return nil, errors.New("cannot find own lock node, session may have expired")
		}
		if myIndex == 0 {
			return release, nil
		}

		// 3. 不是最小节点，监听前一个节点
		exists, _, eventChan, err := l.conn.ExistsW(lockPath + "/" + children[myIndex-1])
		if err != nil {
			release()
			return nil, fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
		case <-timer.C:
			release()
			return nil, ErrTimeout
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
}

// createNode 创建顺序节点。父节点可能刚被上一个持有者删除，此时重建后重试。
func (l *ZookeeperLocker) createNode(lockPath string) (string, error) {
	var err error
	for i := 0; i < createRetries; i++ {
		if err = ensurePath(l.conn, lockPath); err != nil {
			return "", err
		}
		var nodePath string
		nodePath, err = l.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
		if err == nil {
			return nodePath, nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			break
		}
	}
	return "", fmt.Errorf("failed to create sequential node: %w", err)
}

func (l *ZookeeperLocker) deleteNode(lockPath, nodePath string) {
	if err := l.conn.Delete(nodePath, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		log.Error().Err(err).Str("node", nodePath).Msg("failed to delete zookeeper lock node")
		return
	}
	// 还有等待者时父节点非空，删除会失败，由最后一个释放者清理
	err := l.conn.Delete(lockPath, -1)
	if err != nil && !errors.Is(err, zk.ErrNotEmpty) && !errors.Is(err, zk.ErrNoNode) {
		log.Warn().Err(err).Str("path", lockPath).Msg("failed to delete zookeeper lock path")
	}
}

func ensurePath(conn zkConn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check zookeeper path %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create zookeeper path %s: %w", path, err)
	}
	return nil
}

// sequence 取出顺序节点名末尾的 10 位序号。受保护节点带有 GUID 前缀，不能直接按名字排序。
func sequence(name string) string {
	if len(name) < 10 {
		return name
	}
	return name[len(name)-10:]
}
