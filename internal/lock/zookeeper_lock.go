// internal/lock/zookeeper_lock.go
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
)

const (
	lockRoot   = "/distributed_locks" // 所有分布式锁的根节点
	nodePrefix = "lock-"
)

// zkConn 是 *zk.Conn 中锁需要用到的方法
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// ZookeeperLocker 基于临时顺序节点的公平锁。
// 没有 ttl，锁在持有者会话过期、临时节点被删除时才自动释放，
// 所以也不需要续期。
type ZookeeperLocker struct {
	conn zkConn
}

// ConnectZookeeper 建立 ZooKeeper 会话
func ConnectZookeeper(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect zookeeper %v: %w", servers, err)
	}
	return conn, nil
}

// NewZookeeperLocker 创建锁并确保根节点存在
func NewZookeeperLocker(conn zkConn) (*ZookeeperLocker, error) {
	l := &ZookeeperLocker{conn: conn}
	if err := l.ensure(lockRoot); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ZookeeperLocker) ensure(path string) error {
	exists, _, err := l.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("check zk node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = l.conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create zk node %s: %w", path, err)
	}
	return nil
}

func lockPath(key string) string {
	return lockRoot + "/" + strings.ReplaceAll(key, "/", "_")
}

// sequence 取节点名末尾的序号，受保护节点带有 GUID 前缀，不能直接按名字排序
func sequence(name string) string {
	if i := strings.LastIndex(name, nodePrefix); i >= 0 {
		return name[i+len(nodePrefix):]
	}
	return name
}

func (l *ZookeeperLocker) TryLock(ctx context.Context, key string, _, wait time.Duration) (*Handle, error) {
	start := time.Now()
	path := lockPath(key)
	if err := l.ensure(path); err != nil {
		metrics.LockAcquireTotal.WithLabelValues("zookeeper", "error").Inc()
		return nil, err
	}

	// 1. 在锁路径下创建一个临时顺序节点
	node, err := l.conn.CreateProtectedEphemeralSequential(path+"/"+nodePrefix, []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues("zookeeper", "error").Inc()
		return nil, fmt.Errorf("failed to create sequential node: %w", err)
	}
	myName := strings.TrimPrefix(node, path+"/")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	fail := func(result string, cause error) (*Handle, error) {
		// 放弃等待时删除自己的节点，不留下排队痕迹
		if derr := l.conn.Delete(node, -1); derr != nil && !errors.Is(derr, zk.ErrNoNode) {
			logger.Ctx(ctx).Warn().Err(derr).Str("node", node).Msg("failed to delete abandoned lock node")
		}
		metrics.LockAcquireTotal.WithLabelValues("zookeeper", result).Inc()
		return nil, cause
	}

	for {
		// 2. 获取锁路径下的所有子节点并按序号排序
		children, _, err := l.conn.Children(path)
		if err != nil {
			return fail("error", fmt.Errorf("failed to get children nodes: %w", err))
		}
		sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

		// 3. 判断自己是否是最小的节点
		idx := -1
		for i, child := range children {
			if child == myName {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fail("error", errors.New("lock node disappeared, session may have expired"))
		}
		if idx == 0 {
			metrics.LockAcquireTotal.WithLabelValues("zookeeper", "ok").Inc()
			metrics.LockWaitSeconds.WithLabelValues("zookeeper").Observe(time.Since(start).Seconds())
			return &Handle{Key: key, Token: node}, nil
		}

		// 4. 不是最小节点，监听前一个节点
		prev := path + "/" + children[idx-1]
		exists, _, eventChan, err := l.conn.ExistsW(prev)
		if err != nil {
			return fail("error", fmt.Errorf("failed to watch previous node: %w", err))
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 前一个节点有变化，重新进入循环去竞争锁
		case <-timer.C:
			logger.Ctx(ctx).Warn().Str("key", key).Dur("wait", wait).Msg("lock acquire timeout")
			return fail("timeout", ErrLockTimeout)
		case <-ctx.Done():
			return fail("error", ctx.Err())
		}
	}
}

// Unlock 释放锁
func (l *ZookeeperLocker) Unlock(ctx context.Context, h *Handle) error {
	if h == nil || h.Token == "" {
		return ErrNotOwner
	}
	if !strings.HasPrefix(h.Token, lockPath(h.Key)+"/") {
		return ErrNotOwner
	}
	err := l.conn.Delete(h.Token, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	return nil
}
