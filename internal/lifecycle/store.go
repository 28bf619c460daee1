package lifecycle

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tether-engine/internal/models"
)

// tetherEntry 单个纽带的内存态（锁 + 监控记账）
// 纽带之间互不阻塞；同一纽带上的脉冲、紧急触发、监控衰减串行化在 mu 上
type tetherEntry struct {
	mu sync.Mutex

	// pendingEscalations 非零表示有紧急触发在等待进入临界区，
	// 常规路径（脉冲、监控）在取锁后发现该值非零时让路重试
	pendingEscalations int32

	link             models.TetherLink
	deadline         time.Time // lastActivity + pulseInterval，漏脉冲检测基准
	terminated       bool
	degradedNotified bool // 本轮降级是否已通知，脉冲恢复后复位
}

// lockRoutine 常规路径取锁：有待处理的紧急触发时退避，保证紧急优先
func (e *tetherEntry) lockRoutine() {
	for {
		e.mu.Lock()
		if atomic.LoadInt32(&e.pendingEscalations) == 0 {
			return
		}
		e.mu.Unlock()
		time.Sleep(200 * time.Microsecond)
	}
}

// lockPriority 紧急路径取锁：先登记意图再取锁
func (e *tetherEntry) lockPriority() {
	atomic.AddInt32(&e.pendingEscalations, 1)
	e.mu.Lock()
}

// unlockPriority 紧急路径释放锁
func (e *tetherEntry) unlockPriority() {
	atomic.AddInt32(&e.pendingEscalations, -1)
	e.mu.Unlock()
}

// Store 纽带内存存储（引擎的权威数据，持久化是外部协作方）
// 外层 map 用读写锁保护，条目内部互斥由各自的 tetherEntry 承担
type Store struct {
	mu      sync.RWMutex
	entries map[string]*tetherEntry
}

// NewStore 创建存储
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*tetherEntry),
	}
}

func (s *Store) get(tetherID string) (*tetherEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[tetherID]
	return e, ok
}

func (s *Store) put(e *tetherEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.link.TetherID] = e
}

// ids 返回所有纽带 id 快照（含已终止，供统计）
func (s *Store) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// activeIDs 返回未终止纽带的 id 快照（监控扫描用）
func (s *Store) activeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		// terminated 标志只在条目锁内翻转，这里读到陈旧值也无妨：
		// 扫描路径在取条目锁后会再次确认
		if !e.terminated {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// registerPair 原子地完成"无序对查重 + 注册"，已有活跃纽带时返回 false
func (s *Store) registerPair(e *tetherEntry) bool {
	key := pairKey(e.link.SeekerID, e.link.SupporterID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.terminated {
			continue
		}
		if pairKey(existing.link.SeekerID, existing.link.SupporterID) == key {
			return false
		}
	}
	s.entries[e.link.TetherID] = e
	return true
}

// pairKey 无序对键
func pairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "\x00" + b
}
