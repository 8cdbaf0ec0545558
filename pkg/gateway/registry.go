package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reasonReplaced = "replaced by a new connection"
	leaveWait      = 2 * time.Second
)

// tenancy 会话对某个设备 ID 的占用，下线通知完成后 released 关闭
type tenancy struct {
	session  *Session
	leaving  bool
	released chan struct{}
	once     sync.Once
}

func (t *tenancy) release() {
	t.once.Do(func() { close(t.released) })
}

// Registry 设备 ID 到会话的映射，是“谁在线”的唯一来源。
// 同一设备 ID 的上线通知总在上一个占用者的下线通知之后
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*tenancy
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*tenancy)}
}

// Register 登记会话；同一设备已有会话时关闭旧会话，并等待其下线通知完成后返回
func (r *Registry) Register(deviceID string, s *Session) {
	t := &tenancy{session: s, released: make(chan struct{})}

	r.mu.Lock()
	old := r.sessions[deviceID]
	r.sessions[deviceID] = t
	s.holdTenancy(deviceID, t)
	r.mu.Unlock()

	if old == nil {
		return
	}
	if old.session == s {
		old.release()
		return
	}
	if !old.leaving {
		old.session.closeWith(websocket.CloseNormalClosure, reasonReplaced)
		<-old.released
		return
	}
	// 两个会话互换 ID 时彼此等待，限时避免死锁
	select {
	case <-old.released:
	case <-time.After(leaveWait):
	}
}

// leave 标记 s 正在让出 deviceID，后来者只等待不关闭 s
func (r *Registry) leave(deviceID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.sessions[deviceID]; t != nil && t.session == s {
		t.leaving = true
	}
}

// Unregister 释放 s 对 deviceID 的占用，映射仍指向 s 时删除
func (r *Registry) Unregister(deviceID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	if t := r.sessions[deviceID]; t != nil && t.session == s {
		delete(r.sessions, deviceID)
		removed = true
	}
	if t := s.dropTenancy(deviceID); t != nil {
		t.release()
	}
	return removed
}

// unregisterAll 释放 s 持有的全部占用
func (r *Registry) unregisterAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for deviceID, t := range s.dropTenancies() {
		if r.sessions[deviceID] == t {
			delete(r.sessions, deviceID)
		}
		t.release()
	}
}

func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.sessions[deviceID]
	if !ok {
		return nil, false
	}
	return t.session, true
}

// DeviceIDs 当前在线设备（已排序）
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear 清空映射，返回被移除的会话
func (r *Registry) Clear() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for id, t := range r.sessions {
		out = append(out, t.session)
		delete(r.sessions, id)
	}
	return out
}
