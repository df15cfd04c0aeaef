package notify

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Sessions 成员的活跃连接。一个成员可以同时有多个会话，订单更新发给每一个
type Sessions struct {
	mu       sync.RWMutex
	byMember map[uint64]map[string]struct{}
	owner    map[string]uint64
}

func NewSessions() *Sessions {
	return &Sessions{
		byMember: make(map[uint64]map[string]struct{}),
		owner:    make(map[string]uint64),
	}
}

// Open 返回新会话 id
func (s *Sessions) Open(memberID uint64) string {
	id := uuid.NewString()
	s.mu.Lock()
	set := s.byMember[memberID]
	if set == nil {
		set = make(map[string]struct{}, 2)
		s.byMember[memberID] = set
	}
	set[id] = struct{}{}
	s.owner[id] = memberID
	s.mu.Unlock()
	return id
}

func (s *Sessions) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.owner[id]
	if !ok {
		return
	}
	delete(s.owner, id)
	if set := s.byMember[m]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byMember, m)
		}
	}
}

func (s *Sessions) Of(memberID uint64) []string {
	s.mu.RLock()
	set := s.byMember[memberID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SessionTopic 订单更新的私有频道
func SessionTopic(sessionID string) string { return sessionID + "@" + orderUpdateChannel }
