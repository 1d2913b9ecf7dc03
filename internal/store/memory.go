package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chimebot/internal/notify"
)

// Memory is the in-memory backend. It exists for tests and for runs where
// losing state on restart is acceptable; semantics mirror the sqlite driver.
type Memory struct {
	mu sync.RWMutex

	notifications map[string]*notify.Notification
	// taggedMembers holds member ids in insertion order; "" is the broadcast row.
	taggedMembers map[string][]string
	received      map[string][]notify.ReceivedMessage
	spaces        map[string]notify.Space
	members       map[string]notify.Member
}

func NewMemory() *Memory {
	return &Memory{
		notifications: map[string]*notify.Notification{},
		taggedMembers: map[string][]string{},
		received:      map[string][]notify.ReceivedMessage{},
		spaces:        map[string]notify.Space{},
		members:       map[string]notify.Member{},
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) GetNotification(_ context.Context, id string) (*notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, notify.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (s *Memory) SaveNotification(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *Memory) DeleteNotification(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notifications, n.ID)
	return nil
}

func (s *Memory) ListNotifications(_ context.Context) ([]*notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*notify.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) FindReminderByThread(_ context.Context, threadID string) (*notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notifications {
		if n.Type == notify.TypeReminder && n.ThreadID == threadID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Memory) ListTaggedMembers(_ context.Context, notificationID string) ([]notify.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.taggedMembers[notificationID]
	out := make([]notify.Member, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			out = append(out, notify.AllMember)
			continue
		}
		out = append(out, s.members[id])
	}
	return out, nil
}

func (s *Memory) AddTaggedMember(_ context.Context, notificationID string, member *notify.Member) error {
	memberID := ""
	if member != nil {
		memberID = member.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.taggedMembers[notificationID] {
		if id == memberID {
			return nil
		}
	}
	s.taggedMembers[notificationID] = append(s.taggedMembers[notificationID], memberID)
	return nil
}

func (s *Memory) DeleteTaggedMember(_ context.Context, notificationID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.taggedMembers[notificationID]
	for i, id := range ids {
		if id == memberID {
			s.taggedMembers[notificationID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Memory) DeleteTaggedMembers(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.taggedMembers, notificationID)
	return nil
}

func (s *Memory) ListReceivedMessages(_ context.Context, n *notify.Notification) ([]notify.ReceivedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.ReceivedMessage
	for _, m := range s.received[n.ID] {
		if n.FromTime != "" && n.ToTime != "" {
			clock := notify.LocalClock(m.At)
			if clock < n.FromTime || clock > n.ToTime {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *Memory) AddReceivedMessage(_ context.Context, m notify.ReceivedMessage) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[m.NotificationID] = append(s.received[m.NotificationID], m)
	return nil
}

func (s *Memory) DeleteReceivedMessages(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.received, notificationID)
	return nil
}

func (s *Memory) FindMemberByName(_ context.Context, name string) (*notify.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.Name == name {
			cp := m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("member %s: %w", name, notify.ErrNotFound)
}

func (s *Memory) FindMemberByEmail(_ context.Context, email string) (*notify.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.Email == email {
			cp := m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("member %s: %w", email, notify.ErrNotFound)
}

func (s *Memory) FindSpaceByID(_ context.Context, id string) (*notify.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[id]
	if !ok {
		return nil, fmt.Errorf("space %s: %w", id, notify.ErrNotFound)
	}
	cp := sp
	return &cp, nil
}

func (s *Memory) UpsertSpace(_ context.Context, sp notify.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces[sp.ID] = sp
	return nil
}

func (s *Memory) UpsertMember(_ context.Context, m notify.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
	return nil
}
