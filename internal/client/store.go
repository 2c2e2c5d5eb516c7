package client

import (
	"sync"

	"socialchat/internal/model"
)

var statusRank = map[model.Status]int{
	model.StatusSending:   0,
	model.StatusSent:      1,
	model.StatusDelivered: 2,
	model.StatusRead:      3,
}

// Store is the client's view of the conversation, keyed by message id and
// kept in arrival order. Server copies of a message replace the optimistic
// local copy in place.
type Store struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]model.ChatMessage
}

func NewStore() *Store {
	return &Store{byID: make(map[string]model.ChatMessage)}
}

// AddLocal records an optimistic message that has not reached the server yet.
func (s *Store) AddLocal(msg model.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[msg.ID]; !ok {
		s.order = append(s.order, msg.ID)
	}
	s.byID[msg.ID] = msg
}

// Reconcile merges a message received from the server. A known id is updated
// in place and reported as not inserted. Own messages settle on sent, others
// on delivered; status never moves backwards.
func (s *Store) Reconcile(msg model.ChatMessage, selfID string) (model.ChatMessage, bool) {
	target := model.StatusDelivered
	if selfID != "" && msg.SenderID == selfID {
		target = model.StatusSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[msg.ID]
	if ok && existing.Status == model.StatusSending {
		target = model.StatusSent
	}
	if ok && statusRank[existing.Status] > statusRank[target] {
		target = existing.Status
	}
	msg.Status = target
	s.byID[msg.ID] = msg
	if !ok {
		s.order = append(s.order, msg.ID)
	}
	return msg, !ok
}

// Remove drops a message, used when an optimistic send could not be transmitted.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Rekey moves a local entry to the id the server assigned, keeping its place
// in display order. If the new id is already present the local entry is
// dropped instead.
func (s *Store) Rekey(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[oldID]
	if !ok || oldID == newID {
		return
	}
	delete(s.byID, oldID)
	_, taken := s.byID[newID]
	for i, v := range s.order {
		if v != oldID {
			continue
		}
		if taken {
			s.order = append(s.order[:i], s.order[i+1:]...)
		} else {
			s.order[i] = newID
		}
		break
	}
	if !taken {
		msg.ID = newID
		s.byID[newID] = msg
	}
}

func (s *Store) Get(id string) (model.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	return msg, ok
}

// Messages returns a copy in display order.
func (s *Store) Messages() []model.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChatMessage, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
