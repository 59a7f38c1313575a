// Package registrar answers whether a parachain is registered and eligible
// to take part in slot auctions.
package registrar

import (
	"sync"

	"github.com/eigerco/slotauction/internal/primitives"
)

// Registry reports whether a para exists and is biddable.
type Registry interface {
	IsBiddable(para primitives.ParaID) bool
}

// Static is an in-memory registry.
type Static struct {
	mu    sync.RWMutex
	paras map[primitives.ParaID]struct{}
}

func NewStatic(paras ...primitives.ParaID) *Static {
	s := &Static{paras: make(map[primitives.ParaID]struct{}, len(paras))}
	for _, p := range paras {
		s.paras[p] = struct{}{}
	}
	return s
}

func (s *Static) IsBiddable(para primitives.ParaID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paras[para]
	return ok
}

func (s *Static) Register(para primitives.ParaID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paras[para] = struct{}{}
}

func (s *Static) Deregister(para primitives.ParaID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paras, para)
}
