package main

import (
	"sync"

	"github.com/brensch/deepsearch/executor/kvcache"
)

// strategyRouter hands context registrations from the shared inference
// backend to the strategy of the batch that owns the session.
type strategyRouter struct {
	mu        sync.RWMutex
	bySession map[string]*kvcache.Strategy
}

func newStrategyRouter() *strategyRouter {
	return &strategyRouter{bySession: make(map[string]*kvcache.Strategy)}
}

func (r *strategyRouter) add(session string, s *kvcache.Strategy) {
	r.mu.Lock()
	r.bySession[session] = s
	r.mu.Unlock()
}

func (r *strategyRouter) remove(session string) {
	r.mu.Lock()
	delete(r.bySession, session)
	r.mu.Unlock()
}

func (r *strategyRouter) Register(session string, contextID []int32) {
	r.mu.RLock()
	s := r.bySession[session]
	r.mu.RUnlock()
	if s != nil {
		s.Register(session, contextID)
	}
}
