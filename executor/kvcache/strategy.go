// Package kvcache tracks which inference contexts hold server-side key/value
// cache entries and releases them when a search instance is dropped.
package kvcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/brensch/deepsearch/executor/mcts"
	"github.com/brensch/deepsearch/executor/metrics"
)

// Releaser frees the inference server's cache for one context.
type Releaser interface {
	Release(ctx context.Context, session string, contextID []int32) error
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(ctx context.Context, session string, contextID []int32) error

func (f ReleaserFunc) Release(ctx context.Context, session string, contextID []int32) error {
	return f(ctx, session, contextID)
}

// Strategy is the search DB: per session, the set of context ids that
// inference ran against. Backends call Register; the self-play driver calls
// CleanUpCacheForContext once per context when an instance is dropped.
type Strategy struct {
	useKV    bool
	releaser Releaser

	mu sync.Mutex
	db map[string]map[mcts.ContextKey]struct{}
}

// New creates a strategy. A nil releaser only updates the DB.
func New(useKV bool, releaser Releaser) *Strategy {
	return &Strategy{
		useKV:    useKV,
		releaser: releaser,
		db:       make(map[string]map[mcts.ContextKey]struct{}),
	}
}

func (s *Strategy) UseKVCache() bool { return s.useKV }

// Register records that the server holds cache for contextID.
func (s *Strategy) Register(session string, contextID []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.db[session]
	if !ok {
		ids = make(map[mcts.ContextKey]struct{})
		s.db[session] = ids
	}
	ids[mcts.KeyOf(contextID)] = struct{}{}
}

// Registered reports whether contextID is live for the session.
func (s *Strategy) Registered(session string, contextID []int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.db[session][mcts.KeyOf(contextID)]
	return ok
}

// Len is the number of live context ids across sessions.
func (s *Strategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ids := range s.db {
		n += len(ids)
	}
	return n
}

// CleanUpCacheForContext releases contextID if it is registered. Unknown ids
// are ignored: the server never cached them.
func (s *Strategy) CleanUpCacheForContext(ctx context.Context, session string, contextID []int32) error {
	key := mcts.KeyOf(contextID)

	s.mu.Lock()
	_, ok := s.db[session][key]
	if ok {
		delete(s.db[session], key)
		if len(s.db[session]) == 0 {
			delete(s.db, session)
		}
	}
	s.mu.Unlock()

	if !ok || s.releaser == nil {
		return nil
	}
	if err := s.releaser.Release(ctx, session, contextID); err != nil {
		return fmt.Errorf("release context of %d tokens: %w", len(contextID), err)
	}
	metrics.CacheReleases.Inc()
	return nil
}

type stateDict struct {
	SearchDB map[string][][]int32 `json:"search_db"`
}

// StateDict serialises the search DB.
func (s *Strategy) StateDict() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := stateDict{SearchDB: make(map[string][][]int32, len(s.db))}
	for session, ids := range s.db {
		list := make([][]int32, 0, len(ids))
		for k := range ids {
			list = append(list, k.Tokens())
		}
		sort.Slice(list, func(i, j int) bool { return mcts.KeyOf(list[i]) < mcts.KeyOf(list[j]) })
		st.SearchDB[session] = list
	}
	return json.Marshal(st)
}

// LoadStateDict replaces the search DB with a serialised one.
func (s *Strategy) LoadStateDict(b []byte) error {
	var st stateDict
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("decode search db: %w", err)
	}
	db := make(map[string]map[mcts.ContextKey]struct{}, len(st.SearchDB))
	for session, list := range st.SearchDB {
		ids := make(map[mcts.ContextKey]struct{}, len(list))
		for _, c := range list {
			ids[mcts.KeyOf(c)] = struct{}{}
		}
		db[session] = ids
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}
