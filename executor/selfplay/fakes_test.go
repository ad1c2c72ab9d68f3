package selfplay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/brensch/deepsearch/executor/mcts"
)

type intTokenizer struct{}

func (intTokenizer) Decode(tokens []int32) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = fmt.Sprint(t)
	}
	return strings.Join(parts, " ")
}

// lengthStop ends a sequence once it reaches terminalLen tokens.
type lengthStop struct {
	terminalLen int
	value       float32
	hasValue    bool
	threshold   float32

	terminate map[string]bool
	cache     map[string][]mcts.CachedEvaluation
	resets    int
}

func newLengthStop(terminalLen int) *lengthStop {
	return &lengthStop{
		terminalLen: terminalLen,
		value:       1,
		hasValue:    true,
		threshold:   1,
		terminate:   map[string]bool{},
		cache:       map[string][]mcts.CachedEvaluation{},
	}
}

func (s *lengthStop) Reset() { s.resets++ }

func (s *lengthStop) Evaluate(text string, dataID string, depth int, tokens []int32) (mcts.Evaluation, error) {
	if len(tokens) < s.terminalLen {
		return mcts.Evaluation{}, nil
	}
	return mcts.Evaluation{Value: s.value, HasValue: s.hasValue, Terminal: true, EndsCleanly: true}, nil
}

func (s *lengthStop) Terminated(dataID string) bool { return s.terminate[dataID] }

func (s *lengthStop) MaxValue(dataID string) (float32, bool) { return 0, false }

func (s *lengthStop) EvaluationCache(dataID string) ([]mcts.CachedEvaluation, bool) {
	e, ok := s.cache[dataID]
	return e, ok
}

func (s *lengthStop) Threshold() float32 { return s.threshold }

// fanOracle offers width single-token actions everywhere.
type fanOracle struct {
	width    int
	value    float32
	onCall   func(n int)
	calls    int
	contexts map[mcts.ContextKey]int
}

func (o *fanOracle) InferBatch(ctx context.Context, req mcts.InferRequest) (mcts.InferResponse, error) {
	o.calls++
	if o.onCall != nil {
		o.onCall(o.calls)
	}
	if o.contexts == nil {
		o.contexts = map[mcts.ContextKey]int{}
	}
	resp := mcts.InferResponse{HasValue: true}
	for _, c := range req.ContextIDs {
		o.contexts[mcts.KeyOf(c)]++
		actions := make([]mcts.Action, o.width)
		policy := make([]float32, o.width)
		for j := range actions {
			actions[j] = mcts.Action{int32(10 + j)}
			policy[j] = 1 / float32(o.width)
		}
		resp.Actions = append(resp.Actions, actions)
		resp.Policy = append(resp.Policy, policy)
		resp.Value = append(resp.Value, o.value)
	}
	return resp, nil
}

// recordingStrategy counts releases per context.
type recordingStrategy struct {
	mu       sync.Mutex
	enabled  bool
	released map[mcts.ContextKey]int
	loaded   []byte
}

func newRecordingStrategy() *recordingStrategy {
	return &recordingStrategy{enabled: true, released: map[mcts.ContextKey]int{}}
}

func (s *recordingStrategy) UseKVCache() bool { return s.enabled }

func (s *recordingStrategy) CleanUpCacheForContext(ctx context.Context, session string, contextID []int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[mcts.KeyOf(contextID)]++
	return nil
}

func (s *recordingStrategy) StateDict() ([]byte, error) { return []byte(`{"search_db":{}}`), nil }

func (s *recordingStrategy) LoadStateDict(b []byte) error {
	s.loaded = b
	return nil
}

func (s *recordingStrategy) total() int {
	n := 0
	for _, c := range s.released {
		n += c
	}
	return n
}

func newTestDriver(cfg Config, search mcts.Config, oracle mcts.Oracle, stop mcts.StopCriteria, strategy CacheStrategy) *Driver {
	m := mcts.New(search, oracle, stop, intTokenizer{}, true, rand.New(rand.NewSource(5)))
	cfg.Seed = 11
	return NewDriver(m, cfg, strategy)
}

func testSearchConfig() mcts.Config {
	cfg := mcts.DefaultConfig()
	cfg.TopK = 4
	cfg.NumSearches = 4
	return cfg
}

// noTimers disables the periodic save and the deadline.
func noTimers() Config {
	cfg := DefaultConfig()
	cfg.SaveEvery = 0
	cfg.WallTime = 0
	return cfg
}

// saveNow returns timers whose save flag is already set.
func saveNow(got **timers) func(time.Duration, time.Duration) *timers {
	return func(time.Duration, time.Duration) *timers {
		t := &timers{stop: func() {}}
		t.save.Store(true)
		*got = t
		return t
	}
}

// brokenStateStrategy fails to serialise, so every checkpoint save fails.
type brokenStateStrategy struct {
	*recordingStrategy
}

func (brokenStateStrategy) StateDict() ([]byte, error) {
	return nil, errors.New("state unavailable")
}

func expiredDeadline(time.Duration, time.Duration) *timers {
	t := &timers{stop: func() {}}
	t.exit.Store(true)
	return t
}
