// Package stopcrit is the termination oracle for math-style problems: a
// completion ends when it emits an end token or states an answer, and is
// scored against the problem's ground truth.
package stopcrit

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/brensch/deepsearch/executor/mcts"
)

type Config struct {
	// Threshold is the score at which an instance counts as solved.
	Threshold float32 `yaml:"threshold"`
	EOSIDs    []int32 `yaml:"eos_ids"`
	EndMarker string  `yaml:"end_marker"`
	// MaxTokens caps the full sequence length; 0 disables the cap.
	MaxTokens int `yaml:"max_tokens"`
}

func DefaultConfig() Config {
	return Config{Threshold: 1, EndMarker: "<extra_id_1>"}
}

type evalCache struct {
	entries []mcts.CachedEvaluation
	index   map[string]int
}

// Criteria implements mcts.StopCriteria.
type Criteria struct {
	cfg Config

	mu        sync.Mutex
	answers   map[string]string
	terminate map[string]bool
	maxValue  map[string]float32
	cache     map[string]*evalCache
}

var _ mcts.StopCriteria = (*Criteria)(nil)

// New creates criteria with ground-truth answers keyed by data id.
func New(cfg Config, answers map[string]string) *Criteria {
	c := &Criteria{cfg: cfg, answers: make(map[string]string, len(answers))}
	for id, a := range answers {
		c.answers[id] = a
	}
	c.Reset()
	return c
}

// SetAnswer records the ground truth for an instance.
func (c *Criteria) SetAnswer(dataID, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[dataID] = answer
}

// Reset clears per-run state. Ground-truth answers are kept.
func (c *Criteria) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminate = make(map[string]bool)
	c.maxValue = make(map[string]float32)
	c.cache = make(map[string]*evalCache)
}

func (c *Criteria) Threshold() float32 { return c.cfg.Threshold }

func (c *Criteria) endsCleanly(text string, tokens []int32) bool {
	if len(tokens) > 0 && lo.Contains(c.cfg.EOSIDs, tokens[len(tokens)-1]) {
		return true
	}
	return c.cfg.EndMarker != "" && strings.HasSuffix(strings.TrimSpace(text), c.cfg.EndMarker)
}

// Evaluate scores a sequence. Terminal sequences with a known ground truth
// get value 1 for a correct answer and 0 otherwise, and are cached.
func (c *Criteria) Evaluate(text string, dataID string, depth int, tokens []int32) (mcts.Evaluation, error) {
	ends := c.endsCleanly(text, tokens)
	answer, hasAnswer := ExtractAnswer(strings.TrimSuffix(strings.TrimSpace(text), c.cfg.EndMarker))
	budget := c.cfg.MaxTokens > 0 && len(tokens) >= c.cfg.MaxTokens

	ev := mcts.Evaluation{
		Terminal:    ends || hasAnswer || budget,
		EndsCleanly: ends,
		HasAnswer:   hasAnswer,
	}
	if !ev.Terminal {
		return ev, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	truth, ok := c.answers[dataID]
	if !ok {
		return ev, nil
	}
	ev.HasValue = true
	if hasAnswer && AnswersMatch(answer, truth) {
		ev.Value = 1
	}

	ec, ok := c.cache[dataID]
	if !ok {
		ec = &evalCache{index: make(map[string]int)}
		c.cache[dataID] = ec
	}
	if _, seen := ec.index[text]; !seen {
		ec.index[text] = len(ec.entries)
		ec.entries = append(ec.entries, mcts.CachedEvaluation{
			Text:   text,
			Result: ev,
			Tokens: append([]int32(nil), tokens...),
		})
	}
	if best, ok := c.maxValue[dataID]; !ok || ev.Value > best {
		c.maxValue[dataID] = ev.Value
	}
	if ev.Value >= c.cfg.Threshold {
		c.terminate[dataID] = true
	}
	return ev, nil
}

func (c *Criteria) Terminated(dataID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminate[dataID]
}

func (c *Criteria) MaxValue(dataID string) (float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.maxValue[dataID]
	return v, ok
}

// EvaluationCache returns a copy of the instance's cached evaluations in
// insertion order.
func (c *Criteria) EvaluationCache(dataID string) ([]mcts.CachedEvaluation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ec, ok := c.cache[dataID]
	if !ok {
		return nil, false
	}
	return append([]mcts.CachedEvaluation(nil), ec.entries...), true
}

type stateDict struct {
	Terminate map[string]bool                    `json:"terminate"`
	MaxValue  map[string]float32                 `json:"max_value"`
	Cache     map[string][]mcts.CachedEvaluation `json:"evaluation_cache"`
}

// StateDict serialises the per-run state so a resumed run keeps its samples.
func (c *Criteria) StateDict() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := stateDict{
		Terminate: c.terminate,
		MaxValue:  c.maxValue,
		Cache:     lo.MapValues(c.cache, func(ec *evalCache, _ string) []mcts.CachedEvaluation { return ec.entries }),
	}
	return json.Marshal(st)
}

func (c *Criteria) LoadStateDict(b []byte) error {
	var st stateDict
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("decode stop criteria state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminate = lo.Ternary(st.Terminate != nil, st.Terminate, map[string]bool{})
	c.maxValue = lo.Ternary(st.MaxValue != nil, st.MaxValue, map[string]float32{})
	c.cache = make(map[string]*evalCache, len(st.Cache))
	for id, entries := range st.Cache {
		ec := &evalCache{entries: entries, index: make(map[string]int, len(entries))}
		for i, e := range entries {
			ec.index[e.Text] = i
		}
		c.cache[id] = ec
	}
	return nil
}
