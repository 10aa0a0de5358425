package mockengine

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"pkt.systems/kmdash/schema"
)

type storedConfig struct {
	summary schema.ConfigSummary
	content schema.PipelineConfig
}

// Store is the engine's in-memory state, shared by all connections.
type Store struct {
	mu         sync.Mutex
	configs    map[schema.ConfigID]*storedConfig
	calcs      []schema.Calculation
	active     map[schema.ConfigID]bool
	scripts    []string
	registry   map[string]map[string]int
	defaults   schema.PipelineConfig
	nextConfig int
	nextCalc   uint64
	now        func() time.Time
}

// NewStore returns a store seeded with a stage registry and default config.
func NewStore() *Store {
	s := &Store{
		configs: make(map[schema.ConfigID]*storedConfig),
		active:  make(map[schema.ConfigID]bool),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.registry = map[string]map[string]int{
		schema.StageIndexer:   {"indexers/default.py": 1, "indexers/markdown.py": 2},
		schema.StageRetriever: {"retrievers/default.py": 3, "retrievers/bm25.py": 4},
		schema.StageAugmenter: {"augmenters/default.py": 5},
		schema.StageGenerator: {"generators/default.py": 6, "generators/ollama.py": 7},
	}
	for _, paths := range s.registry {
		for path := range paths {
			s.scripts = append(s.scripts, path)
		}
	}
	sort.Strings(s.scripts)
	s.defaults = schema.PipelineConfig{
		Indexer:   schema.Stage{Path: "indexers/default.py", Settings: map[string]any{"chunk_size": float64(512)}},
		Retriever: schema.Stage{Path: "retrievers/default.py", Settings: map[string]any{"top_k": float64(4)}},
		Augmenter: schema.Stage{Path: "augmenters/default.py", Settings: map[string]any{}},
		Generator: schema.Stage{Path: "generators/default.py", Settings: map[string]any{"model": "llama3"}},
	}
	return s
}

func (s *Store) stamp() string {
	return s.now().Format(time.RFC3339)
}

// CreateConfig stores a config and returns its id.
func (s *Store) CreateConfig(name string, typ schema.ConfigType, content schema.PipelineConfig) (schema.ConfigID, error) {
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConfig++
	id := schema.ConfigID(strconv.Itoa(s.nextConfig))
	if typ == "" {
		typ = schema.ConfigTypeCalculation
	}
	at := s.stamp()
	s.configs[id] = &storedConfig{
		summary: schema.ConfigSummary{ID: id, Name: name, Type: typ, CreatedAt: at, UpdatedAt: at},
		content: content,
	}
	return id, nil
}

// Config returns a stored config.
func (s *Store) Config(id schema.ConfigID) (schema.ConfigDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return schema.ConfigDetail{}, false
	}
	return s.detailLocked(id, cfg), true
}

func (s *Store) detailLocked(id schema.ConfigID, cfg *storedConfig) schema.ConfigDetail {
	detail := schema.ConfigDetail{ConfigSummary: cfg.summary, Content: cfg.content}
	detail.Active = s.active[id]
	return detail
}

// Configs lists stored configs ordered by id.
func (s *Store) Configs() []schema.ConfigSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.ConfigSummary, 0, len(s.configs))
	for id, cfg := range s.configs {
		summary := cfg.summary
		summary.Active = s.active[id]
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// UpdateConfig overwrites a config's content.
func (s *Store) UpdateConfig(id schema.ConfigID, content schema.PipelineConfig) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return "", false
	}
	cfg.content = content
	cfg.summary.UpdatedAt = s.stamp()
	return cfg.summary.UpdatedAt, true
}

// DeleteConfig removes a config and its calculations.
func (s *Store) DeleteConfig(id schema.ConfigID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return false
	}
	delete(s.configs, id)
	delete(s.active, id)
	s.calcs = slices.DeleteFunc(s.calcs, func(c schema.Calculation) bool { return c.ConfigID == id })
	return true
}

// Activate marks the config's pipeline kernel as live.
func (s *Store) Activate(id schema.ConfigID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = true
}

// Deactivate shuts the config's pipeline kernel down.
func (s *Store) Deactivate(id schema.ConfigID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.active[id]
	delete(s.active, id)
	return was
}

// Active lists configs with a live kernel ordered by id.
func (s *Store) Active() []schema.ConfigID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]schema.ConfigID, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	return ids
}

// StartCalculation records a running calculation and returns its id.
func (s *Store) StartCalculation(id schema.ConfigID, input string) schema.RunSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCalc++
	at := s.stamp()
	s.calcs = append(s.calcs, schema.Calculation{
		ID:        schema.RunSeq(s.nextCalc),
		ConfigID:  id,
		Status:    "running",
		Input:     input,
		CreatedAt: at,
		UpdatedAt: at,
	})
	return schema.RunSeq(s.nextCalc)
}

// FinishCalculation stores a calculation's output and final status.
func (s *Store) FinishCalculation(calc schema.RunSeq, status schema.Status, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calcs {
		if s.calcs[i].ID == calc {
			s.calcs[i].Status = string(status)
			s.calcs[i].Output = output
			s.calcs[i].UpdatedAt = s.stamp()
			return
		}
	}
}

// Calculations lists a config's calculations, newest first.
func (s *Store) Calculations(id schema.ConfigID) []schema.Calculation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []schema.Calculation{}
	for i := len(s.calcs) - 1; i >= 0; i-- {
		if s.calcs[i].ConfigID == id {
			out = append(out, s.calcs[i])
		}
	}
	return out
}

// Scripts lists registered script names.
func (s *Store) Scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.scripts)
}

// DeleteScript unregisters a script.
func (s *Store) DeleteScript(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.scripts, name)
	if i < 0 {
		return false
	}
	s.scripts = slices.Delete(s.scripts, i, i+1)
	for _, paths := range s.registry {
		delete(paths, name)
	}
	return true
}

// CreationInfo returns the registry and the default config.
func (s *Store) CreationInfo() schema.CreationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	registry := make(map[string]map[string]int, len(s.registry))
	for stage, paths := range s.registry {
		copied := make(map[string]int, len(paths))
		for path, id := range paths {
			copied[path] = id
		}
		registry[stage] = copied
	}
	return schema.CreationInfo{Registry: registry, DefaultConfig: s.defaults}
}

func idLess(a, b schema.ConfigID) bool {
	ai, aerr := strconv.Atoi(string(a))
	bi, berr := strconv.Atoi(string(b))
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
