package core

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

// ConfigStore is the remote side of config editing. *Engine implements it.
type ConfigStore interface {
	GetConfig(ctx context.Context, id schema.ConfigID) (schema.ConfigDetail, error)
	UpdateConfig(ctx context.Context, id schema.ConfigID, content schema.PipelineConfig) error
	CreationInfo(ctx context.Context) (schema.CreationInfo, error)
}

// ConfigSync keeps a stored config in step with a locally edited form.
//
// Writing a fetched value into the form arms a one-shot guard so the change
// that write causes is not sent back to the engine. Explicit user input
// clears the guard first, so an edit is never swallowed by a racing load.
type ConfigSync struct {
	store ConfigStore
	log   pslog.Logger

	mu           sync.Mutex
	id           schema.ConfigID
	form         schema.PipelineConfig
	loaded       bool
	suppressNext bool
}

// NewConfigSync constructs a controller writing through store.
func NewConfigSync(store ConfigStore, logger pslog.Logger) *ConfigSync {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &ConfigSync{store: store, log: logger}
}

// Load fetches the config and writes it into the form.
func (s *ConfigSync) Load(ctx context.Context, id schema.ConfigID) error {
	detail, err := s.store.GetConfig(ctx, id)
	if err != nil {
		return fmt.Errorf("load config %s: %w", id, err)
	}
	s.Loaded(id, detail.Content)
	return nil
}

// Loaded writes a config fetched elsewhere into the form.
func (s *ConfigSync) Loaded(id schema.ConfigID, content schema.PipelineConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.form = content
	s.loaded = true
	s.suppressNext = true
	s.log.Debug("config sync loaded", "config", id)
}

// RestoreDefaults replaces the form with the engine's default config. Like a
// load, the resulting change is not written back.
func (s *ConfigSync) RestoreDefaults(ctx context.Context) error {
	s.mu.Lock()
	loaded, id := s.loaded, s.id
	s.mu.Unlock()
	if !loaded {
		return schema.ErrConfigNotLoaded
	}
	info, err := s.store.CreationInfo(ctx)
	if err != nil {
		return fmt.Errorf("restore defaults for %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != id {
		// Another config was loaded meanwhile.
		return nil
	}
	s.form = info.DefaultConfig
	s.suppressNext = true
	s.log.Debug("config sync restored defaults", "config", id)
	return nil
}

// Changed is the change-detection cycle: it records form and writes it
// unless the guard is armed, in which case the guard is consumed instead.
// It reports whether a write was attempted.
func (s *ConfigSync) Changed(ctx context.Context, form schema.PipelineConfig) (bool, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return false, schema.ErrConfigNotLoaded
	}
	s.form = form
	id := s.id
	if s.suppressNext {
		s.suppressNext = false
		s.mu.Unlock()
		s.log.Trace("config sync skipped loaded value", "config", id)
		return false, nil
	}
	s.mu.Unlock()
	return true, s.write(ctx, id, form)
}

// Input handles an explicit user edit: the guard is cleared and the form is
// written.
func (s *ConfigSync) Input(ctx context.Context, form schema.PipelineConfig) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return schema.ErrConfigNotLoaded
	}
	s.suppressNext = false
	s.form = form
	id := s.id
	s.mu.Unlock()
	return s.write(ctx, id, form)
}

// SetStage is Input for a single stage edit.
func (s *ConfigSync) SetStage(ctx context.Context, name string, stage schema.Stage) error {
	s.mu.Lock()
	form, ok := s.form.WithStage(name, stage)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", schema.ErrInvalidRequest, name)
	}
	return s.Input(ctx, form)
}

// A failed write leaves the form as edited; the next edit retries.
func (s *ConfigSync) write(ctx context.Context, id schema.ConfigID, form schema.PipelineConfig) error {
	if err := s.store.UpdateConfig(ctx, id, form); err != nil {
		s.log.Warn("config sync update failed", "config", id, "err", err)
		return fmt.Errorf("update config %s: %w", id, err)
	}
	s.log.Debug("config sync updated", "config", id)
	return nil
}

// Form returns the local form state.
func (s *ConfigSync) Form() schema.PipelineConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

// ID returns the loaded config, if any.
func (s *ConfigSync) ID() (schema.ConfigID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.loaded
}

// Armed reports whether the next change will be skipped.
func (s *ConfigSync) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressNext
}
