package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

const transcriptExt = ".json"

// Store persists terminal transcripts to disk, one file per config.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a config's transcript from disk.
func (s *Store) Load(id schema.ConfigID) (schema.Transcript, bool, error) {
	data, err := os.ReadFile(s.pathForConfig(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("transcript load miss", "config", id)
			}
			return schema.Transcript{}, false, nil
		}
		s.warn("transcript load failed", id, err)
		return schema.Transcript{}, false, err
	}
	var transcript schema.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		s.warn("transcript load failed", id, err)
		return schema.Transcript{}, false, err
	}
	if s.log != nil {
		s.log.Debug("transcript load ok", "config", id, "lines", len(transcript.Lines))
	}
	return transcript, true, nil
}

// Save writes a transcript to disk atomically.
func (s *Store) Save(transcript schema.Transcript) error {
	id := transcript.ConfigID
	path := s.pathForConfig(id)
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		s.warn("transcript save failed", id, err)
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "transcript-*.tmp")
	if err != nil {
		s.warn("transcript save failed", id, err)
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		s.warn("transcript save failed", id, err)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return cleanup(err)
	}
	if s.log != nil {
		s.log.Trace("transcript save ok", "config", id, "lines", len(transcript.Lines))
	}
	return nil
}

// Delete removes a config's transcript. Missing transcripts are not an error.
func (s *Store) Delete(id schema.ConfigID) error {
	err := os.Remove(s.pathForConfig(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.warn("transcript delete failed", id, err)
		return err
	}
	return nil
}

// List returns the configs with a stored transcript, sorted.
func (s *Store) List() ([]schema.ConfigID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []schema.ConfigID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, transcriptExt) {
			continue
		}
		ids = append(ids, schema.ConfigID(strings.TrimSuffix(name, transcriptExt)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) warn(msg string, id schema.ConfigID, err error) {
	if s.log != nil {
		s.log.Warn(msg, "config", id, "err", err)
	}
}

func (s *Store) pathForConfig(id schema.ConfigID) string {
	name := sanitize(string(id))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+transcriptExt)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
