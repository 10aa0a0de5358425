package schema

import (
	"reflect"
	"time"
)

// Stage names of a pipeline config, in execution order.
const (
	StageIndexer   = "indexer"
	StageRetriever = "retriever"
	StageAugmenter = "augmenter"
	StageGenerator = "generator"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{StageIndexer, StageRetriever, StageAugmenter, StageGenerator}

// Stage selects the script implementing one pipeline stage.
type Stage struct {
	Path     string         `json:"path"`
	Settings map[string]any `json:"settings"`
}

// PipelineConfig is the editable content of a calculation config.
type PipelineConfig struct {
	Indexer   Stage `json:"indexer"`
	Retriever Stage `json:"retriever"`
	Augmenter Stage `json:"augmenter"`
	Generator Stage `json:"generator"`
}

// Stage returns the named stage.
func (c PipelineConfig) Stage(name string) (Stage, bool) {
	switch name {
	case StageIndexer:
		return c.Indexer, true
	case StageRetriever:
		return c.Retriever, true
	case StageAugmenter:
		return c.Augmenter, true
	case StageGenerator:
		return c.Generator, true
	default:
		return Stage{}, false
	}
}

// WithStage returns a copy with the named stage replaced.
func (c PipelineConfig) WithStage(name string, stage Stage) (PipelineConfig, bool) {
	switch name {
	case StageIndexer:
		c.Indexer = stage
	case StageRetriever:
		c.Retriever = stage
	case StageAugmenter:
		c.Augmenter = stage
	case StageGenerator:
		c.Generator = stage
	default:
		return c, false
	}
	return c, true
}

// Equal reports whether two configs carry the same stage selections and settings.
func (c PipelineConfig) Equal(other PipelineConfig) bool {
	for _, name := range Stages {
		a, _ := c.Stage(name)
		b, _ := other.Stage(name)
		if a.Path != b.Path {
			return false
		}
		if len(a.Settings) == 0 && len(b.Settings) == 0 {
			continue
		}
		if !reflect.DeepEqual(a.Settings, b.Settings) {
			return false
		}
	}
	return true
}

// ConfigSummary is one row of list_configs.
type ConfigSummary struct {
	ID        ConfigID   `json:"id"`
	Name      string     `json:"name"`
	Type      ConfigType `json:"type"`
	Active    bool       `json:"active"`
	CreatedAt string     `json:"created_at,omitempty"`
	UpdatedAt string     `json:"updated_at,omitempty"`
}

// ConfigDetail is a stored config with its decoded content.
type ConfigDetail struct {
	ConfigSummary
	Content PipelineConfig `json:"content"`
}

// CreationInfo is the stage registry and the default config.
type CreationInfo struct {
	// Registry maps stage name to script path to script id.
	Registry      map[string]map[string]int `json:"registry"`
	DefaultConfig PipelineConfig            `json:"default_config"`
}

// Calculation is one stored run of a config.
type Calculation struct {
	ID        RunSeq   `json:"id"`
	ConfigID  ConfigID `json:"config_id"`
	Status    string   `json:"status"`
	Input     string   `json:"input,omitempty"`
	Output    string   `json:"output,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// RunRequest describes a pipeline run.
type RunRequest struct {
	ConfigID ConfigID
	// Indexer selects indexing (PathOrQuery is a path) or generation (a query).
	Indexer     IndexerMode
	PathOrQuery string
}

// Transcript is a persisted terminal view of a config's last run.
type Transcript struct {
	ConfigID ConfigID  `json:"config_id"`
	Seq      RunSeq    `json:"seq"`
	Status   string    `json:"status"`
	Lines    []string  `json:"lines"`
	SavedAt  time.Time `json:"saved_at"`
}
