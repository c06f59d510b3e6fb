package statescan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ccpaging/log4go"
)

// DistanceType names one of the pairwise distance functions C1 exposes.
type DistanceType string

const (
	DistanceTLSH               DistanceType = "tlsh"
	DistanceHash2Vec           DistanceType = "hash2vec"
	DistanceLevenshtein        DistanceType = "levenshtein"
	DistanceHamming            DistanceType = "hamming"
	DistanceDamerauLevenshtein DistanceType = "damerau_levenshtein"
	DistanceJaroWinklerInv     DistanceType = "jaro-winkler-inverted"
	DistanceMLIPNSInv          DistanceType = "mlipns"
	DistancePrecomputed        DistanceType = "precomputed"
)

func (d DistanceType) valid() bool {
	switch d {
	case DistanceTLSH, DistanceHash2Vec, DistanceLevenshtein, DistanceHamming,
		DistanceDamerauLevenshtein, DistanceJaroWinklerInv, DistanceMLIPNSInv, DistancePrecomputed:
		return true
	}
	return false
}

// ExecutionType selects one of the three work manager dispatch disciplines (C11).
type ExecutionType string

const (
	ExecutionSequential      ExecutionType = "sequential"
	ExecutionParallelThread  ExecutionType = "parallel-threaded"
	ExecutionParallelQueue   ExecutionType = "parallel-queue"
)

func (e ExecutionType) valid() bool {
	switch e {
	case ExecutionSequential, ExecutionParallelThread, ExecutionParallelQueue:
		return true
	}
	return false
}

// EndpointDetectorKind is the closed sum type replacing the original's dynamic
// module loading for C5 (see design notes on dynamic module loading).
type EndpointDetectorKind string

const (
	EndpointDetectorBasic      EndpointDetectorKind = "basic"
	EndpointDetectorClustering EndpointDetectorKind = "clustering"
)

// FieldSelector is the closed variant replacing the original's dotted-string
// field lookup for the state-change detector's clustering field (C6).
type FieldSelector struct {
	// Path holds one element for a top-level field, or several for a nested
	// path such as ["response", "data"].
	Path []string
}

// Top builds a FieldSelector pointing at a single top-level field.
func Top(field string) FieldSelector { return FieldSelector{Path: []string{field}} }

// FieldPath builds a FieldSelector pointing at a nested field.
func FieldPath(fields ...string) FieldSelector { return FieldSelector{Path: fields} }

func (f FieldSelector) String() string {
	s := ""
	for i, p := range f.Path {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}

// EPSStrategy selects one of C2's automatic epsilon-selection strategies.
type EPSStrategy string

const (
	EPSSilhouette       EPSStrategy = "sil"
	EPSKnee             EPSStrategy = "knee"
	EPSKneedLib         EPSStrategy = "kneed_lib"
	EPSInfinitesimal    EPSStrategy = "infinitesimal-fixed"
)

// Config is the configuration a batch runs with. It is loaded once by
// LoadConfig and handed around by reference to every constructor; nothing in
// this tree ever mutates a live Config, in contrast to the teacher's
// package-level mutable Config global.
type Config struct {
	RandomSeed int64 `yaml:"random_seed"`

	StateNavigator struct {
		MaxRevisits int `yaml:"max_revisits"`
	} `yaml:"state_navigator"`

	EndpointDetector struct {
		DistanceType           DistanceType         `yaml:"distance_type"`
		FieldForDistance       []string             `yaml:"field_for_distance"`
		DeleteDirty            bool                 `yaml:"delete_dirty"`
		DBSCANAdditionalMetric string               `yaml:"dbscan_additional_metric"`
		Kind                   EndpointDetectorKind `yaml:"-"`
	} `yaml:"endpoint_detector"`

	StateChangeDetector struct {
		DistanceType           DistanceType `yaml:"distance_type"`
		FieldForDistance       []string     `yaml:"field_for_distance"`
		OnlyFromFuzzer         bool         `yaml:"only_interactions_from_fuzzer"`
		DBSCANAdditionalMetric string       `yaml:"dbscan_additional_metric"`
	} `yaml:"state_change_detector"`

	StateDetector struct {
		DistanceType           DistanceType `yaml:"distance_type"`
		FieldForDistance       []string     `yaml:"field_for_distance"`
		DeleteCollapsed        bool         `yaml:"delete_collapsed"`
		DBSCANAdditionalMetric string       `yaml:"dbscan_additional_metric"`
	} `yaml:"state_detector"`

	Workers struct {
		ExecutionType          ExecutionType `yaml:"execution_type"`
		CrawlerModule          string        `yaml:"crawler_module"`
		CrawlerClass           string        `yaml:"crawler_class"`
		EndpointExtractorModule string       `yaml:"endpoint_extractor_module"`
		EndpointDetectorModule string        `yaml:"endpoint_detector_module"`
		StateChangeDetectorModule string     `yaml:"state_change_detector_module"`
		StateDetectorModule    string        `yaml:"state_detector_module"`
		ThrottleMillis         int           `yaml:"throttle_millis"`
	} `yaml:"workers"`

	Log struct {
		Level    string `yaml:"level"`
		Filename string `yaml:"filename"`
	} `yaml:"log"`

	Mongo struct {
		URI              string `yaml:"uri"`
		DatabasePrefix   string `yaml:"database_prefix"`
	} `yaml:"mongo"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	HTTP struct {
		Timeout            string `yaml:"timeout"`
		ResetEndpointLabel string `yaml:"reset_endpoint_label"`
		RestrictHost       bool   `yaml:"restrict_host"`
	} `yaml:"http"`

	Console struct {
		Addr string `yaml:"addr"`
	} `yaml:"console"`

	// HTTPTimeout is the parsed form of HTTP.Timeout, filled in by assertInvariants.
	HTTPTimeout time.Duration `yaml:"-"`
	// Throttle is the parsed form of Workers.ThrottleMillis.
	Throttle time.Duration `yaml:"-"`
}

// defaultConfig returns a Config populated with the same defaults the
// original scanner ships, before any YAML overrides are applied.
func defaultConfig() Config {
	var c Config
	c.RandomSeed = 42
	c.StateNavigator.MaxRevisits = 1
	c.EndpointDetector.DistanceType = DistanceTLSH
	c.EndpointDetector.FieldForDistance = []string{"hash"}
	c.EndpointDetector.Kind = EndpointDetectorClustering
	c.StateChangeDetector.DistanceType = DistanceTLSH
	c.StateChangeDetector.FieldForDistance = []string{"hash"}
	c.StateDetector.DistanceType = DistanceTLSH
	c.StateDetector.FieldForDistance = []string{"hash"}
	c.StateDetector.DeleteCollapsed = false
	c.Workers.ExecutionType = ExecutionSequential
	c.Workers.ThrottleMillis = 200
	c.Log.Level = "INFO"
	c.Mongo.DatabasePrefix = "statescan"
	c.Redis.Addr = "localhost:6379"
	c.HTTP.Timeout = "30s"
	c.HTTP.ResetEndpointLabel = "reset"
	c.HTTP.RestrictHost = true
	c.Console.Addr = ":3000"
	return c
}

// LoadConfig reads a batch configuration from a YAML file, applies defaults
// for anything the file leaves unset, and validates the result. It returns a
// fatal configuration error (never a panic) if the file is malformed or an
// invariant fails, per the error handling design's configuration-errors class.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %v: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config file %v: %w", path, err)
	}

	if err := cfg.assertInvariants(); err != nil {
		return nil, err
	}
	log4go.Info("Loaded config file %v", path)
	return &cfg, nil
}

// assertInvariants mirrors the teacher's assertConfigInvariants: it collects
// every violation before returning, rather than failing on the first.
func (c *Config) assertInvariants() error {
	var errs []string

	if c.StateNavigator.MaxRevisits < 0 {
		errs = append(errs, "state_navigator.max_revisits must be >= 0")
	}
	if !c.EndpointDetector.DistanceType.valid() {
		errs = append(errs, fmt.Sprintf("endpoint_detector.distance_type %q is not a known distance type", c.EndpointDetector.DistanceType))
	}
	if !c.StateChangeDetector.DistanceType.valid() {
		errs = append(errs, fmt.Sprintf("state_change_detector.distance_type %q is not a known distance type", c.StateChangeDetector.DistanceType))
	}
	if !c.StateDetector.DistanceType.valid() {
		errs = append(errs, fmt.Sprintf("state_detector.distance_type %q is not a known distance type", c.StateDetector.DistanceType))
	}
	if c.EndpointDetector.Kind == "" {
		c.EndpointDetector.Kind = EndpointDetectorClustering
	}
	if c.EndpointDetector.Kind != EndpointDetectorBasic && c.EndpointDetector.Kind != EndpointDetectorClustering {
		errs = append(errs, fmt.Sprintf("endpoint_detector.kind %q must be basic or clustering", c.EndpointDetector.Kind))
	}
	if !c.Workers.ExecutionType.valid() {
		errs = append(errs, fmt.Sprintf("workers.execution_type %q is not a known execution discipline", c.Workers.ExecutionType))
	}

	d, err := time.ParseDuration(c.HTTP.Timeout)
	if err != nil {
		errs = append(errs, fmt.Sprintf("http.timeout failed to parse: %v", err))
	} else {
		c.HTTPTimeout = d
	}
	c.Throttle = time.Duration(c.Workers.ThrottleMillis) * time.Millisecond

	if len(errs) > 0 {
		msg := ""
		for _, e := range errs {
			log4go.Error("config error: %v", e)
			msg += "\t" + e + "\n"
		}
		return fmt.Errorf("config error:\n%v", msg)
	}
	return nil
}
