// Package param holds the run-time parameters of a bnc run: a flat key/value
// set with documented defaults, loadable from YAML and shipped to workers in
// the Parameters message.
package param

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/bnc/wire"
)

// ErrUnknownKey is returned by Set for keys that are not parameters.
var ErrUnknownKey = errors.New("param: unknown key")

// Params is the full parameter set. Use Default for a populated value.
type Params struct {
	RelaxationWorkers     int
	CutWorkers            int
	ColumnWorkers         int
	SearchStrategy        string
	AbsoluteGap           float64
	RelativeGap           float64
	Granularity           float64
	UnconditionalDiveProb float64
	DiveThreshold         float64
	MaxHeapBytes          int64
	OffloadThreshold      float64
	OffloadBatchFraction  float64
	StorageCapacityBytes  int64
	OffloadBytesPerSec    int64
	TimeLimit             time.Duration
	ReceiveTimeout        time.Duration
	InFlightHorizon       time.Duration
	IndexBlock            int
	MaxNodeIterations     int
	Compression           string
	PricingPhases         int
	Seed                  int64
}

// Default returns the documented defaults.
func Default() Params {
	return Params{
		RelaxationWorkers:     2,
		SearchStrategy:        "best",
		AbsoluteGap:           1e-6,
		RelativeGap:           1e-4,
		Granularity:           1e-6,
		UnconditionalDiveProb: 0.1,
		DiveThreshold:         0.05,
		OffloadThreshold:      0.1,
		OffloadBatchFraction:  0.25,
		StorageCapacityBytes:  256 << 20,
		ReceiveTimeout:        100 * time.Millisecond,
		InFlightHorizon:       2 * time.Second,
		IndexBlock:            256,
		MaxNodeIterations:     50,
		Compression:           "zstd",
		PricingPhases:         1,
		Seed:                  1,
	}
}

type field struct {
	get func(*Params) string
	set func(*Params, string) error
}

func intField(ptr func(*Params) *int) field {
	return field{
		get: func(p *Params) string { return strconv.Itoa(*ptr(p)) },
		set: func(p *Params, s string) error {
			v, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			*ptr(p) = v
			return nil
		},
	}
}

func int64Field(ptr func(*Params) *int64) field {
	return field{
		get: func(p *Params) string { return strconv.FormatInt(*ptr(p), 10) },
		set: func(p *Params, s string) error {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return err
			}
			*ptr(p) = v
			return nil
		},
	}
}

func floatField(ptr func(*Params) *float64) field {
	return field{
		get: func(p *Params) string { return strconv.FormatFloat(*ptr(p), 'g', -1, 64) },
		set: func(p *Params, s string) error {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return err
			}
			*ptr(p) = v
			return nil
		},
	}
}

func durationField(ptr func(*Params) *time.Duration) field {
	return field{
		get: func(p *Params) string { return ptr(p).String() },
		set: func(p *Params, s string) error {
			v, err := time.ParseDuration(s)
			if err != nil {
				return err
			}
			*ptr(p) = v
			return nil
		},
	}
}

func stringField(ptr func(*Params) *string) field {
	return field{
		get: func(p *Params) string { return *ptr(p) },
		set: func(p *Params, s string) error { *ptr(p) = s; return nil },
	}
}

var fields = map[string]field{
	"relaxation_workers":      intField(func(p *Params) *int { return &p.RelaxationWorkers }),
	"cut_workers":             intField(func(p *Params) *int { return &p.CutWorkers }),
	"column_workers":          intField(func(p *Params) *int { return &p.ColumnWorkers }),
	"search_strategy":         stringField(func(p *Params) *string { return &p.SearchStrategy }),
	"absolute_gap":            floatField(func(p *Params) *float64 { return &p.AbsoluteGap }),
	"relative_gap":            floatField(func(p *Params) *float64 { return &p.RelativeGap }),
	"granularity":             floatField(func(p *Params) *float64 { return &p.Granularity }),
	"unconditional_dive_prob": floatField(func(p *Params) *float64 { return &p.UnconditionalDiveProb }),
	"dive_threshold":          floatField(func(p *Params) *float64 { return &p.DiveThreshold }),
	"max_heap_bytes":          int64Field(func(p *Params) *int64 { return &p.MaxHeapBytes }),
	"offload_threshold":       floatField(func(p *Params) *float64 { return &p.OffloadThreshold }),
	"offload_batch_fraction":  floatField(func(p *Params) *float64 { return &p.OffloadBatchFraction }),
	"storage_capacity_bytes":  int64Field(func(p *Params) *int64 { return &p.StorageCapacityBytes }),
	"offload_bytes_per_sec":   int64Field(func(p *Params) *int64 { return &p.OffloadBytesPerSec }),
	"time_limit":              durationField(func(p *Params) *time.Duration { return &p.TimeLimit }),
	"receive_timeout":         durationField(func(p *Params) *time.Duration { return &p.ReceiveTimeout }),
	"in_flight_horizon":       durationField(func(p *Params) *time.Duration { return &p.InFlightHorizon }),
	"index_block":             intField(func(p *Params) *int { return &p.IndexBlock }),
	"max_node_iterations":     intField(func(p *Params) *int { return &p.MaxNodeIterations }),
	"compression":             stringField(func(p *Params) *string { return &p.Compression }),
	"pricing_phases":          intField(func(p *Params) *int { return &p.PricingPhases }),
	"seed":                    int64Field(func(p *Params) *int64 { return &p.Seed }),
}

// Keys returns every parameter key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set parses value into the parameter named key.
func (p *Params) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err := f.set(p, value); err != nil {
		return fmt.Errorf("param %s: %w", key, err)
	}
	return nil
}

// Get returns the textual value of key.
func (p *Params) Get(key string) (string, bool) {
	f, ok := fields[key]
	if !ok {
		return "", false
	}
	return f.get(p), true
}

// Load overlays a flat YAML mapping of key: value onto p.
func (p *Params) Load(r io.Reader) error {
	var raw map[string]yaml.Node
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("param: %w", err)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		node := raw[k]
		if node.Kind != yaml.ScalarNode {
			return fmt.Errorf("param %s: expected a scalar at line %d", k, node.Line)
		}
		if err := p.Set(k, node.Value); err != nil {
			return err
		}
	}
	return p.Validate()
}

// Load returns the defaults overlaid with the YAML document in r.
func Load(r io.Reader) (Params, error) {
	p := Default()
	if err := p.Load(r); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks ranges and enumerations.
func (p *Params) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("param: "+format, args...))
		}
	}
	check(p.RelaxationWorkers >= 1, "relaxation_workers must be >= 1, got %d", p.RelaxationWorkers)
	check(p.CutWorkers >= 0, "cut_workers must be >= 0")
	check(p.ColumnWorkers >= 0, "column_workers must be >= 0")
	switch p.SearchStrategy {
	case "best", "breadth", "depth":
	default:
		check(false, "search_strategy %q is not best, breadth or depth", p.SearchStrategy)
	}
	switch p.Compression {
	case "none", "lz4", "zstd":
	default:
		check(false, "compression %q is not none, lz4 or zstd", p.Compression)
	}
	check(p.AbsoluteGap >= 0 && p.RelativeGap >= 0 && p.Granularity >= 0, "gaps and granularity must be >= 0")
	check(p.UnconditionalDiveProb >= 0 && p.UnconditionalDiveProb <= 1, "unconditional_dive_prob must be in [0,1]")
	check(p.DiveThreshold >= 0, "dive_threshold must be >= 0")
	check(p.MaxHeapBytes >= 0, "max_heap_bytes must be >= 0")
	check(p.OffloadThreshold >= 0 && p.OffloadThreshold < 1, "offload_threshold must be in [0,1)")
	check(p.OffloadBatchFraction > 0 && p.OffloadBatchFraction <= 1, "offload_batch_fraction must be in (0,1]")
	check(p.StorageCapacityBytes > 0, "storage_capacity_bytes must be > 0")
	check(p.OffloadBytesPerSec >= 0, "offload_bytes_per_sec must be >= 0")
	check(p.TimeLimit >= 0, "time_limit must be >= 0")
	check(p.ReceiveTimeout > 0, "receive_timeout must be > 0")
	check(p.InFlightHorizon >= 0, "in_flight_horizon must be >= 0")
	check(p.IndexBlock >= 1, "index_block must be >= 1")
	check(p.MaxNodeIterations >= 1, "max_node_iterations must be >= 1")
	check(p.PricingPhases >= 0, "pricing_phases must be >= 0")
	return errors.Join(errs...)
}

// Encode packs every parameter as key/value strings.
func (p *Params) Encode(buf *wire.Buffer) {
	keys := Keys()
	buf.PackUint32(uint32(len(keys)))
	for _, k := range keys {
		buf.PackString(k)
		buf.PackString(fields[k].get(p))
	}
}

// Decode unpacks parameters packed by Encode on top of p.
func (p *Params) Decode(buf *wire.Buffer) error {
	n := int(buf.UnpackUint32())
	if !buf.Need(n * 8) {
		return buf.Err()
	}
	for i := 0; i < n; i++ {
		k := buf.UnpackString()
		v := buf.UnpackString()
		if err := buf.Err(); err != nil {
			return err
		}
		if err := p.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}
