package machine

import (
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Tuning is the EXPERIMENTAL_* knob map:
// plain strings, with typed accessors doing the conversion so callers
// never touch strconv directly.
type Tuning struct {
	values map[string]string
}

func DefaultTuning() *Tuning { return &Tuning{values: map[string]string{}} }

func NewTuning(values map[string]string) *Tuning {
	if values == nil {
		values = map[string]string{}
	}
	return &Tuning{values: values}
}

func (t *Tuning) Set(key, value string) { t.values[key] = value }

func (t *Tuning) Bool(key string) bool {
	v, ok := t.values[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (t *Tuning) Int(key string, def int) int {
	v, ok := t.values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (t *Tuning) String(key, def string) string {
	if v, ok := t.values[key]; ok {
		return v
	}
	return def
}

// yamlOptions mirrors Options' serializable fields for LoadOptionsYAML
// — a separate type rather than yaml tags directly on Options so
// io.Writer/*slog.Logger (not serializable) never need tag gymnastics.
type yamlOptions struct {
	KernelPath      string `yaml:"kernel_path"`
	DTBPath         string `yaml:"dtb_path"`
	InitrdPath      string `yaml:"initrd_path"`
	RAMMB           int    `yaml:"ram_mb"`
	KernelLoadAddr  uint32 `yaml:"kernel_load_addr"`
	DTBLoadAddr     uint32 `yaml:"dtb_load_addr"`
	InitrdLoadAddr  uint32 `yaml:"initrd_load_addr"`
	EntryOverride   uint32 `yaml:"entry_override"`
	HasEntryOverride bool  `yaml:"has_entry_override"`
	BootSMode       bool   `yaml:"boot_s_mode"`
	EnableSBIShim   bool   `yaml:"enable_sbi_shim"`
	Trace           bool   `yaml:"trace"`
	HartCount       int    `yaml:"hart_count"`
	MaxInstructions uint64 `yaml:"max_instructions"`
}

// LoadOptionsYAML decodes a Machine options document from r. Fields
// absent from the document keep Options' zero values, resolved by
// Options.withDefaults at New time.
func LoadOptionsYAML(r io.Reader) (Options, error) {
	var y yamlOptions
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&y); err != nil {
		return Options{}, fmt.Errorf("machine: decode options yaml: %w", err)
	}
	return Options{
		KernelPath:       y.KernelPath,
		DTBPath:          y.DTBPath,
		InitrdPath:       y.InitrdPath,
		RAMMB:            y.RAMMB,
		KernelLoadAddr:   y.KernelLoadAddr,
		DTBLoadAddr:      y.DTBLoadAddr,
		InitrdLoadAddr:   y.InitrdLoadAddr,
		EntryOverride:    y.EntryOverride,
		HasEntryOverride: y.HasEntryOverride,
		BootSMode:        y.BootSMode,
		EnableSBIShim:    y.EnableSBIShim,
		Trace:            y.Trace,
		HartCount:        y.HartCount,
		MaxInstructions:  y.MaxInstructions,
	}, nil
}

// LoadTuningYAML decodes a flat string-keyed tuning-knob document
// from r.
func LoadTuningYAML(r io.Reader) (*Tuning, error) {
	values := map[string]string{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("machine: decode tuning yaml: %w", err)
	}
	return NewTuning(values), nil
}
