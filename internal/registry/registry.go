// Package registry validates the static transform catalog and exposes
// it to the engine as an immutable lookup.
package registry

import (
	"fmt"

	"chainflow/config"
	"chainflow/internal/rolling"
	"chainflow/internal/window"
)

// Transform kinds understood by the engine.
const (
	KindEnrich   = "enrich"
	KindCandle   = "candle"
	KindRolling  = "rolling"
	KindPosition = "position"
)

// Event sources a transform may consume.
const (
	SourceTrades    = "trades"
	SourceTransfers = "transfers"
	SourceAll       = "all"
)

// Key extraction modes.
const (
	KeyByToken       = "token"
	KeyByTraderToken = "trader_token"
)

var (
	validKinds    = map[string]bool{KindEnrich: true, KindCandle: true, KindRolling: true, KindPosition: true}
	validSources  = map[string]bool{SourceTrades: true, SourceTransfers: true, SourceAll: true}
	validKeyBy    = map[string]bool{KeyByToken: true, KeyByTraderToken: true}
	validEncoding = map[string]bool{"json": true}
)

// Registry holds the validated catalog. Built once at startup; reads
// after that are lock-free.
type Registry struct {
	pipeline string
	byName   map[string]config.TransformSpec
	byKind   map[string][]config.TransformSpec
}

// New validates every descriptor and builds the registry. Any invalid
// descriptor fails the whole catalog; a half-valid catalog must not
// reach the engine.
func New(catalog *config.TransformCatalog) (*Registry, error) {
	if len(catalog.Transforms) == 0 {
		return nil, fmt.Errorf("transform catalog is empty")
	}
	r := &Registry{
		byName: make(map[string]config.TransformSpec, len(catalog.Transforms)),
		byKind: make(map[string][]config.TransformSpec),
	}
	for i, spec := range catalog.Transforms {
		if err := validate(spec); err != nil {
			return nil, fmt.Errorf("transform %d (%q): %w", i, spec.Name, err)
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, fmt.Errorf("transform %d: duplicate name %q", i, spec.Name)
		}
		if r.pipeline == "" {
			r.pipeline = spec.Pipeline
		}
		r.byName[spec.Name] = spec
		r.byKind[spec.Kind] = append(r.byKind[spec.Kind], spec)
	}
	return r, nil
}

func validate(spec config.TransformSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validKinds[spec.Kind] {
		return fmt.Errorf("unknown kind %q", spec.Kind)
	}
	if !validSources[spec.Source] {
		return fmt.Errorf("unknown source %q", spec.Source)
	}
	if !validKeyBy[spec.KeyBy] {
		return fmt.Errorf("unknown key_by %q", spec.KeyBy)
	}
	if spec.Output == "" {
		return fmt.Errorf("output is required")
	}
	if !validEncoding[spec.Encoding] {
		return fmt.Errorf("unknown encoding %q", spec.Encoding)
	}

	switch spec.Kind {
	case KindCandle:
		if spec.Source != SourceTrades {
			return fmt.Errorf("candle transforms consume trades, got source %q", spec.Source)
		}
		for _, tf := range spec.Timeframes {
			if _, err := window.ParseTimeframe(tf); err != nil {
				return err
			}
		}
	case KindRolling:
		if spec.Source != SourceTrades {
			return fmt.Errorf("rolling transforms consume trades, got source %q", spec.Source)
		}
		for _, w := range spec.Windows {
			if _, err := rolling.ParseWindow(w); err != nil {
				return err
			}
		}
	case KindPosition:
		if spec.Source != SourceAll {
			return fmt.Errorf("position transforms consume all events, got source %q", spec.Source)
		}
		if spec.KeyBy != KeyByTraderToken {
			return fmt.Errorf("position transforms key by trader_token, got %q", spec.KeyBy)
		}
	case KindEnrich:
		if spec.Source != SourceTrades {
			return fmt.Errorf("enrich transforms consume trades, got source %q", spec.Source)
		}
	}
	if spec.Kind != KindCandle && len(spec.Timeframes) > 0 {
		return fmt.Errorf("timeframes only apply to candle transforms")
	}
	if spec.Kind != KindRolling && len(spec.Windows) > 0 {
		return fmt.Errorf("windows only apply to rolling transforms")
	}
	return nil
}

// Pipeline returns the pipeline name from the catalog.
func (r *Registry) Pipeline() string { return r.pipeline }

// Lookup returns a transform by name.
func (r *Registry) Lookup(name string) (config.TransformSpec, bool) {
	spec, ok := r.byName[name]
	return spec, ok
}

// ByKind returns every transform of the given kind, in catalog order.
func (r *Registry) ByKind(kind string) []config.TransformSpec {
	return r.byKind[kind]
}

// Len returns the number of registered transforms.
func (r *Registry) Len() int { return len(r.byName) }

// Timeframes returns the union of timeframes across candle transforms,
// or every supported timeframe when none are declared.
func (r *Registry) Timeframes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range r.byKind[KindCandle] {
		if len(spec.Timeframes) == 0 {
			return window.AllTimeframes()
		}
		for _, tf := range spec.Timeframes {
			if !seen[tf] {
				seen[tf] = true
				out = append(out, tf)
			}
		}
	}
	if len(out) == 0 {
		return window.AllTimeframes()
	}
	return out
}

// RollingWindows returns the union of windows across rolling
// transforms, or every supported window when none are declared.
func (r *Registry) RollingWindows() []string {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range r.byKind[KindRolling] {
		if len(spec.Windows) == 0 {
			return rolling.AllWindows()
		}
		for _, w := range spec.Windows {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	if len(out) == 0 {
		return rolling.AllWindows()
	}
	return out
}
