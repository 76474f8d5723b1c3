package farm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is wrapped by every error returned for an unparseable or
// structurally invalid farm configuration.
var ErrConfigInvalid = errors.New("farm config invalid")

// Defaults applied to absent configuration values. Unknown keys in the
// input document are ignored.
const (
	DefaultTimeWindowH   = 20.0
	DefaultTargetDepthMM = 90.0
	DefaultEfficiency    = 1.0
	DefaultWLLowMM       = 20.0
	DefaultWLOptMM       = 60.0
	DefaultWLHighMM      = 100.0
)

// LoadConfig reads, defaults, validates, and indexes a farm configuration.
// YAML and JSON documents are both accepted, chosen by file extension.
func LoadConfig(path string) (*Config, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading farm config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &cfg)
	default:
		err = yaml.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigInvalid, path, err)
	}

	if err = FinishConfig(&cfg); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"farm":     cfg.FarmID,
		"pumps":    len(cfg.Pumps),
		"segments": len(cfg.Segments),
		"gates":    len(cfg.Gates),
		"fields":   len(cfg.Fields),
	}).Info("loaded farm config")

	return &cfg, nil
}

// FinishConfig applies defaults, validates, and indexes an assembled Config.
// It is exposed so tests and hosts can build configurations in memory.
func FinishConfig(cfg *Config) error {
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	cfg.index()
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.TimeWindowH <= 0 {
		cfg.TimeWindowH = DefaultTimeWindowH
	}
	if cfg.TargetDepthMM <= 0 {
		cfg.TargetDepthMM = DefaultTargetDepthMM
	}
	for i := range cfg.Pumps {
		if cfg.Pumps[i].Efficiency <= 0 {
			cfg.Pumps[i].Efficiency = DefaultEfficiency
		}
	}
	for i := range cfg.Fields {
		var f = &cfg.Fields[i]
		if f.WLLowMM == 0 {
			f.WLLowMM = DefaultWLLowMM
		}
		if f.WLOptMM == 0 {
			f.WLOptMM = DefaultWLOptMM
		}
		if f.WLHighMM == 0 {
			f.WLHighMM = DefaultWLHighMM
		}
	}
	// A segment holding a main regulator is a main segment unless stated.
	for i := range cfg.Segments {
		var s = &cfg.Segments[i]
		if s.Kind != "" {
			continue
		}
		s.Kind = SegmentBranch
		for _, gid := range s.RegulatorGateIDs {
			for _, g := range cfg.Gates {
				if g.ID == gid && g.Kind == GateMainRegulator {
					s.Kind = SegmentMain
				}
			}
		}
	}
}

func validate(cfg *Config) error {
	if cfg.FarmID == "" {
		return errors.New("farm_id is required")
	}

	var segments = make(map[string]struct{}, len(cfg.Segments))
	for _, s := range cfg.Segments {
		if _, dup := segments[s.ID]; dup {
			return fmt.Errorf("duplicate segment id %q", s.ID)
		}
		segments[s.ID] = struct{}{}
	}
	var gates = make(map[string]struct{}, len(cfg.Gates))
	for _, g := range cfg.Gates {
		if _, dup := gates[g.ID]; dup {
			return fmt.Errorf("duplicate gate id %q", g.ID)
		}
		if seg, _, err := ParseGateID(g.ID); err != nil {
			return err
		} else if _, ok := segments[seg]; !ok {
			return fmt.Errorf("gate %q references unknown segment %q", g.ID, seg)
		}
		gates[g.ID] = struct{}{}
	}
	var pumps = make(map[string]struct{}, len(cfg.Pumps))
	for _, p := range cfg.Pumps {
		if _, dup := pumps[p.Name]; dup {
			return fmt.Errorf("duplicate pump %q", p.Name)
		}
		if p.RatedFlowM3PerH <= 0 {
			return fmt.Errorf("pump %q has non-positive rated flow", p.Name)
		}
		pumps[p.Name] = struct{}{}
	}
	var fields = make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if _, dup := fields[f.ID]; dup {
			return fmt.Errorf("duplicate field id %q", f.ID)
		}
		if f.AreaMu <= 0 {
			return fmt.Errorf("field %q has non-positive area", f.ID)
		}
		if _, ok := segments[f.SegmentID]; !ok {
			return fmt.Errorf("field %q references unknown segment %q", f.ID, f.SegmentID)
		}
		if _, ok := gates[f.InletGateID]; !ok {
			return fmt.Errorf("field %q references unknown inlet gate %q", f.ID, f.InletGateID)
		}
		if _, _, err := ParseFieldID(f.ID); err != nil {
			return err
		}
		fields[f.ID] = struct{}{}
	}
	for _, s := range cfg.Segments {
		for _, gid := range s.RegulatorGateIDs {
			if _, ok := gates[gid]; !ok {
				return fmt.Errorf("segment %q lists unknown regulator gate %q", s.ID, gid)
			}
		}
		for _, name := range s.FeedBy {
			if _, ok := pumps[name]; !ok {
				return fmt.Errorf("segment %q is fed by unknown pump %q", s.ID, name)
			}
		}
	}
	for _, name := range cfg.ActivePumps {
		if _, ok := pumps[name]; !ok {
			return fmt.Errorf("active pump %q is not defined", name)
		}
	}
	return nil
}
