package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/paddyflow/paddyflow/farm"
	"github.com/paddyflow/paddyflow/levels"
)

type cmdLevels struct {
	Config  string   `long:"config" required:"true" description:"Farm configuration file (YAML or JSON)"`
	Store   string   `long:"store" required:"true" description:"Reading-store snapshot path; created if absent"`
	Manual  []string `long:"manual" description:"Record a manual reading as FIELD=MM; repeatable"`
	Numeric bool     `long:"numeric" description:"Render fields by numeric section id instead of SGF id"`
}

func (cmd cmdLevels) Execute(_ []string) error {
	initLog(Config.Log)

	var cfg, err = farm.LoadConfig(cmd.Config)
	if err != nil {
		return fmt.Errorf("loading farm configuration: %w", err)
	}

	var store = levels.NewStore(levels.DefaultQualityThresholds())
	if err = store.Load(cmd.Store); err != nil {
		return fmt.Errorf("loading reading store: %w", err)
	}

	var resolver = levels.NewResolver(nil, store, levels.DefaultResolverConfig())
	for _, arg := range cmd.Manual {
		var field, value, ok = strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("malformed --manual %q: expected FIELD=MM", arg)
		}
		mm, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("malformed --manual %q: %w", arg, err)
		}
		if _, ok = cfg.Field(field); !ok {
			return fmt.Errorf("unknown field %q in --manual", field)
		}
		if err = resolver.AddManual(field, mm); err != nil {
			return fmt.Errorf("recording manual reading for %s: %w", field, err)
		}
	}
	if len(cmd.Manual) > 0 {
		if err = store.Persist(cmd.Store); err != nil {
			return fmt.Errorf("persisting reading store: %w", err)
		}
	}

	var opts = levels.SummaryOptions{IDFormat: levels.IDFormatSGF}
	for _, f := range cfg.Fields {
		opts.FieldIDs = append(opts.FieldIDs, f.ID)
	}
	if cmd.Numeric {
		opts.IDFormat = levels.IDFormatNumeric
		opts.Aliases = cfg.SectionAliases()
	}

	printSummary(store.Summarize(opts))
	return nil
}

var qualityColors = map[levels.Quality]func(a ...interface{}) string{
	levels.QualityExcellent: color.New(color.FgGreen).SprintFunc(),
	levels.QualityGood:      color.New(color.FgCyan).SprintFunc(),
	levels.QualityFair:      color.New(color.FgYellow).SprintFunc(),
	levels.QualityPoor:      color.New(color.FgRed).SprintFunc(),
}

func printSummary(sum levels.Summary) {
	fmt.Printf("%-14s %9s %8s %10s %12s %6s\n", "field", "mm", "age_h", "quality", "source", "n")
	for _, f := range sum.Fields {
		var quality = string(f.Quality)
		if paint, ok := qualityColors[f.Quality]; ok {
			quality = paint(quality)
		}
		fmt.Printf("%-14s %9.1f %8.1f %10s %12s %6d\n",
			f.ID, f.ValueMM, f.AgeHours, quality, f.Source, f.Samples)
	}
	fmt.Printf("\n%d fields with data, %d without\n", sum.FieldsWithData, sum.FieldsWithoutData)
}
