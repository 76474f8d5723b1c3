package main

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/paddyflow/paddyflow/farm"
	"github.com/paddyflow/paddyflow/plan"
)

type cmdPlan struct {
	Config string   `long:"config" required:"true" description:"Farm configuration file (YAML or JSON)"`
	Pumps  []string `long:"pump" description:"Restrict planning to this pump; repeatable"`
	Zones  []string `long:"zone" description:"Restrict planning to this canal segment; repeatable"`
	Output string   `long:"output" default:"-" description:"Write the plan JSON to this path ('-' for stdout)"`
}

func (cmd cmdPlan) Execute(_ []string) error {
	initLog(Config.Log)

	var cfg, err = farm.LoadConfig(cmd.Config)
	if err != nil {
		return fmt.Errorf("loading farm configuration: %w", err)
	}

	p, err := plan.Build(cfg, plan.Options{
		ActivePumps:  cmd.Pumps,
		AllowedZones: cmd.Zones,
	})
	if err != nil {
		return fmt.Errorf("building plan: %w", err)
	}

	log.WithFields(log.Fields{
		"farm":    p.FarmID,
		"batches": len(p.Batches),
		"etaH":    p.Totals.TotalEtaH,
		"skipped": p.Calc.SkippedNullWLCount,
	}).Info("plan built")

	return writeJSON(cmd.Output, p)
}

func writeJSON(path string, v any) error {
	var out = os.Stdout
	if path != "-" {
		var f, err = os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	var enc = json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
