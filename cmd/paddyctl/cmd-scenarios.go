package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/paddyflow/paddyflow/farm"
	"github.com/paddyflow/paddyflow/plan"
)

type cmdScenarios struct {
	Config    string   `long:"config" required:"true" description:"Farm configuration file (YAML or JSON)"`
	Zones     []string `long:"zone" description:"Restrict planning to this canal segment; repeatable"`
	MinFields int      `long:"min-fields" default:"1" description:"Skip scenarios covering fewer eligible fields than this"`
	Output    string   `long:"output" default:"-" description:"Write the scenario set JSON to this path ('-' for stdout)"`
	Quiet     bool     `long:"quiet" description:"Suppress the comparison table"`
}

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()

func (cmd cmdScenarios) Execute(_ []string) error {
	initLog(Config.Log)

	var cfg, err = farm.LoadConfig(cmd.Config)
	if err != nil {
		return fmt.Errorf("loading farm configuration: %w", err)
	}

	set, err := plan.BuildScenarios(cfg, plan.Options{AllowedZones: cmd.Zones}, cmd.MinFields)
	if err != nil {
		return fmt.Errorf("building scenarios: %w", err)
	}
	cmp, err := plan.CompareScenarios(set)
	if err != nil {
		return fmt.Errorf("comparing scenarios: %w", err)
	}

	if !cmd.Quiet {
		printComparison(set, cmp)
	}

	return writeJSON(cmd.Output, struct {
		*plan.ScenarioSet
		Comparison plan.Comparison `json:"comparison"`
	}{set, cmp})
}

func printComparison(set *plan.ScenarioSet, cmp plan.Comparison) {
	fmt.Printf("%-24s %12s %10s %10s %8s\n", "scenario", "cost", "eta_h", "coverage", "fields")
	for _, s := range set.Scenarios {
		var name = s.Name
		switch name {
		case cmp.Balanced:
			name = green(name + " *")
		case cmp.MinCost, cmp.MinTime:
			name = yellow(name)
		}
		fmt.Printf("%-24s %12.2f %10.2f %7d/%-2d %8d\n",
			name, s.ElectricityCost, s.Plan.Totals.TotalEtaH,
			s.CoveredSegments, s.TotalSegments, s.EligibleFields)
	}
	fmt.Printf("\nmin-cost: %s  min-time: %s  balanced: %s\n",
		cmp.MinCost, cmp.MinTime, green(cmp.Balanced))
}
