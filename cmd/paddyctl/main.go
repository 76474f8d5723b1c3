package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

// Config holds the global flags shared by every paddyctl command.
var Config struct {
	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var parser = flags.NewParser(&Config, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("plan", "Build an irrigation plan", `
Build a batched irrigation plan from a farm configuration: fields are
grouped under the pump-capacity and time-window envelope, and each batch
is projected into ordered pump, regulator, and field-inlet commands.
`, &cmdPlan{})

	_, _ = parser.AddCommand("scenarios", "Enumerate and compare pump scenarios", `
Build one plan per meaningful pump subset (each single pump, plus the full
combination) and rank them by electricity cost, completion time, and a
balanced score.
`, &cmdScenarios{})

	_, _ = parser.AddCommand("execute", "Execute an irrigation plan", `
Drive a plan's batches through their execution lifecycle until completion
or SIGTERM. Water levels refresh before each batch fires, commands
regenerate against them, and devices close bottom-up as fields reach
their targets.
`, &cmdExecute{})

	_, _ = parser.AddCommand("levels", "Summarize stored water levels", `
Report the per-field water-level coverage of a persisted reading store:
latest values, reading age, quality, and source distributions. Manual
readings may be added and persisted in the same invocation.
`, &cmdLevels{})

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Stdout.WriteString(fe.Message + "\n")
			os.Exit(0)
		}
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
