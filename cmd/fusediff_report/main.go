// fusediff_report runs the built-in differential scenario suite -- reference engine vs
// lowered engine -- and prints a styled comparison report.
//
// Typical usage:
//
//	fusediff_report                          # eager vs fuser, all scenarios
//	fusediff_report -lowered fuser:fp16      # float16 lowering, fp16 tolerance
//	fusediff_report -spec lowering.jwcc      # engine configured from a compile spec
//	fusediff_report -scenarios 'sigmoid.*'   # subset by regex
//
// It exits with status 1 when any scenario fails.
package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/compilespec"
	"github.com/fusediff/fusediff/difftest"
	"github.com/fusediff/fusediff/types"

	_ "github.com/fusediff/fusediff/backends/default"
)

var (
	flagReference = flag.String("reference", "eager",
		"Backend configuration of the reference engine, \"<name>:<config>\".")
	flagLowered = flag.String("lowered", "fuser",
		"Backend configuration of the engine under test, \"<name>:<config>\".")
	flagSpec = flag.String("spec", "",
		"Path of a JWCC compile spec; its backend and options override -lowered, and "+
			"convertToFP16 selects the float16 tolerance.")
	flagTolerance = flag.Float64("tolerance", 0,
		"Output comparison tolerance; 0 selects each scenario's own default.")
	flagScenarios = flag.String("scenarios", "",
		"Regexp selecting which scenarios to run; empty runs all of them.")
	flagList = flag.Bool("list", false,
		"List the scenario names and exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'fusediff_report -help'.", flag.Args())
		os.Exit(1)
	}

	scenarios := builtinScenarios()
	if *flagScenarios != "" {
		matcher := must.M1(regexp.Compile(*flagScenarios))
		scenarios = filterScenarios(scenarios, matcher)
		if len(scenarios) == 0 {
			klog.Errorf("No scenario matches %q. Use -list to see the scenario names.", *flagScenarios)
			os.Exit(1)
		}
	}
	if *flagList {
		for _, tc := range scenarios {
			fmt.Println(tc.Name)
		}
		return
	}

	loweredConfig := *flagLowered
	tolerance := *flagTolerance
	if *flagSpec != "" {
		spec := must.M1(compilespec.Load(*flagSpec))
		loweredConfig = spec.BackendConfig()
		if tolerance == 0 && spec.Options.ConvertToFP16 {
			tolerance = difftest.Float16Tolerance
		}
	}

	reference := backends.NewWithConfig(*flagReference)
	defer reference.Finalize()
	lowered := backends.NewWithConfig(loweredConfig)
	defer lowered.Finalize()

	failed := report(reference, lowered, scenarios, tolerance)
	if failed > 0 {
		os.Exit(1)
	}
}

// report runs the scenarios and prints the comparison table, returning how many failed.
func report(reference, lowered backends.Backend, scenarios []difftest.TestCase, tolerance float64) int {
	table := newReportTable()
	failed := 0
	var inputBytes uintptr
	for _, tc := range scenarios {
		if tolerance != 0 {
			tc.Tolerance = tolerance
		}
		for _, input := range tc.Inputs {
			inputBytes += input.Shape().Memory()
		}
		result, err := difftest.Compare(reference, lowered, tc)
		if err != nil && !result.Failed() {
			klog.Errorf("Scenario %q could not run: %+v", tc.Name, err)
			os.Exit(1)
		}
		if result.Failed() {
			failed++
		}
		table.Row(result.Failed(), tc.Name, statusOf(&result),
			fmt.Sprintf("%.3g", result.MaxAbsDiff), fusedOpsOf(&result),
			strings.Join(result.MissingExpectedOps, ", "))
	}

	fmt.Printf("%s vs %s: %d scenario(s), %s of inputs\n",
		reference.Name(), lowered.Name(), len(scenarios), humanize.IBytes(uint64(inputBytes)))
	fmt.Println(table.Render())
	if failed > 0 {
		fmt.Printf("%d scenario(s) FAILED\n", failed)
	} else {
		fmt.Println("all scenarios passed")
	}
	return failed
}

func statusOf(result *difftest.Result) string {
	if !result.Failed() {
		return "ok"
	}
	kinds := types.MakeSet[string]()
	for _, failure := range result.Failures {
		kinds.Insert(failure.Kind.String())
	}
	return strings.Join(types.SortedKeys(kinds), ", ")
}

func fusedOpsOf(result *difftest.Result) string {
	if result.Trace == nil {
		return "-"
	}
	return strings.Join(result.Trace.FusedOpNames(), ", ")
}

func filterScenarios(scenarios []difftest.TestCase, matcher *regexp.Regexp) []difftest.TestCase {
	var selected []difftest.TestCase
	for _, tc := range scenarios {
		if matcher.MatchString(tc.Name) {
			selected = append(selected, tc)
		}
	}
	return selected
}
