package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dash-project/dartrt/pkg/collective"
	"github.com/dash-project/dartrt/pkg/dart"
	"github.com/dash-project/dartrt/pkg/deptable"
	"github.com/dash-project/dartrt/pkg/locality"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/metrics"
	"github.com/dash-project/dartrt/pkg/task"
	"github.com/dash-project/dartrt/pkg/transport/local"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dartctl",
	Short: "dartctl - DART runtime diagnostics and simulation",
	Long: `dartctl drives the DART runtime on the in-process simulation
fabric: spin up a handful of units inside one process, inspect the
locality tree, and run a small task graph. The runtime itself has no
CLI; this is tooling around it.`,
	Version: Version,
}

var (
	numUnits    int
	logLevel    string
	metricsAddr string
)

func init() {
	rootCmd.PersistentFlags().IntVarP(&numUnits, "units", "n", 4, "number of simulated units")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(localityCmd)
	rootCmd.AddCommand(taskdemoCmd)
}

// simulate builds an n-unit runtime on the local fabric and runs fn on
// every unit concurrently.
func simulate(n int, hostname func(unit int) string, fn func(r *dart.Runtime) error) error {
	log.Init(log.Config{Level: log.Level(strings.ToLower(logLevel)), JSONOutput: false})
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("metrics endpoint failed", err)
			}
		}()
	}
	eps, err := local.New(n)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for i, ep := range eps {
		i, ep := i, ep
		g.Go(func() error {
			r, err := dart.NewRuntime(ep, dart.Options{Hostname: hostname(i)})
			if err != nil {
				return fmt.Errorf("unit %d: %w", i, err)
			}
			if err := fn(r); err != nil {
				return fmt.Errorf("unit %d: %w", i, err)
			}
			return r.Exit()
		})
	}
	return g.Wait()
}

var localityCmd = &cobra.Command{
	Use:   "locality",
	Short: "Dump the locality tree of a simulated cluster",
	Long: `Builds an n-unit cluster with synthetic hostnames (two units per
hostname; each node hostname is followed by an accelerator module
hostname "-mic0" on the same node) and prints the discovered domain
tree from unit 0's point of view.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname := func(unit int) string {
			node := unit / 2
			if node%2 == 1 {
				return fmt.Sprintf("node%03d-mic0", node/2)
			}
			return fmt.Sprintf("node%03d", node/2)
		}
		var once sync.Once
		return simulate(numUnits, hostname, func(r *dart.Runtime) error {
			if r.MyUnit() == 0 {
				once.Do(func() {
					dumpDomain(r.Locality().Root(), 0)
				})
			}
			return collective.Barrier(context.Background(), r.TeamAll())
		})
	},
}

func dumpDomain(d *locality.Domain, depth int) {
	indent := strings.Repeat("  ", depth)
	tag := d.Tag
	if tag == "" {
		tag = "(root)"
	}
	fmt.Printf("%s%s scope=%s host=%q units=%v\n", indent, tag, d.Scope, d.Host, d.Units)
	for _, c := range d.Children {
		dumpDomain(c, depth+1)
	}
}

var taskdemoCmd = &cobra.Command{
	Use:   "taskdemo",
	Short: "Run a small chain of dependent writer tasks",
	Long: `Each unit allocates a shared counter cell, runs a chain of writer
tasks ordered by data dependencies, and verifies the final value after
completion.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		const chainLen = 8
		return simulate(numUnits, func(int) string { return "simnode" }, func(r *dart.Runtime) error {
			ctx := context.Background()
			world := r.TeamAll()
			ptr, err := r.RMA().Allocate(ctx, world, 8)
			if err != nil {
				return err
			}
			mine := ptr.WithUnit(world.MyID())
			cell, err := r.RMA().LocalSlice(mine, 8)
			if err != nil {
				return err
			}

			sched := r.Scheduler()
			for i := 0; i < chainLen; i++ {
				i := i
				_, err := sched.CreateTask(task.Spec{
					Descr: fmt.Sprintf("writer-%d", i),
					Deps:  []task.Dep{{Ptr: mine, Kind: deptable.Out}},
					Fn: func(tc *task.Ctx) {
						v := binary.LittleEndian.Uint64(cell)
						binary.LittleEndian.PutUint64(cell, v+uint64(i+1))
					},
				})
				if err != nil {
					return err
				}
			}
			sched.Complete()

			want := uint64(chainLen * (chainLen + 1) / 2)
			if got := binary.LittleEndian.Uint64(cell); got != want {
				return fmt.Errorf("task chain result %d, want %d", got, want)
			}
			if r.MyUnit() == 0 {
				fmt.Printf("task chain of %d writers on %d units: ok\n", chainLen, numUnits)
			}
			if err := collective.Barrier(ctx, world); err != nil {
				return err
			}
			return r.RMA().Free(ctx, world, ptr)
		})
	},
}
