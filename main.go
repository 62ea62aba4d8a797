package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/sugawarayuuta/sonnet"
	"gopkg.in/yaml.v2"

	"github.com/gcglue/gcglue/diagnostics"
	"github.com/gcglue/gcglue/gcenv"
	"github.com/gcglue/gcglue/metrics"
	"github.com/gcglue/gcglue/refproc"
	"github.com/gcglue/gcglue/simvm"
	"github.com/gcglue/gcglue/slot"
)

func usage() {
	fmt.Fprintln(os.Stderr, "gcglue drives the collector glue against a simulated runtime.")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "usage: gcglue [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Options can also be set in the", gcenv.EnvVar, "environment variable. Known options:")
	for _, key := range gcenv.Keys() {
		fmt.Fprintln(os.Stderr, "  "+key)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "flags:")
	flag.PrintDefaults()
}

// handleError prints err and exits if it is not nil.
func handleError(err error) {
	if err == nil {
		return
	}
	wd, getwdErr := os.Getwd()
	if getwdErr != nil {
		wd = ""
	}
	diags := diagnostics.CreateDiagnostics(err)
	diags.WriteTo(os.Stderr, wd)
	os.Exit(1)
}

// workload describes the mutator run between collections.
type workload struct {
	Cycles    int
	Objects   int
	Emergency bool
	Verify    bool
	Seed      int64
}

type cycleReport struct {
	Cycle        int               `yaml:"cycle" json:"cycle"`
	Allocated    int               `yaml:"allocated" json:"allocated"`
	Live         int               `yaml:"live" json:"live"`
	LiveBytes    uint64            `yaml:"live_bytes" json:"live_bytes"`
	ClearedRoots int               `yaml:"cleared_roots" json:"cleared_roots"`
	Pending      int               `yaml:"pending" json:"pending"`
	Pause        string            `yaml:"pause" json:"pause"`
	Metrics      map[string]uint64 `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

type report struct {
	Config     gcenv.Config  `yaml:"config" json:"config"`
	Cycles     []cycleReport `yaml:"cycles" json:"cycles"`
	PauseTotal string        `yaml:"pause_total" json:"pause_total"`
}

// Number of global roots the workload uses.
const globals = 32

// run executes the workload on a fresh VM.
func run(cfg gcenv.Config, wl workload) (*report, error) {
	vm, err := simvm.New(cfg)
	if err != nil {
		return nil, err
	}
	defer vm.Close()

	rng := rand.New(rand.NewSource(wl.Seed))
	g := vm.Globals()[:globals]
	stack := vm.NewStack(16)
	code := vm.NewCodeUnit(4)
	loader := vm.NewClassLoader(4, 4)
	handles := make([]slot.RootSlot, 8)
	for i := range handles {
		handles[i] = vm.NewWeakHandle(slot.Null)
	}
	tables := []*simvm.RootTable{stack, code, loader.Strong, loader.Weak}

	rep := &report{Config: cfg}
	for cycle := 0; cycle < wl.Cycles; cycle++ {
		allocated, err := mutate(vm, rng, wl.Objects, g, tables, handles)
		if err != nil {
			return nil, err
		}

		before := vm.Metrics().Snapshot()
		cs := vm.Collect(simvm.CollectOptions{Emergency: wl.Emergency})
		delta := metrics.Delta(before, vm.Metrics().Snapshot())
		if wl.Verify {
			if err := vm.Verify(); err != nil {
				return nil, fmt.Errorf("cycle %d: %w", cycle, err)
			}
		}
		pending := vm.PendingLen()
		// The mutator handles half of the pending references before the
		// next cycle.
		if cycle%2 == 1 {
			vm.TakePending()
		}
		rep.Cycles = append(rep.Cycles, cycleReport{
			Cycle:        cycle,
			Allocated:    allocated,
			Live:         cs.Objects,
			LiveBytes:    uint64(cs.Bytes),
			ClearedRoots: cs.ClearedRoots,
			Pending:      pending,
			Pause:        cs.Pause.String(),
			Metrics:      delta,
		})
		diagnostics.Infof("gcglue", "cycle %d: %d allocated, %d live, %d pending (%s)",
			cycle, allocated, cs.Objects, pending, cs.Pause)
	}
	var stats simvm.GCStats
	vm.ReadGCStats(&stats)
	rep.PauseTotal = stats.PauseTotal.String()
	return rep, nil
}

// mutate allocates up to n objects, links them at random, and stores some in
// the roots. It stops early when the heap is full.
func mutate(vm *simvm.VM, rng *rand.Rand, n int, g []slot.RootSlot, tables []*simvm.RootTable, handles []slot.RootSlot) (int, error) {
	h := vm.Heap()
	objs := make([]slot.Ref, 0, n)
	for len(objs) < n {
		var (
			r   slot.Ref
			err error
		)
		switch k := rng.Intn(10); {
		case k < 8 || len(objs) == 0:
			r, err = vm.NewObject(rng.Intn(5), simvm.Pointers, rng.Uint64())
		default:
			kind := refproc.Kinds[rng.Intn(len(refproc.Kinds))]
			r, err = vm.NewReference(kind, objs[rng.Intn(len(objs))])
		}
		if errors.Is(err, simvm.ErrHeapFull) {
			break
		} else if err != nil {
			return len(objs), err
		}
		objs = append(objs, r)
	}
	if len(objs) == 0 {
		return 0, nil
	}
	pick := func() slot.Ref { return objs[rng.Intn(len(objs))] }
	for _, r := range objs {
		if h.Kind(r) != simvm.KindPlain {
			continue
		}
		for i := 0; i < h.NumFields(r); i++ {
			if rng.Intn(2) == 0 {
				h.Field(r, i).Store(pick())
			}
		}
	}
	for i := 0; i < len(g)/4; i++ {
		g[rng.Intn(len(g))].Store(pick())
	}
	for _, t := range tables {
		t.Set(rng.Intn(t.Len()), pick())
	}
	handles[rng.Intn(len(handles))].Store(pick())
	return len(objs), nil
}

func writeReport(w io.Writer, rep *report, format string) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case "yaml":
		data, err = yaml.Marshal(rep)
	case "json":
		data, err = sonnet.Marshal(rep)
		data = append(data, '\n')
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// writeReportFile writes the report to path. Concurrent runs writing the
// same file are serialized by a lock file next to it.
func writeReportFile(path string, rep *report, format string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("could not lock %s: %w", path, err)
	}
	defer lock.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeReport(f, rep, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	options := flag.String("options", "", "option string applied after the configuration, e.g. \"plan=semispace workers=4\"")
	cycles := flag.Int("cycles", 5, "number of collections")
	objects := flag.Int("objects", 10000, "objects allocated before each collection")
	moving := flag.Bool("moving", false, "use the semispace plan")
	emergency := flag.Bool("emergency", false, "run emergency collections, which retain soft references")
	format := flag.String("format", "yaml", "report format: yaml or json")
	reportPath := flag.String("report", "", "write the report to this file instead of stdout")
	verify := flag.Bool("verify", true, "check the heap after every collection")
	verbose := flag.Bool("v", false, "log collector internals")
	seed := flag.Int64("seed", 0, "random seed (default: current time)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "unexpected arguments:", flag.Args())
		usage()
		os.Exit(1)
	}

	cfg := gcenv.Default()
	if *configPath != "" {
		var err error
		cfg, err = gcenv.Load(*configPath)
		handleError(err)
	}
	handleError(cfg.ApplyEnv())
	handleError(cfg.ParseOptions(*options))
	if *moving && !cfg.SelectedPlan().Moving {
		cfg.Plan = "semispace"
	}
	if *verbose {
		cfg.Verbose = true
	}
	if cfg.Verbose {
		diagnostics.SetLevel(diagnostics.LevelDebug)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	diagnostics.Debugf("gcglue", "seed %d", *seed)

	rep, err := run(cfg, workload{
		Cycles:    *cycles,
		Objects:   *objects,
		Emergency: *emergency,
		Verify:    *verify,
		Seed:      *seed,
	})
	handleError(err)

	if *reportPath != "" {
		handleError(writeReportFile(*reportPath, rep, *format))
		return
	}
	handleError(writeReport(os.Stdout, rep, *format))
}
