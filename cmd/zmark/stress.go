// stress.go implements the 'zmark stress' command.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/zmark/gc"
)

// stressConfig holds the parsed arguments of 'zmark stress'.
type stressConfig struct {
	mutators int
	cycles   int
	objects  int
	seed     int64
	options  string
	verbose  bool
}

func defaultStressConfig() *stressConfig {
	return &stressConfig{
		mutators: 4,
		cycles:   12,
		objects:  10000,
		seed:     1,
		options:  os.Getenv("ZMARK_OPTIONS"),
	}
}

// stressCommand implements the 'zmark stress' command.
//
// Example:
//
//	zmark stress -mutators 8 -cycles 30 -options "verify=true"
func stressCommand(args []string) {
	config, err := parseStressArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := runStress(ctx, config, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Stress failed: %v\n", err)
		os.Exit(1)
	}
}

// parseStressArgs parses command-line arguments for 'zmark stress'. Both
// "-flag value" and "-flag=value" forms are accepted.
func parseStressArgs(args []string) (*stressConfig, error) {
	config := defaultStressConfig()

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-v" {
			config.verbose = true
			continue
		}
		if !strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-%s flag requires an argument", name)
			}
			i++
			value = args[i]
		}

		var err error
		switch name {
		case "mutators":
			config.mutators, err = parsePositive(value)
		case "cycles":
			config.cycles, err = parsePositive(value)
		case "objects":
			config.objects, err = parsePositive(value)
		case "seed":
			config.seed, err = strconv.ParseInt(value, 10, 64)
		case "options":
			config.options = value
		default:
			return nil, fmt.Errorf("unknown flag -%s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("-%s: %w", name, err)
		}
	}
	return config, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}

// runStress builds a graph of config.objects objects hanging off a few
// global roots, starts config.mutators application threads that keep
// rewiring and extending it, and runs config.cycles mark cycles while they
// do. Every cycle is verified after the fact.
func runStress(ctx context.Context, config *stressConfig, w io.Writer) error {
	rt, err := gc.New(config.options)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", rt)

	holders := buildGraph(rt, config.objects)

	var (
		done sync.WaitGroup
		quit atomic.Bool
		ops  atomic.Int64
	)
	for id := 0; id < config.mutators; id++ {
		done.Add(1)
		go func(id int) {
			defer done.Done()
			rng := rand.New(rand.NewSource(config.seed + int64(id)))
			mutate(rt, holders, rng, config.objects, &quit, &ops)
		}(id)
	}
	stopMutators := func() {
		quit.Store(true)
		done.Wait()
	}

	start := time.Now()
	for i := 0; i < config.cycles; i++ {
		gen := gc.Young
		if i%3 == 2 {
			gen = gc.Old
		}
		st, err := rt.Collect(ctx, gen)
		if err != nil {
			stopMutators()
			return err
		}
		if err := rt.Verify(gen); err != nil {
			stopMutators()
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		if config.verbose {
			fmt.Fprintf(w, "%s\n", st)
		}
	}
	stopMutators()

	fmt.Fprintf(w, "%d cycles, %d mutator operations in %v\n",
		config.cycles, ops.Load(), time.Since(start).Round(time.Millisecond))
	rt.Report(w)
	return nil
}

// holderRefs is the number of reference fields of every holder object.
const holderRefs = 4

// buildGraph allocates objects linked in chains from global holders and
// returns the holders. Every fourth object is old.
func buildGraph(rt *gc.Runtime, objects int) []gc.Ref {
	t := rt.Attach("builder")
	defer t.Detach()

	nholders := max(objects/64, 1)
	holders := make([]gc.Ref, nholders)

	t.Enter()
	defer t.Exit()
	for i := range holders {
		holders[i] = t.Allocate(gc.Old, holderRefs)
		rt.AddGlobal(holders[i])
	}
	for i := 0; i < objects; i++ {
		gen := gc.Young
		if i%4 == 0 {
			gen = gc.Old
		}
		obj := t.Allocate(gen, 1)
		h := holders[i%nholders]
		// Prepend to the holder's first chain.
		t.Store(obj, 0, t.Load(h, 0))
		t.Store(h, 0, obj)
		if i%256 == 0 {
			t.Poll()
		}
	}
	return holders
}

// mutate performs random loads, stores and allocations on the holders
// until quit is set. At most budget objects are allocated; the engine
// never frees memory.
func mutate(rt *gc.Runtime, holders []gc.Ref, rng *rand.Rand, budget int, quit *atomic.Bool, ops *atomic.Int64) {
	t := rt.Attach("mutator")
	defer t.Detach()

	for !quit.Load() {
		t.Enter()
		for i := 0; i < 64; i++ {
			from := holders[rng.Intn(len(holders))]
			to := holders[rng.Intn(len(holders))]
			switch rng.Intn(4) {
			case 0:
				// Move a chain between holders.
				t.Store(to, rng.Intn(holderRefs), t.Load(from, rng.Intn(holderRefs)))
			case 1:
				// Drop a chain.
				t.Store(from, 1+rng.Intn(holderRefs-1), 0)
			case 2:
				// Push a new young object onto a chain.
				if budget == 0 {
					continue
				}
				obj, err := t.TryAllocate(gc.Young, 1)
				if err != nil {
					budget = 0
					continue
				}
				budget--
				slot := rng.Intn(holderRefs)
				t.Store(obj, 0, t.Load(to, slot))
				t.Store(to, slot, obj)
			default:
				// Walk a chain.
				p := t.Load(from, 0)
				for n := 0; n < 8 && !p.IsNull(); n++ {
					p = t.Load(p, 0)
				}
			}
		}
		t.Exit()
		ops.Add(64)
	}
}
