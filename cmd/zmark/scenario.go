// scenario.go implements the 'zmark scenario' command.
//
// A scenario file scripts a heap and the expected outcome of marking it.
// One command per line; blank lines and lines starting with '#' are
// ignored:
//
//	version v0.1.0            # required first command
//	options workers=2         # engine options, before any allocation
//	alloc  NAME GEN REFS      # instance with REFS reference fields
//	array  NAME GEN LEN       # reference array
//	global NAME               # strong global root
//	weak   ROOT NAME          # weak global root named ROOT
//	store  NAME I TARGET      # field I of NAME := TARGET ("null" clears)
//	collect GEN               # run a mark cycle
//	verify GEN                # verify the last cycle of GEN
//	expect live|dead NAME     # liveness after the last cycle
//	expect cleared|kept ROOT  # state of a weak root
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kolkov/zmark/gc"
)

// ErrExpectation is wrapped by the error of a failed expect command.
var ErrExpectation = errors.New("expectation failed")

// step is one parsed scenario command.
type step struct {
	line int
	op   string
	args []string
}

// scenario is a parsed scenario file.
type scenario struct {
	version string
	options string
	steps   []step
}

// scenarioCommand implements the 'zmark scenario' command.
//
// Example:
//
//	zmark scenario testdata/basic.zms
func scenarioCommand(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Error: scenario requires exactly one file")
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = f.Close() }()

	s, err := parseScenario(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", args[0], err)
		os.Exit(1)
	}
	if err := runScenario(context.Background(), s, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Scenario failed: %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

// arity is the number of arguments of every command.
var arity = map[string]int{
	"alloc":   3,
	"array":   3,
	"global":  1,
	"weak":    2,
	"store":   3,
	"collect": 1,
	"verify":  1,
	"expect":  2,
}

// parseScenario reads a scenario and checks its syntax and version.
func parseScenario(r io.Reader) (*scenario, error) {
	s := &scenario{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		op, args := fields[0], fields[1:]

		switch {
		case s.version == "" && op != "version":
			return nil, fmt.Errorf("line %d: scenario must start with a version", line)
		case op == "version":
			if s.version != "" || len(args) != 1 {
				return nil, fmt.Errorf("line %d: malformed version", line)
			}
			if !gc.Compatible(args[0]) {
				return nil, fmt.Errorf("line %d: scenario version %s is not supported by zmark %s", line, args[0], gc.Version)
			}
			s.version = args[0]
		case op == "options":
			if len(s.steps) > 0 {
				return nil, fmt.Errorf("line %d: options must precede all other commands", line)
			}
			s.options = strings.Join(args, " ")
		default:
			n, ok := arity[op]
			if !ok {
				return nil, fmt.Errorf("line %d: unknown command %q", line, op)
			}
			if len(args) != n {
				return nil, fmt.Errorf("line %d: %s takes %d arguments, got %d", line, op, n, len(args))
			}
			s.steps = append(s.steps, step{line: line, op: op, args: args})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if s.version == "" {
		return nil, errors.New("empty scenario")
	}
	return s, nil
}

// scenarioRun is the state of a running scenario.
type scenarioRun struct {
	rt      *gc.Runtime
	t       *gc.Thread
	objects map[string]gc.Ref
	weak    map[string]*gc.Root
	out     io.Writer
}

// runScenario executes s and reports the first failing step.
func runScenario(ctx context.Context, s *scenario, w io.Writer) error {
	rt, err := gc.New(s.options)
	if err != nil {
		return err
	}
	r := &scenarioRun{
		rt:      rt,
		t:       rt.Attach("scenario"),
		objects: make(map[string]gc.Ref),
		weak:    make(map[string]*gc.Root),
		out:     w,
	}
	defer r.t.Detach()

	for _, st := range s.steps {
		if err := r.exec(ctx, st); err != nil {
			return fmt.Errorf("line %d: %s: %w", st.line, st.op, err)
		}
	}
	fmt.Fprintf(w, "ok: %d steps\n", len(s.steps))
	return nil
}

func (r *scenarioRun) exec(ctx context.Context, st step) error {
	switch st.op {
	case "alloc", "array":
		return r.allocate(st)
	case "global":
		obj, err := r.object(st.args[0])
		if err != nil {
			return err
		}
		r.rt.AddGlobal(obj)
	case "weak":
		obj, err := r.object(st.args[1])
		if err != nil {
			return err
		}
		r.weak[st.args[0]] = r.rt.AddWeak(obj)
	case "store":
		return r.store(st)
	case "collect":
		gen, err := parseGeneration(st.args[0])
		if err != nil {
			return err
		}
		stats, err := r.rt.Collect(ctx, gen)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s\n", stats)
	case "verify":
		gen, err := parseGeneration(st.args[0])
		if err != nil {
			return err
		}
		return r.rt.Verify(gen)
	case "expect":
		return r.expect(st.args[0], st.args[1])
	}
	return nil
}

func (r *scenarioRun) allocate(st step) error {
	name := st.args[0]
	if _, dup := r.objects[name]; dup {
		return fmt.Errorf("object %q already defined", name)
	}
	gen, err := parseGeneration(st.args[1])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(st.args[2])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid size %q", st.args[2])
	}

	r.t.Enter()
	defer r.t.Exit()
	if st.op == "array" {
		r.objects[name] = r.t.AllocateArray(gen, n)
	} else {
		r.objects[name] = r.t.Allocate(gen, n)
	}
	return nil
}

func (r *scenarioRun) store(st step) error {
	obj, err := r.object(st.args[0])
	if err != nil {
		return err
	}
	i, err := strconv.Atoi(st.args[1])
	if err != nil || i < 0 {
		return fmt.Errorf("invalid field %q", st.args[1])
	}
	var target gc.Ref
	if st.args[2] != "null" {
		if target, err = r.object(st.args[2]); err != nil {
			return err
		}
	}

	r.t.Enter()
	defer r.t.Exit()
	r.t.Store(obj, i, target)
	return nil
}

func (r *scenarioRun) expect(what, name string) error {
	switch what {
	case "live", "dead":
		obj, err := r.object(name)
		if err != nil {
			return err
		}
		if live := r.rt.IsLive(obj); live != (what == "live") {
			return fmt.Errorf("%s is %s: %w", name, liveness(live), ErrExpectation)
		}
	case "cleared", "kept":
		root, ok := r.weak[name]
		if !ok {
			return fmt.Errorf("unknown weak root %q", name)
		}
		r.t.Enter()
		cleared := r.t.LoadWeak(root).IsNull()
		r.t.Exit()
		if cleared != (what == "cleared") {
			state := "kept"
			if cleared {
				state = "cleared"
			}
			return fmt.Errorf("weak root %s is %s: %w", name, state, ErrExpectation)
		}
	default:
		return fmt.Errorf("unknown expectation %q", what)
	}
	return nil
}

func (r *scenarioRun) object(name string) (gc.Ref, error) {
	obj, ok := r.objects[name]
	if !ok {
		return 0, fmt.Errorf("unknown object %q", name)
	}
	return obj, nil
}

func parseGeneration(s string) (gc.Generation, error) {
	switch s {
	case "young":
		return gc.Young, nil
	case "old":
		return gc.Old, nil
	}
	return 0, fmt.Errorf("unknown generation %q", s)
}

func liveness(live bool) string {
	if live {
		return "live"
	}
	return "dead"
}
