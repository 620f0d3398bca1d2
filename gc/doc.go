// Package gc provides the public API of the zmark concurrent mark engine.
//
// zmark models the marking half of a generational, region-based,
// concurrent collector: colored pointers, load and store barriers that heal
// references in place, a work-stealing parallel marker with striped mark
// stacks, a termination protocol, entry barriers for compiled code and
// lazily processed thread stacks. The heap it manages is simulated; objects
// are allocated through the API and referenced by colored Refs.
//
// # Quick Start
//
//	rt, err := gc.New("workers=4 verify=true")
//	if err != nil {
//		log.Fatal(err)
//	}
//	t := rt.Attach("main")
//	defer t.Detach()
//
//	t.Enter()
//	root := t.Allocate(gc.Old, 1)
//	rt.AddGlobal(root)
//	t.Store(root, 0, t.Allocate(gc.Young, 0))
//	t.Exit()
//
//	st, err := rt.Collect(context.Background(), gc.Young)
//
// # Threads
//
// Application threads attach to a Runtime and touch the heap only between
// Enter and Exit. While a thread is outside, the collector may run a
// safepoint or a handshake on its behalf. Long running code between Enter
// and Exit calls Poll periodically.
//
// # Mark Cycles
//
// Collect runs one complete mark cycle of a generation:
//
//  1. Mark start: at a safepoint the colors flip, so every existing
//     reference becomes bad and is healed by the next barrier that sees it.
//  2. Root marking: globals, class loaders, thread stacks and compiled
//     code are marked by the GC workers concurrently with the application.
//  3. Concurrent marking: workers drain and steal mark work until the
//     termination protocol agrees the work is done.
//  4. Mark end: at a safepoint, marking completes unless application
//     threads still held buffered work, in which case step 3 repeats.
//
// Weak roots whose referents were not marked are cleared afterwards.
//
// # Configuration
//
// Options are space separated key=value pairs, read by Init from the
// ZMARK_OPTIONS environment variable:
//
//	workers=N            GC worker threads (default 4)
//	max_stripes=N        mark stripes, rounded down to a power of two
//	partial_array_shift  log2 of the partial array chunk in bytes
//	proactive_flush_max  proactive flushes per cycle
//	mark_stack_limit     mark stack space, with K, M or G suffix
//	store_buffer=N       buffered store barriers per thread
//	buffer_stores=bool   buffer store barriers
//	string_dedup=bool    collect string deduplication candidates
//	verify=bool          verify marking at every mark end
//	weak_policy          generational or strict
//	log=LEVEL            debug, info, warn or error
package gc
