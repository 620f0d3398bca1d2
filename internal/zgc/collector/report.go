package collector

import (
	"fmt"
	"io"

	"github.com/kolkov/zmark/internal/zgc/heap"
)

// Report writes a summary of every completed cycle to w.
//
// Example output:
//
//	==================
//	Mark Report
//	==================
//	young: 3 cycles, last live 120 objects / 4096 bytes
//	old:   1 cycles, last live 40 objects / 2048 bytes
//	Weak roots cleared: 2
//	==================
func (c *Collector) Report(w io.Writer) {
	hist := c.History()

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "Mark Report\n")
	fmt.Fprintf(w, "==================\n")

	if len(hist) == 0 {
		fmt.Fprintf(w, "No mark cycles completed.\n")
		fmt.Fprintf(w, "==================\n\n")
		return
	}

	var (
		count   [heap.NumGenerations]int
		last    [heap.NumGenerations]CycleStats
		cleared int
		dedup   int
		resumed uint64
	)
	for _, st := range hist {
		count[st.Generation]++
		last[st.Generation] = st
		cleared += st.WeakCleared
		dedup += st.Deduplicated
		resumed += st.Mark.NContinue
	}
	for gen := 0; gen < heap.NumGenerations; gen++ {
		if count[gen] == 0 {
			continue
		}
		st := last[gen]
		fmt.Fprintf(w, "%-6s %d cycles, last live %d objects / %d bytes\n",
			heap.Generation(gen).String()+":", count[gen], st.LiveObjects, st.LiveBytes)
	}
	fmt.Fprintf(w, "Weak roots cleared: %d\n", cleared)
	if dedup > 0 {
		fmt.Fprintf(w, "Duplicate strings found: %d\n", dedup)
	}
	if resumed > 0 {
		fmt.Fprintf(w, "Mark end resumed marking %d time(s)\n", resumed)
	}
	fmt.Fprintf(w, "==================\n\n")
}
