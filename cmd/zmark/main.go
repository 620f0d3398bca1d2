// Package main implements the zmark CLI tool.
//
// The zmark tool exercises the concurrent mark engine outside of a test
// binary:
//
//  1. stress builds a synthetic heap and runs application threads that
//     rewire it while young and old mark cycles run, verifying each cycle
//  2. scenario replays a scripted heap and checks the marking outcome
//
// Usage:
//
//	zmark stress -mutators 8 -cycles 20     # Stress the marker
//	zmark scenario testdata/basic.zms       # Replay a scenario file
//	zmark version                           # Show version information
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/zmark/gc"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "stress":
		stressCommand(os.Args[2:])
	case "scenario":
		scenarioCommand(os.Args[2:])
	case "version", "--version", "-v":
		info := gc.GetInfo()
		fmt.Printf("zmark version %s (%s)\n", info.Version, info.Algorithm)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`zmark - Concurrent Mark Engine Tool

USAGE:
    zmark <command> [arguments]

COMMANDS:
    stress     Run application threads against concurrent mark cycles
    scenario   Replay a scenario file and check the marking outcome
    version    Show version information
    help       Show this help message

STRESS FLAGS:
    -mutators N     application threads (default 4)
    -cycles N       mark cycles, every third one old (default 12)
    -objects N      objects in the initial graph (default 10000)
    -seed N         random seed of the mutators (default 1)
    -options S      engine options, as in ZMARK_OPTIONS
    -v              print every cycle

EXAMPLES:
    # Stress with 8 threads and verification at every mark end
    zmark stress -mutators 8 -options "verify=true workers=4"

    # Replay a scenario
    zmark scenario testdata/basic.zms

ENVIRONMENT:
    ZMARK_OPTIONS   default engine options, space separated key=value
                    pairs (workers, max_stripes, verify, weak_policy, log, ...)

`)
}
