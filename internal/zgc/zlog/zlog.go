// Package zlog provides tagged structured loggers for the collector core.
//
// Records carry a "tags" attribute naming the subsystem, mirroring the tag
// sets of the runtime this core is modeled on:
//
//	time=... level=DEBUG msg="Mark Worker/Stripe Distribution" tags=gc,marking worker=2 stripe=2
package zlog

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Tag sets used across the collector.
const (
	TagMarking      = "gc,marking"
	TagNMethod      = "gc,nmethod"
	TagBarrier      = "gc,barrier"
	TagStackBarrier = "stackbarrier"
	TagWorkers      = "gc,task"
	TagHeap         = "gc,heap"
)

var root atomic.Pointer[slog.Logger]

var level = new(slog.LevelVar)

func init() {
	level.Set(slog.LevelWarn)
	root.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// SetLevel changes the minimum level of the default logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetOutput redirects the default logger to w as text records.
func SetOutput(w io.Writer) {
	root.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// SetLogger replaces the default logger.
func SetLogger(l *slog.Logger) {
	root.Store(l)
}

// For returns a logger whose records carry tags.
func For(tags string) *slog.Logger {
	return root.Load().With(slog.String("tags", tags))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
