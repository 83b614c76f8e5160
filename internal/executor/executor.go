// Package executor runs one external command inside an isolated sandbox,
// streams its combined output, and turns heterogeneous progress line
// formats into a normalized 0-100 signal.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// OpKind selects the synthetic progress rate used when an operation's
// nominal size is unknown.
type OpKind string

const (
	OpTranscode OpKind = "transcode"
	OpProbe     OpKind = "probe"
	OpThumbnail OpKind = "thumbnail"
	OpAudio     OpKind = "audio"
)

// syntheticCap keeps estimated progress from ever claiming completion
// before the process actually exits.
const syntheticCap = 95.0

// parserCap bounds parser-derived progress the same way.
const parserCap = 99.0

const tailLines = 50

type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

type RunSpec struct {
	Image       string
	Cmd         []string
	Mounts      []Mount
	MemoryBytes int64
	CPUShares   int64
	Kind        OpKind
	Hints       Hints
}

// Outcome carries the exit status and the tail of captured output for
// diagnostics.
type Outcome struct {
	ExitCode int
	Output   string
}

// Runtime is the sandbox collaborator: an isolated process with bind
// mounts and resource limits. Implemented by internal/sandbox for Docker
// and by fakes in tests.
type Runtime interface {
	Create(ctx context.Context, spec RunSpec) (id string, err error)
	Start(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Wait(ctx context.Context, id string) (exitCode int, err error)
	Remove(ctx context.Context, id string) error
}

type Executor struct {
	runtime Runtime
	logger  *slog.Logger
}

func New(runtime Runtime, logger *slog.Logger) *Executor {
	return &Executor{runtime: runtime, logger: logger}
}

// Run executes spec in the sandbox and feeds normalized progress (0-100)
// to report. The sandbox is removed on every path, including parser and
// stream errors. A zero exit always forces a final 100 report; a non-zero
// exit returns an error alongside the captured output tail.
func (e *Executor) Run(ctx context.Context, spec RunSpec, report func(percent float64)) (Outcome, error) {
	id, err := e.runtime.Create(ctx, spec)
	if err != nil {
		return Outcome{}, fmt.Errorf("create sandbox: %w", err)
	}
	defer func() {
		if rerr := e.runtime.Remove(context.Background(), id); rerr != nil {
			e.logger.Error("removing sandbox", "sandbox_id", id, "error", rerr)
		}
	}()

	if err := e.runtime.Start(ctx, id); err != nil {
		return Outcome{}, fmt.Errorf("start sandbox: %w", err)
	}

	logs, err := e.runtime.Logs(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("attach sandbox logs: %w", err)
	}
	defer logs.Close()

	mon := newMonitor(report)
	if !spec.Hints.known() {
		stopRamp := mon.startRamp(spec.Kind)
		defer stopRamp()
	}

	parsers := newParsers(spec.Hints)
	tail := make([]string, 0, tailLines)
	scanner := bufio.NewScanner(logs)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail = appendTail(tail, line)
		for _, p := range parsers {
			if frac, ok := p.Parse(line); ok {
				mon.observe(frac * 100)
				break
			}
		}
	}
	if serr := scanner.Err(); serr != nil {
		e.logger.Warn("sandbox log stream ended early", "sandbox_id", id, "error", serr)
	}

	exitCode, err := e.runtime.Wait(ctx, id)
	if err != nil {
		return Outcome{Output: strings.Join(tail, "\n")}, fmt.Errorf("wait for sandbox: %w", err)
	}
	out := Outcome{ExitCode: exitCode, Output: strings.Join(tail, "\n")}
	if exitCode != 0 {
		return out, fmt.Errorf("sandboxed command exited with code %d", exitCode)
	}
	mon.finish()
	return out, nil
}

func (h Hints) known() bool {
	return h.DurationSeconds > 0 || h.TotalFrames > 0 || h.ExpectedFiles > 0
}

func appendTail(tail []string, line string) []string {
	if len(tail) == tailLines {
		copy(tail, tail[1:])
		tail = tail[:tailLines-1]
	}
	return append(tail, line)
}

// monitor serializes progress from the line parsers and the synthetic ramp
// and enforces monotonicity across both.
type monitor struct {
	mu     sync.Mutex
	last   float64
	report func(float64)
	done   chan struct{}
}

func newMonitor(report func(float64)) *monitor {
	return &monitor{report: report, done: make(chan struct{})}
}

func (m *monitor) observe(pct float64) {
	if pct > parserCap {
		pct = parserCap
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pct <= m.last {
		return
	}
	m.last = pct
	m.report(pct)
}

func (m *monitor) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = 100
	m.report(100)
}

// startRamp emits an operation-specific synthetic climb, capped so the
// caller is never told the work finished before it did.
func (m *monitor) startRamp(kind OpKind) (stop func()) {
	step := rampStep(kind)
	go func() {
		t := time.NewTicker(500 * time.Millisecond)
		defer t.Stop()
		synthetic := 0.0
		for {
			select {
			case <-m.done:
				return
			case <-t.C:
				synthetic += step
				if synthetic > syntheticCap {
					synthetic = syntheticCap
				}
				m.mu.Lock()
				if synthetic > m.last {
					m.last = synthetic
					m.report(synthetic)
				}
				m.mu.Unlock()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(m.done) }) }
}

func rampStep(kind OpKind) float64 {
	switch kind {
	case OpProbe:
		return 8
	case OpThumbnail:
		return 3
	case OpAudio:
		return 4
	default:
		return 1
	}
}
