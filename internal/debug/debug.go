// Package debug implements the asynchronous debug sink: a queue-backed
// consumer of debug/log and trace events with per-component level filtering,
// command tracing, and a small performance counter view. Producers never
// block on the sink; when the queue is full the record is dropped and
// counted.
package debug

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
)

// Level is the per-component filter threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// ParseLevel maps a CLI level name to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARNING", "WARN":
		return LevelWarning, true
	case "ERROR":
		return LevelError, true
	}
	return 0, false
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// record is one queued debug item.
type record struct {
	kind    string // log, command_trace, state_transition, performance
	payload event.Payload
}

const queueCapacity = 1024

// Service is the debug sink.
type Service struct {
	*service.Runner

	log *slog.Logger

	queue chan record

	mu          sync.Mutex
	globalLevel Level
	levels      map[string]Level
	traceOn     bool
	perfOn      bool
	perf        map[string]perfStat
	dropped     uint64
}

type perfStat struct {
	count int
	total time.Duration
	max   time.Duration
}

var _ service.Service = (*Service)(nil)

// New creates the debug service writing through log.
func New(b *bus.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		Runner:      service.NewRunner("debug", b),
		log:         log,
		queue:       make(chan record, queueCapacity),
		globalLevel: LevelInfo,
		levels:      make(map[string]Level),
		perf:        make(map[string]perfStat),
	}
}

// Start subscribes the intake handlers, registers the debug CLI command, and
// launches the queue consumer.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(ctx context.Context) error {
		intakes := map[string]string{
			event.TopicDebugLog:             "log",
			event.TopicDebugCommandTrace:    "command_trace",
			event.TopicDebugStateTransition: "state_transition",
			event.TopicDebugPerformance:     "performance",
		}
		for topic, kind := range intakes {
			if err := s.Subscribe(topic, s.intake(kind)); err != nil {
				return err
			}
		}
		if err := s.Subscribe(event.TopicDebugSetGlobalLevel, s.handleSetGlobalLevel); err != nil {
			return err
		}
		if err := s.Subscribe(event.TopicDebugCommand, s.handleCommand); err != nil {
			return err
		}
		if err := s.Bus().Emit(ctx, event.TopicRegisterCommand, event.Payload{
			"pattern": "debug",
			"service": s.Name(),
			"topic":   event.TopicDebugCommand,
		}); err != nil {
			return err
		}

		s.Go(s.consume)
		return nil
	})
}

// Stop drains nothing; queued records not yet consumed are discarded.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, nil)
}

// Dropped returns the count of records discarded due to a full queue.
func (s *Service) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// SetLevel sets the filter threshold for one component, or for all
// components when component is "all".
func (s *Service) SetLevel(component string, level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if component == "all" {
		s.globalLevel = level
		clear(s.levels)
		return
	}
	s.levels[component] = level
}

// levelFor returns the effective threshold for component.
func (s *Service) levelFor(component string) Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.levels[component]; ok {
		return l
	}
	return s.globalLevel
}

// intake enqueues a record without blocking the emitter.
func (s *Service) intake(kind string) bus.Handler {
	return func(_ context.Context, p event.Payload) error {
		select {
		case s.queue <- record{kind: kind, payload: p.Clone()}:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
		return nil
	}
}

// consume is the queue worker.
func (s *Service) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.queue:
			s.process(rec)
		}
	}
}

func (s *Service) process(rec record) {
	p := rec.payload
	switch rec.kind {
	case "log":
		component := p.String("component")
		level, ok := ParseLevel(p.String("level"))
		if !ok {
			level = LevelInfo
		}
		if level < s.levelFor(component) {
			return
		}
		s.log.Log(context.Background(), level.slog(), p.String("message"),
			"component", component)

	case "command_trace":
		s.mu.Lock()
		on := s.traceOn
		s.mu.Unlock()
		if !on {
			return
		}
		s.log.Info("command trace",
			"command", p.String("command"),
			"service", p.String("service"),
			"raw_input", p.String("raw_input"),
		)

	case "state_transition":
		s.log.Info("state transition",
			"component", p.String("component"),
			"old", p.String("old"),
			"new", p.String("new"),
		)

	case "performance":
		s.mu.Lock()
		if s.perfOn {
			name := p.String("operation")
			d := time.Duration(p.Int("duration_ms")) * time.Millisecond
			stat := s.perf[name]
			stat.count++
			stat.total += d
			if d > stat.max {
				stat.max = d
			}
			s.perf[name] = stat
		}
		s.mu.Unlock()
	}
}

// handleSetGlobalLevel serves debug/set_global_level {level}.
func (s *Service) handleSetGlobalLevel(_ context.Context, p event.Payload) error {
	level, ok := ParseLevel(p.String("level"))
	if !ok {
		return event.Errf(event.KindDispatchInvalidPayload, s.Name(),
			"unknown debug level %q", p.String("level"))
	}
	s.SetLevel("all", level)
	return nil
}

// handleCommand serves the debug CLI: level, trace, performance subcommands.
func (s *Service) handleCommand(ctx context.Context, p event.Payload) error {
	args := p.Strings("args")
	if len(args) == 0 {
		return s.respond(ctx, "usage: debug level <component|all> <LEVEL> | debug trace <enable|disable> | debug performance <enable|disable|show>", true)
	}

	switch args[0] {
	case "level":
		if len(args) != 3 {
			return s.respond(ctx, "usage: debug level <component|all> <LEVEL>", true)
		}
		level, ok := ParseLevel(args[2])
		if !ok {
			return s.respond(ctx, fmt.Sprintf("unknown level %q", args[2]), true)
		}
		s.SetLevel(args[1], level)
		return s.respond(ctx, fmt.Sprintf("debug level for %s set to %s", args[1], level), false)

	case "trace":
		if len(args) != 2 || (args[1] != "enable" && args[1] != "disable") {
			return s.respond(ctx, "usage: debug trace <enable|disable>", true)
		}
		s.mu.Lock()
		s.traceOn = args[1] == "enable"
		s.mu.Unlock()
		return s.respond(ctx, "command tracing "+args[1]+"d", false)

	case "performance":
		if len(args) != 2 {
			return s.respond(ctx, "usage: debug performance <enable|disable|show>", true)
		}
		switch args[1] {
		case "enable", "disable":
			s.mu.Lock()
			s.perfOn = args[1] == "enable"
			s.mu.Unlock()
			return s.respond(ctx, "performance tracking "+args[1]+"d", false)
		case "show":
			return s.respond(ctx, s.perfReport(), false)
		}
		return s.respond(ctx, "usage: debug performance <enable|disable|show>", true)
	}
	return s.respond(ctx, fmt.Sprintf("unknown debug subcommand %q", args[0]), true)
}

// perfReport renders the collected counters.
func (s *Service) perfReport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.perf) == 0 {
		return "no performance data collected"
	}
	names := make([]string, 0, len(s.perf))
	for name := range s.perf {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("operation  count  avg  max\n")
	for _, name := range names {
		stat := s.perf[name]
		avg := stat.total / time.Duration(stat.count)
		fmt.Fprintf(&sb, "%s  %d  %s  %s\n", name, stat.count, avg, stat.max)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (s *Service) respond(ctx context.Context, text string, isErr bool) error {
	return s.Bus().Emit(ctx, event.TopicCLIResponse, event.Payload{
		"message":  text,
		"is_error": isErr,
	})
}

// TraceEnabled reports whether command tracing is on.
func (s *Service) TraceEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceOn
}
