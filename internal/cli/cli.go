// Package cli is the interactive console for the kernel. It reads one command
// per line from its input, emits each as a cli/command event for the
// dispatcher, and prints cli/response events back to its output.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/dispatch"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
)

const prompt = "djrex> "

// Console is the CLI service.
type Console struct {
	*service.Runner

	in         io.Reader
	dispatcher *dispatch.Dispatcher // nilable, used for help listing

	mu  sync.Mutex
	out io.Writer
}

var _ service.Service = (*Console)(nil)

// New creates the console reading from in and writing to out. The dispatcher
// is only consulted for the built-in help command and may be nil.
func New(b *bus.Bus, in io.Reader, out io.Writer, d *dispatch.Dispatcher) *Console {
	return &Console{
		Runner:     service.NewRunner("cli", b),
		in:         in,
		out:        out,
		dispatcher: d,
	}
}

// Start subscribes the response printer and launches the read loop.
func (c *Console) Start(ctx context.Context) error {
	return c.StartWith(ctx, func(ctx context.Context) error {
		if err := c.Subscribe(event.TopicCLIResponse, c.handleResponse); err != nil {
			return err
		}
		c.Go(c.readLoop)
		return nil
	})
}

// Stop tears the service down. The read loop exits on context cancellation or
// when its input reaches EOF, whichever comes first.
func (c *Console) Stop(ctx context.Context) error {
	return c.StopWith(ctx, nil)
}

// handleResponse prints cli/response {message, is_error?} to the output.
func (c *Console) handleResponse(_ context.Context, p event.Payload) error {
	if err := event.Require(p, "message"); err != nil {
		return err
	}
	if p.Bool("is_error") {
		c.printf("[ERROR] %s\n", p.String("message"))
		return nil
	}
	c.printf("%s\n", p.String("message"))
	return nil
}

// readLoop scans input lines until EOF or shutdown and emits one cli/command
// per non-empty line.
func (c *Console) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	c.printf(prompt)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.printf(prompt)
			continue
		}
		if c.builtin(ctx, line) {
			if isQuit(line) {
				return
			}
			c.printf(prompt)
			continue
		}

		tokens := strings.Fields(line)
		_ = c.Bus().Emit(ctx, event.TopicCLICommand, event.Payload{
			"command":   strings.ToLower(tokens[0]),
			"args":      tokens[1:],
			"raw_input": line,
			"source":    "cli",
		})
		c.printf(prompt)
	}
}

// builtin serves commands the console answers itself. Returns true when the
// line was consumed.
func (c *Console) builtin(ctx context.Context, line string) bool {
	switch strings.ToLower(line) {
	case "help", "h", "?":
		c.printHelp()
		return true
	default:
		if isQuit(line) {
			_ = c.Bus().Emit(ctx, event.TopicShutdownRequested, event.Payload{
				"reason": "operator quit",
				"source": "cli",
			})
			return true
		}
	}
	return false
}

func isQuit(line string) bool {
	switch strings.ToLower(line) {
	case "quit", "exit", "q":
		return true
	}
	return false
}

func (c *Console) printHelp() {
	var b strings.Builder
	b.WriteString("Commands:\n")
	if c.dispatcher != nil {
		for _, p := range c.dispatcher.Patterns() {
			b.WriteString("  " + p + "\n")
		}
	}
	b.WriteString("  help\n  quit\n")
	c.printf("%s", b.String())
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
