// Package dispatch routes CLI command strings to the service that owns them.
// Services register command patterns (single-token or compound, e.g. "dj
// start") over the register/command topic during start; the dispatcher then
// matches incoming cli/command events by longest prefix and re-emits a
// standardized payload on the owning service's topic.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
)

// registrationRec is one command pattern bound to its owner.
type registrationRec struct {
	pattern string // lowercased, space-normalized
	tokens  []string
	service string
	topic   string
}

// Dispatcher implements the command router.
type Dispatcher struct {
	*service.Runner

	mu        sync.RWMutex
	commands  map[string]registrationRec // key: pattern
	shortcuts map[string]string
}

var _ service.Service = (*Dispatcher)(nil)

// defaultShortcuts expand single-token abbreviations before matching.
var defaultShortcuts = map[string]string{
	"e":   "engage",
	"a":   "ambient",
	"d":   "disengage",
	"s":   "status",
	"h":   "help",
	"djs": "dj stop",
	"djn": "dj next",
}

// New creates the dispatcher with the built-in shortcut table.
func New(b *bus.Bus) *Dispatcher {
	shortcuts := make(map[string]string, len(defaultShortcuts))
	for k, v := range defaultShortcuts {
		shortcuts[k] = v
	}
	return &Dispatcher{
		Runner:    service.NewRunner("command_dispatcher", b),
		commands:  make(map[string]registrationRec),
		shortcuts: shortcuts,
	}
}

// Start subscribes the dispatcher to cli/command and register/command.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.StartWith(ctx, func(ctx context.Context) error {
		if err := d.Subscribe(event.TopicRegisterCommand, d.handleRegister); err != nil {
			return err
		}
		return d.Subscribe(event.TopicCLICommand, d.handleCommand)
	})
}

// Stop removes the subscriptions.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.StopWith(ctx, nil)
}

// Register binds pattern to (serviceName, topic). Re-registration overwrites.
func (d *Dispatcher) Register(pattern, serviceName, topic string) {
	norm := normalize(pattern)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[norm] = registrationRec{
		pattern: norm,
		tokens:  strings.Fields(norm),
		service: serviceName,
		topic:   topic,
	}
}

// RegisterShortcut binds a single-token abbreviation to its expansion.
func (d *Dispatcher) RegisterShortcut(short, expansion string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shortcuts[normalize(short)] = normalize(expansion)
}

// Patterns returns the registered command patterns, sorted. Used by the help
// command and by suggestion ranking.
func (d *Dispatcher) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.commands))
	for p := range d.commands {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// handleRegister serves register/command {pattern|command, service, topic}.
func (d *Dispatcher) handleRegister(_ context.Context, p event.Payload) error {
	pattern := p.String("pattern")
	if pattern == "" {
		pattern = p.String("command")
	}
	if err := event.Require(p, "service", "topic"); err != nil || pattern == "" {
		return event.Errf(event.KindDispatchInvalidPayload, d.Name(),
			"register/command requires pattern, service, topic")
	}
	d.Register(pattern, p.String("service"), p.String("topic"))
	return nil
}

// handleCommand serves cli/command {command, args, raw_input, conversation_id?}.
func (d *Dispatcher) handleCommand(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "command", "args", "raw_input"); err != nil {
		return err
	}

	raw := p.String("raw_input")
	tokens := strings.Fields(normalize(raw))
	if len(tokens) == 0 {
		return nil
	}

	tokens = d.expandShortcut(tokens)

	rec, matched := d.match(tokens)
	if !matched {
		return d.rejectUnknown(ctx, tokens, p)
	}

	out := event.Payload{
		"command":   rec.tokens[0],
		"args":      tokens[len(rec.tokens):],
		"raw_input": raw,
		"source":    "cli",
	}
	if len(rec.tokens) > 1 {
		out["subcommand"] = strings.Join(rec.tokens[1:], " ")
	}
	if cid := p.String("conversation_id"); cid != "" {
		out["conversation_id"] = cid
	}
	return d.Bus().Emit(ctx, rec.topic, out)
}

// expandShortcut replaces a leading shortcut token with its expansion.
func (d *Dispatcher) expandShortcut(tokens []string) []string {
	d.mu.RLock()
	expansion, ok := d.shortcuts[tokens[0]]
	d.mu.RUnlock()
	if !ok {
		return tokens
	}
	return append(strings.Fields(expansion), tokens[1:]...)
}

// match finds the registration whose token prefix is the longest match for
// the input token sequence.
func (d *Dispatcher) match(tokens []string) (registrationRec, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best registrationRec
	found := false
	for _, rec := range d.commands {
		if len(rec.tokens) > len(tokens) {
			continue
		}
		ok := true
		for i, t := range rec.tokens {
			if tokens[i] != t {
				ok = false
				break
			}
		}
		if ok && (!found || len(rec.tokens) > len(best.tokens)) {
			best = rec
			found = true
		}
	}
	return best, found
}

// rejectUnknown emits a cli/response error with nearest-command suggestions.
func (d *Dispatcher) rejectUnknown(ctx context.Context, tokens []string, in event.Payload) error {
	input := strings.Join(tokens, " ")
	suggestions := d.suggest(input, 3)

	msg := fmt.Sprintf("Unknown command: %q.", input)
	if len(suggestions) > 0 {
		msg += " Did you mean: " + strings.Join(suggestions, ", ") + "?"
	}
	msg += " Type 'help' for the command list."

	return d.Bus().Emit(ctx, event.TopicCLIResponse, event.Payload{
		"message":  msg,
		"is_error": true,
		"kind":     string(event.KindDispatchUnknownCommand),
	})
}

// suggest ranks registered patterns by Jaro-Winkler similarity to input and
// returns up to n close matches.
func (d *Dispatcher) suggest(input string, n int) []string {
	type scored struct {
		pattern string
		score   float64
	}
	var candidates []scored
	for _, pattern := range d.Patterns() {
		if s := matchr.JaroWinkler(input, pattern, false); s >= 0.75 {
			candidates = append(candidates, scored{pattern, s})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].pattern < candidates[j].pattern
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.pattern
	}
	return out
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
