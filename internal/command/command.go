// Package command routes chat lines to registered commands.
//
// Commands declare triggers that are exact words, prefixes of the first
// word, or regular expressions over the whole line. Commands are tried in
// descending order until one claims the line; a command may gate on admin
// level, in which case the requester is told the required level. Unknown
// "!" triggers get a nearest-trigger suggestion.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/torchvox/internal/observe"
	"github.com/MrWong99/torchvox/internal/relay"
)

// Run result conventions, mirroring the claim contract: a negative value
// means the command did not claim the line and matching continues, zero
// claims the line, positive claims it and skips the command's remaining
// triggers too.
const (
	Pass    = -1
	Claimed = 0
	Final   = 1
)

// suggestionDistance is the maximum Levenshtein distance for an unknown
// trigger to earn a "did you mean" hint.
const suggestionDistance = 2

// Trigger matches a chat line by its first word or by pattern.
type Trigger struct {
	word    string
	prefix  bool
	pattern *regexp.Regexp
}

// Exact matches when the first word equals word (case-insensitive).
func Exact(word string) Trigger {
	return Trigger{word: strings.ToLower(word)}
}

// Prefix matches when the first word begins with word (case-insensitive).
func Prefix(word string) Trigger {
	return Trigger{word: strings.ToLower(word), prefix: true}
}

// Pattern matches when re finds a match anywhere in the line.
func Pattern(re *regexp.Regexp) Trigger {
	return Trigger{pattern: re}
}

// match reports whether the trigger claims the message. For pattern
// triggers the submatches are returned.
func (t Trigger) match(first, line string) (bool, []string) {
	if t.pattern != nil {
		m := t.pattern.FindStringSubmatch(line)
		return m != nil, m
	}
	first = strings.ToLower(first)
	if t.prefix {
		return strings.HasPrefix(first, t.word), nil
	}
	return first == t.word, nil
}

// Command is one registered chat command.
type Command struct {
	// Name identifies the command in logs and metrics.
	Name string

	// Level is the minimum admin level required.
	Level int

	// Order ranks the command during matching; higher runs first.
	Order int

	// Triggers are tried in declaration order.
	Triggers []Trigger

	// Run handles a word-triggered invocation. args[0] is the trigger
	// word, args[1] the rest of the line.
	Run func(args [2]string, player relay.Player) int

	// RunMatch handles a pattern-triggered invocation with the regexp
	// submatches. Optional; Run is used when nil.
	RunMatch func(line string, match []string, player relay.Player) int
}

// Handler dispatches chat lines to commands.
type Handler struct {
	commands []Command
	manager  *relay.Manager
	notifier relay.Notifier
	metrics  *observe.Metrics
}

// HandlerConfig carries the collaborators for [NewHandler].
type HandlerConfig struct {
	Manager  *relay.Manager
	Notifier relay.Notifier
	Metrics  *observe.Metrics
	Commands []Command
}

// NewHandler creates a handler with the given commands sorted by
// descending order.
func NewHandler(cfg HandlerConfig) *Handler {
	cmds := make([]Command, len(cfg.Commands))
	copy(cmds, cfg.Commands)
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Order > cmds[j].Order })

	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Handler{
		commands: cmds,
		manager:  cfg.Manager,
		notifier: cfg.Notifier,
		metrics:  m,
	}
}

// Handle routes one chat line from player. It returns the claiming
// command's result, or [Pass] when nothing matched.
func (h *Handler) Handle(line string, player relay.Player) int {
	first, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	if rest != "" {
		if last := h.manager.LastURI(); last != "" {
			rest = strings.ReplaceAll(rest, "!last", last)
			line = first + " " + rest
		}
	}

	slog.Debug("chat command", "player", player.Name, "line", line)

	var gateMessage string
	for _, cmd := range h.commands {
		for _, trig := range cmd.Triggers {
			ok, m := trig.match(first, line)
			if !ok {
				continue
			}

			if player.Level < cmd.Level {
				gateMessage = fmt.Sprintf(
					"You do not have access to this command! (You: %d | Required: %d)",
					player.Level, cmd.Level)
				continue
			}

			ret := h.invoke(cmd, first, rest, line, m, player)
			if ret < 0 {
				gateMessage = ""
				continue
			}
			h.metrics.RecordCommand(context.Background(), cmd.Name)
			return ret
		}
	}

	if gateMessage != "" {
		h.notifier.SayPrivate(player, gateMessage)
		return Claimed
	}

	h.suggest(first, player)
	return Pass
}

// invoke runs a command, converting a panic into a chat-visible error so
// one faulty command cannot take the handler down.
func (h *Handler) invoke(cmd Command, first, rest, line string, match []string, player relay.Player) (ret int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("command panicked",
				"command", cmd.Name, "player", player.Name,
				"panic", r, "stack", string(debug.Stack()))
			h.notifier.SayChat(truncate(fmt.Sprintf("Error: %v", r), 100))
			ret = Final
		}
	}()

	if match != nil && cmd.RunMatch != nil {
		return cmd.RunMatch(line, match, player)
	}
	return cmd.Run([2]string{first, rest}, player)
}

// suggest sends a nearest-trigger hint for an unrecognized "!" word.
func (h *Handler) suggest(first string, player relay.Player) {
	if !strings.HasPrefix(first, "!") {
		return
	}
	first = strings.ToLower(first)

	best, bestDist := "", suggestionDistance+1
	for _, cmd := range h.commands {
		for _, trig := range cmd.Triggers {
			if trig.word == "" {
				continue
			}
			if d := matchr.Levenshtein(first, trig.word); d < bestDist {
				best, bestDist = trig.word, d
			}
		}
	}
	if best != "" {
		h.notifier.SayPrivate(player, fmt.Sprintf("Unknown command %q. Did you mean %q?", first, best))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
