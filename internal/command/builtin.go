package command

import (
	"fmt"
	"regexp"

	"github.com/MrWong99/torchvox/internal/config"
	"github.com/MrWong99/torchvox/internal/relay"
)

// DefaultStopAllLevel is the admin level required for "!stopall" when the
// command has no configuration entry.
const DefaultStopAllLevel = 3

// FromConfig converts configured triggers to the handler representation.
// Patterns are compiled with MustCompile; config validation has already
// rejected invalid ones.
func FromConfig(tcs []config.TriggerConfig) []Trigger {
	triggers := make([]Trigger, 0, len(tcs))
	for _, tc := range tcs {
		switch {
		case tc.Pattern != "":
			triggers = append(triggers, Pattern(regexp.MustCompile(tc.Pattern)))
		case tc.StartsWith:
			triggers = append(triggers, Prefix(tc.Command))
		default:
			triggers = append(triggers, Exact(tc.Command))
		}
	}
	return triggers
}

// Builtins returns the playback and moderation commands wired to mgr.
// Per-command level and triggers come from cfgs when present, falling back
// to the conventional "!" words.
func Builtins(mgr *relay.Manager, notifier relay.Notifier, cfgs map[string]config.CommandConfig) []Command {
	lookup := func(name, fallback string, fallbackLevel int) (int, []Trigger) {
		if cc, ok := cfgs[name]; ok {
			return cc.Level, FromConfig(cc.Triggers)
		}
		return fallbackLevel, []Trigger{Exact(fallback)}
	}

	playLevel, playTriggers := lookup("play", "!play", 0)
	stopLevel, stopTriggers := lookup("stop", "!stop", 0)
	stopAllLevel, stopAllTriggers := lookup("stopall", "!stopall", DefaultStopAllLevel)
	disableLevel, disableTriggers := lookup("disable", "!disable", 0)
	enableLevel, enableTriggers := lookup("enable", "!enable", 0)

	return []Command{
		{
			Name:     "play",
			Level:    playLevel,
			Triggers: playTriggers,
			Run: func(args [2]string, player relay.Player) int {
				uri := args[1]
				if uri == "" {
					notifier.SayPrivate(player, fmt.Sprintf("Usage: %s <url>", args[0]))
					return Final
				}
				clip, err := mgr.RequestPlayback(player, uri)
				if err != nil {
					// Denial was already reported to the player.
					return Final
				}
				if !clip.Play(0) {
					return Final
				}
				return Claimed
			},
		},
		{
			Name:     "stop",
			Level:    stopLevel,
			Triggers: stopTriggers,
			Run: func(args [2]string, player relay.Player) int {
				mgr.StopRequest(player, args[1])
				return Claimed
			},
		},
		{
			Name:     "stopall",
			Level:    stopAllLevel,
			Triggers: stopAllTriggers,
			Run: func(args [2]string, player relay.Player) int {
				count := mgr.Live()
				mgr.ForceStopAll()
				notifier.SayChat(fmt.Sprintf("All audio (%d clips) stopped by %s.", count, player.Name))
				return Claimed
			},
		},
		{
			Name:     "disable",
			Level:    disableLevel,
			Triggers: disableTriggers,
			Run: func(args [2]string, player relay.Player) int {
				if mgr.Disabled() != 0 {
					notifier.SayChat("Torchvox is already disabled.")
					return Final
				}
				mgr.SetDisabled(player.Level)
				notifier.SayChat("Torchvox has been disabled for the duration of this map - Type !enable to enable it again.")
				return Claimed
			},
		},
		{
			Name:     "enable",
			Level:    enableLevel,
			Triggers: enableTriggers,
			Run: func(args [2]string, player relay.Player) int {
				disabled := mgr.Disabled()
				if disabled == 0 {
					notifier.SayChat("Torchvox is already enabled.")
					return Final
				}
				if disabled > player.Level {
					notifier.SayPrivate(player, "You don't have access to enable torchvox, since it was disabled by a higher level user.")
					return Final
				}
				mgr.SetDisabled(0)
				notifier.SayChat("Torchvox has been enabled for the duration of this map - Type !disable to disable it again.")
				return Claimed
			},
		},
	}
}
