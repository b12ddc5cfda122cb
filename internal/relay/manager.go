package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/torchvox/internal/ledger"
	"github.com/MrWong99/torchvox/internal/observe"
	"github.com/MrWong99/torchvox/internal/voice"
)

// persistTimeout bounds one best-effort ledger persistence write.
const persistTimeout = 5 * time.Second

// Manager owns the live set of clips. It performs admission control, wires
// accounting and moderation listeners onto new pipelines, and exposes the
// stop paths. All exported methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	policy   Policy
	clips    []*Clip
	disabled int
	lastURI  string

	usage       *ledger.Ledger
	store       ledger.Store
	antiSpam    AntiSpam
	notifier    Notifier
	advertiser  Advertiser
	newPipeline func() AudioPlayer
	metrics     *observe.Metrics
}

// ManagerConfig holds all dependencies for a [Manager]. Notifier, Ledger,
// and NewPipeline are required; the rest are optional.
type ManagerConfig struct {
	Policy      Policy
	Ledger      *ledger.Ledger
	Store       ledger.Store
	AntiSpam    AntiSpam
	Notifier    Notifier
	Advertiser  Advertiser
	NewPipeline func() AudioPlayer
	Metrics     *observe.Metrics
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		policy:      cfg.Policy,
		usage:       cfg.Ledger,
		store:       cfg.Store,
		antiSpam:    cfg.AntiSpam,
		notifier:    cfg.Notifier,
		advertiser:  cfg.Advertiser,
		newPipeline: cfg.NewPipeline,
		metrics:     cfg.Metrics,
	}
}

// RequestPlayback runs admission control for player wanting to stream uri.
// On success the returned Clip is registered and its listeners are attached;
// the caller starts streaming via [Clip.Play]. On failure the player has
// been notified privately and an [*AdmissionError] is returned.
func (m *Manager) RequestPlayback(player Player, uri string) (*Clip, error) {
	m.mu.Lock()
	disabled := m.disabled
	pol := m.policy
	m.mu.Unlock()

	if disabled > 0 && disabled > player.Level {
		return nil, m.deny(player, ReasonDisabled, "Torchvox is currently disabled!")
	}

	if m.antiSpam != nil && !m.antiSpam.Check(player) {
		return nil, m.denySilent(ReasonAntiSpam, "rate limited")
	}

	if player.Level < pol.ImmunityLevel {
		if tier, ok := pol.Tiers[player.Level]; ok {
			if err := m.usage.Check(player.UserID, tier); err != nil {
				msg := err.Error()
				if denied, ok := err.(*ledger.DenyError); ok {
					msg = denied.Message
				}
				return nil, m.deny(player, ReasonLimit, msg)
			}
		}
	}

	clip := &Clip{
		Owner:     player,
		URI:       uri,
		CreatedAt: time.Now(),
		pipeline:  m.newPipeline(),
		votes:     make(map[int]struct{}),
	}

	m.mu.Lock()
	m.clips = append(m.clips, clip)
	m.lastURI = uri
	m.mu.Unlock()

	m.attachListeners(clip, pol)

	slog.Info("relay: clip admitted", "player", player.Name, "level", player.Level, "uri", uri)
	return clip, nil
}

// attachListeners wires the registry's bookkeeping onto a new clip's
// pipeline: deregistration on Stop, usage accounting below the immunity
// level, advertiser pass-through, and metrics.
func (m *Manager) attachListeners(clip *Clip, pol Policy) {
	pipe := clip.pipeline
	owner := clip.Owner

	// Deregistration first so the live set is already consistent when the
	// remaining Stop listeners run.
	pipe.On(voice.EventStop, func(voice.Event) {
		m.remove(clip)
	})

	if owner.Level < pol.ImmunityLevel {
		pipe.On(voice.EventPlay, func(voice.Event) {
			m.usage.RecordUse(owner.UserID)
		})
		pipe.On(voice.EventUpdate, func(ev voice.Event) {
			m.usage.AddTime(owner.UserID, ev.Cur-ev.Prev)
		})
		pipe.On(voice.EventStop, func(voice.Event) {
			m.usage.RecordStop(owner.UserID, pipe.Seconds())
			if m.store != nil {
				go m.persist(owner.UserID)
			}
		})
	}

	if m.advertiser != nil {
		pipe.On(voice.EventPlay, func(voice.Event) { m.advertiser.OnPlay(clip) })
		pipe.On(voice.EventUpdate, func(ev voice.Event) { m.advertiser.OnUpdate(clip, ev.Prev, ev.Cur) })
		pipe.On(voice.EventStop, func(voice.Event) { m.advertiser.OnStop(clip) })
	}

	if m.metrics != nil {
		// A clip that dies before producing audio never counted as
		// started; recording its stop would drive the active gauge
		// negative.
		var started atomic.Bool
		pipe.On(voice.EventPlay, func(voice.Event) {
			started.Store(true)
			m.metrics.RecordClipStarted(context.Background())
		})
		pipe.On(voice.EventStop, func(voice.Event) {
			if started.Load() {
				m.metrics.RecordClipStopped(context.Background(), pipe.Seconds())
			}
		})
	}
}

// StopRequest resolves a stop request from player against every live clip
// whose owner's name contains filter (case-insensitive; empty matches all).
// Permission precedence: ownership, stop authority, strictly higher level,
// then quorum voting. Returns the number of clips stopped.
func (m *Manager) StopRequest(player Player, filter string) int {
	snapshot := m.snapshot()
	m.mu.Lock()
	pol := m.policy
	m.mu.Unlock()

	slog.Info("relay: stop requested", "player", player.Name, "level", player.Level, "filter", filter, "live", len(snapshot))

	if len(snapshot) == 0 {
		m.notifier.SayPrivate(player, "No audio is currently playing.")
		return 0
	}

	filter = strings.ToLower(filter)
	stopped := 0

	for _, clip := range snapshot {
		owner := clip.Owner
		if filter != "" && !strings.Contains(strings.ToLower(owner.Name), filter) {
			continue
		}

		var reason string
		switch {
		case player.UserID == owner.UserID:
			reason = "owner"
		case player.Level >= pol.StopLevel:
			reason = fmt.Sprintf("authority (level %d >= %d)", player.Level, pol.StopLevel)
		case player.Level > owner.Level:
			reason = fmt.Sprintf("higher level (level %d > %d)", player.Level, owner.Level)
		default:
			needed := pol.StopQuorum - m.addVote(clip, player.UserID)
			if needed > 0 {
				m.notifier.SayPrivate(player,
					fmt.Sprintf("Need %d more !stop(s) to stop %s's sound.", needed, owner.Name))
				continue
			}
			reason = "vote passed"
		}

		slog.Info("relay: stopping clip", "owner", owner.Name, "uri", clip.URI, "reason", reason)
		if m.stopClip(clip, true) {
			stopped++
			if player.UserID != owner.UserID {
				m.notifier.SayPrivate(owner, fmt.Sprintf("Your audio was stopped by %s.", player.Name))
			}
		}
	}

	switch {
	case stopped == 1:
		m.notifier.SayPrivate(player, "Stopped 1 audio clip.")
	case stopped > 1:
		m.notifier.SayPrivate(player, fmt.Sprintf("Stopped %d audio clips.", stopped))
	case filter == "":
		m.notifier.SayPrivate(player, "No audio clips matched your request. Use '!stop playername' to target specific player.")
	}

	return stopped
}

// ForceStopAll unconditionally stops every live clip and clears the live set
// immediately, without waiting for Stop events to propagate. A failure
// stopping one clip never blocks the rest.
func (m *Manager) ForceStopAll() {
	snapshot := m.snapshot()
	slog.Info("relay: force stopping all clips", "count", len(snapshot))

	for _, clip := range snapshot {
		m.stopClip(clip, true)
		m.notifier.SayPrivate(clip.Owner, "All audio has been force-stopped by admin.")
	}

	m.mu.Lock()
	m.clips = nil
	m.mu.Unlock()
}

// OnDisconnect stops every live clip owned by the departing player,
// identified by stable unique id.
func (m *Manager) OnDisconnect(player Player) {
	for _, clip := range m.snapshot() {
		if clip.Owner.UniqueID == player.UniqueID {
			m.stopClip(clip, true)
		}
	}
}

// SetDisabled sets the global disable threshold: players below level are
// denied playback. Zero re-enables everyone.
func (m *Manager) SetDisabled(level int) {
	m.mu.Lock()
	m.disabled = level
	m.mu.Unlock()
	slog.Info("relay: disabled threshold changed", "level", level)
}

// Disabled returns the current disable threshold (0 = enabled).
func (m *Manager) Disabled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// LastURI returns the most recently admitted URI, for the command layer's
// "!last" expansion.
func (m *Manager) LastURI() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastURI
}

// Live returns the number of currently registered clips.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clips)
}

// Reload swaps the moderation policy and resets accumulated usage. Called
// when the configuration file changes.
func (m *Manager) Reload(pol Policy) {
	m.mu.Lock()
	m.policy = pol
	m.mu.Unlock()

	m.usage.Reset()
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.store.Clear(ctx); err != nil {
			slog.Warn("relay: clearing persisted usage failed", "err", err)
		}
	}
	slog.Info("relay: policy reloaded", "tiers", len(pol.Tiers), "stop_level", pol.StopLevel, "quorum", pol.StopQuorum)
}

// ── internals ────────────────────────────────────────────────────────────────

// snapshot copies the live set so callers can iterate while Stop events
// shrink the underlying slice.
func (m *Manager) snapshot() []*Clip {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Clip, len(m.clips))
	copy(out, m.clips)
	return out
}

// remove deregisters a clip. Removing a clip that is already gone is a
// no-op, which makes Stop-event delivery and ForceStopAll's eager clear
// compose safely.
func (m *Manager) remove(clip *Clip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.clips {
		if c == clip {
			m.clips = append(m.clips[:i], m.clips[i+1:]...)
			return
		}
	}
}

// addVote records a stop vote and returns the current distinct-voter count.
// The owner never reaches this path, so owners are never counted.
func (m *Manager) addVote(clip *Clip, userID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	clip.votes[userID] = struct{}{}
	return len(clip.votes)
}

// stopClip stops one clip's pipeline, isolating panics so a faulty pipeline
// cannot block the processing of other clips.
func (m *Manager) stopClip(clip *Clip, force bool) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("relay: error stopping clip",
				"owner", clip.Owner.Name,
				"uri", clip.URI,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			stopped = false
		}
	}()
	return clip.pipeline.Stop(force)
}

// deny notifies the player and builds the admission error.
func (m *Manager) deny(player Player, reason AdmissionReason, msg string) error {
	m.notifier.SayPrivate(player, msg)
	return m.denySilent(reason, msg)
}

// denySilent builds the admission error without messaging; used when the
// collaborator that failed the check messages the player itself.
func (m *Manager) denySilent(reason AdmissionReason, msg string) error {
	if m.metrics != nil {
		m.metrics.RecordAdmissionDenied(context.Background(), string(reason))
	}
	return &AdmissionError{Reason: reason, Message: msg}
}

// persist writes one player's ledger entry to the store, best effort.
func (m *Manager) persist(userID int) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	entry, ok := m.usage.Get(userID)
	if !ok {
		return
	}
	if err := m.store.Save(ctx, userID, entry); err != nil {
		slog.Warn("relay: persisting usage failed", "user_id", userID, "err", err)
	}
}
