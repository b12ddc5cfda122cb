// Package relay implements the playback registry: admission control for new
// audio clips, the live set of streaming sessions, and the moderation paths
// (vote stop, authority stop, force stop, disconnect cleanup) that end them.
package relay

import (
	"github.com/MrWong99/torchvox/internal/ledger"
	"github.com/MrWong99/torchvox/internal/voice"
)

// Player identifies the requester of a clip as supplied by the external
// roster layer. UserID is the per-connection numeric id; UniqueID is the
// stable cross-session identity.
type Player struct {
	UserID   int
	UniqueID string
	Name     string
	Level    int
}

// Notifier delivers chat messages to players. Implemented by the game-server
// chat bridge; tests use a recording fake.
type Notifier interface {
	// SayChat broadcasts to all players.
	SayChat(msg string)

	// SayPrivate messages one player.
	SayPrivate(p Player, msg string)
}

// AntiSpam is the external flood-detection predicate consulted during
// admission. Check returns false to reject the request; the implementation
// is expected to have messaged the player about why.
type AntiSpam interface {
	Check(p Player) bool
}

// Advertiser receives pass-through lifecycle notifications for every clip,
// regardless of the owner's tier. External moderation and advertising hooks
// implement it; all methods may be called from pipeline goroutines.
type Advertiser interface {
	OnPlay(c *Clip)
	OnUpdate(c *Clip, prev, cur float64)
	OnStop(c *Clip)
}

// AudioPlayer is the streaming pipeline surface the registry depends on.
// Satisfied by [*voice.Pipeline]; tests substitute fakes.
type AudioPlayer interface {
	Play(uri string, position int, extraArgs ...string) bool
	Stop(force bool) bool
	On(kind voice.EventKind, fn func(voice.Event)) bool
	Seconds() float64
}

// Policy is the moderation and usage policy the registry enforces. It is
// swapped wholesale on configuration reload.
type Policy struct {
	// StopLevel is the admin level that may stop any clip unilaterally.
	StopLevel int

	// ImmunityLevel is the admin level at or above which usage accounting
	// and limits are skipped.
	ImmunityLevel int

	// StopQuorum is the number of distinct non-owner voters required to
	// stop a clip without authority.
	StopQuorum int

	// Tiers maps admin levels to usage budgets. Levels without an entry
	// are unrestricted.
	Tiers map[int]ledger.Policy
}

// AdmissionReason classifies why a playback request was rejected.
type AdmissionReason string

const (
	ReasonDisabled AdmissionReason = "disabled"
	ReasonAntiSpam AdmissionReason = "antispam"
	ReasonLimit    AdmissionReason = "limit"
)

// AdmissionError is returned by [Manager.RequestPlayback] when admission
// control rejects the request. The player has already been notified
// privately; no session was created.
type AdmissionError struct {
	Reason  AdmissionReason
	Message string
}

func (e *AdmissionError) Error() string {
	return "relay: admission denied (" + string(e.Reason) + "): " + e.Message
}
