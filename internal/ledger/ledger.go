// Package ledger tracks per-player audio usage: how many clips a player has
// started, how much playback time they have consumed, and when they last
// played something. The playback registry consults it during admission and
// updates it through pipeline event listeners.
package ledger

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Policy is the usage budget for one admin-level tier.
type Policy struct {
	// Uses is the maximum number of clips a player may start. Negative
	// means unlimited.
	Uses int `yaml:"uses"`

	// TotalTime is the cumulative playback-seconds budget.
	TotalTime float64 `yaml:"total_time"`

	// DelayFactor multiplies the previous clip's duration to produce the
	// cooldown before the next clip may start.
	DelayFactor float64 `yaml:"delay_factor"`
}

// Entry holds one player's accumulated usage.
type Entry struct {
	// Uses is the number of clips the player has started.
	Uses int

	// TimeUsed is the cumulative playback seconds consumed.
	TimeUsed float64

	// LastUse is when the player's most recent clip stopped.
	LastUse time.Time

	// LastUseLength is the duration in seconds of the most recent clip.
	LastUseLength float64
}

// DenyError is returned by [Ledger.Check] when a usage limit blocks a new
// clip. Message is ready for private delivery to the player.
type DenyError struct {
	// Reason is one of "uses", "time", or "cooldown".
	Reason string

	// Message is the player-facing denial text.
	Message string
}

func (e *DenyError) Error() string {
	return "ledger: denied (" + e.Reason + "): " + e.Message
}

// Ledger is the in-memory usage ledger, keyed by stable user id.
// All methods are safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[int]*Entry

	// now is the clock; replaced in tests.
	now func() time.Time
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		entries: make(map[int]*Entry),
		now:     time.Now,
	}
}

// Check applies policy to the player's current entry and returns a
// [*DenyError] when the request must be rejected. The checks run in the
// original order: grant count, time budget, cooldown.
func (l *Ledger) Check(userID int, policy Policy) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A fresh player is checked against a zero-valued entry, so a tier
	// with a zero budget denies even the first request. Negative Uses is
	// the only unlimited marker.
	e := l.entries[userID]
	if e == nil {
		e = &Entry{}
	}

	if policy.Uses >= 0 && e.Uses >= policy.Uses {
		return &DenyError{
			Reason:  "uses",
			Message: fmt.Sprintf("You have used up all of your free uses! (%d uses)", policy.Uses),
		}
	}

	if e.TimeUsed >= policy.TotalTime {
		return &DenyError{
			Reason:  "time",
			Message: fmt.Sprintf("You have used up all of your free time! (%v seconds)", policy.TotalTime),
		}
	}

	elapsed := l.now().Sub(e.LastUse).Seconds()
	delay := e.LastUseLength * policy.DelayFactor
	if elapsed < delay {
		return &DenyError{
			Reason:  "cooldown",
			Message: fmt.Sprintf("You are currently on cooldown! (%d seconds left)", int(math.Round(delay-elapsed))),
		}
	}

	return nil
}

// RecordUse increments the player's grant count. Called from the Play
// listener when a clip's pipeline starts producing audio.
func (l *Ledger) RecordUse(userID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(userID).Uses++
}

// AddTime accumulates playback seconds from an Update event delta.
func (l *Ledger) AddTime(userID int, seconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seconds <= 0 {
		return
	}
	l.entry(userID).TimeUsed += seconds
}

// RecordStop stamps the end of a clip: LastUse is now and LastUseLength is
// the clip's duration in seconds. These two feed the cooldown check.
func (l *Ledger) RecordStop(userID int, length float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(userID)
	e.LastUse = l.now()
	e.LastUseLength = length
}

// Get returns a copy of the player's entry and whether one exists.
func (l *Ledger) Get(userID int) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of every entry, keyed by user id.
func (l *Ledger) Snapshot() map[int]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]Entry, len(l.entries))
	for id, e := range l.entries {
		out[id] = *e
	}
	return out
}

// Reset discards all accumulated usage. Called on configuration reload.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[int]*Entry)
}

// Restore replaces the ledger contents with previously persisted entries.
func (l *Ledger) Restore(entries map[int]Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[int]*Entry, len(entries))
	for id, e := range entries {
		copied := e
		l.entries[id] = &copied
	}
}

// entry returns the live entry for userID, creating it on first use.
// Callers must hold l.mu.
func (l *Ledger) entry(userID int) *Entry {
	e, ok := l.entries[userID]
	if !ok {
		e = &Entry{}
		l.entries[userID] = e
	}
	return e
}
