package relay

import (
	"time"
)

// Clip is one accepted playback request: the owning player, the source URI,
// and the pipeline streaming it. A Clip is registered in the Manager from
// admission until its pipeline fires Stop.
type Clip struct {
	// Owner is the requesting player, captured at grant time (including
	// their admin level, which moderation compares against later).
	Owner Player

	// URI is the resolved source the pipeline streams.
	URI string

	// CreatedAt is when admission succeeded.
	CreatedAt time.Time

	pipeline AudioPlayer

	// votes holds the user ids that have requested this clip be stopped.
	// Guarded by the Manager's mutex.
	votes map[int]struct{}
}

// Play starts the clip's pipeline at the given seek offset (seconds), with
// optional extra transcoder filter arguments. Returns false if the pipeline
// was already used.
func (c *Clip) Play(position int, extraArgs ...string) bool {
	return c.pipeline.Play(c.URI, position, extraArgs...)
}

// Pipeline exposes the clip's pipeline for event subscription.
func (c *Clip) Pipeline() AudioPlayer {
	return c.pipeline
}
