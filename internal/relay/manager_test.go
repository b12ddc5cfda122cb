package relay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/torchvox/internal/ledger"
	"github.com/MrWong99/torchvox/internal/observe"
	"github.com/MrWong99/torchvox/internal/relay"
	"github.com/MrWong99/torchvox/internal/voice"
)

// fakePipeline implements relay.AudioPlayer with synchronous, test-driven
// event delivery.
type fakePipeline struct {
	mu       sync.Mutex
	handlers []struct {
		kind voice.EventKind
		fn   func(voice.Event)
	}
	stopped    bool
	stopPanics bool
	seconds    float64
}

func (f *fakePipeline) Play(uri string, position int, extraArgs ...string) bool { return true }

func (f *fakePipeline) Stop(force bool) bool {
	if f.stopPanics {
		panic("pipeline teardown failure")
	}
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return false
	}
	f.stopped = true
	f.mu.Unlock()
	f.emit(voice.Event{Kind: voice.EventStop})
	return true
}

func (f *fakePipeline) On(kind voice.EventKind, fn func(voice.Event)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.handlers = append(f.handlers, struct {
		kind voice.EventKind
		fn   func(voice.Event)
	}{kind, fn})
	return true
}

func (f *fakePipeline) Seconds() float64 { return f.seconds }

// emit delivers an event to all matching handlers, like the real dispatch.
func (f *fakePipeline) emit(ev voice.Event) {
	f.mu.Lock()
	snapshot := make([]struct {
		kind voice.EventKind
		fn   func(voice.Event)
	}, len(f.handlers))
	copy(snapshot, f.handlers)
	f.mu.Unlock()
	for _, h := range snapshot {
		if h.kind == ev.Kind {
			h.fn(ev)
		}
	}
}

// fakeNotifier records chat traffic.
type fakeNotifier struct {
	mu      sync.Mutex
	chat    []string
	private []string // "Name: message"
}

func (n *fakeNotifier) SayChat(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chat = append(n.chat, msg)
}

func (n *fakeNotifier) SayPrivate(p relay.Player, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.private = append(n.private, p.Name+": "+msg)
}

func (n *fakeNotifier) privateContains(want string) bool {
	return n.privateCount(want) > 0
}

func (n *fakeNotifier) privateCount(want string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, m := range n.private {
		if m == want {
			count++
		}
	}
	return count
}

type denyAllSpam struct{}

func (denyAllSpam) Check(relay.Player) bool { return false }

// testManager wires a Manager with fakes. The returned factory hands out the
// fake pipelines in admission order.
func testManager(t *testing.T, pol relay.Policy) (*relay.Manager, *fakeNotifier, *[]*fakePipeline) {
	t.Helper()
	notifier := &fakeNotifier{}
	var made []*fakePipeline
	mgr := relay.NewManager(relay.ManagerConfig{
		Policy:   pol,
		Ledger:   ledger.New(),
		Notifier: notifier,
		NewPipeline: func() relay.AudioPlayer {
			p := &fakePipeline{}
			made = append(made, p)
			return p
		},
	})
	return mgr, notifier, &made
}

func defaultPolicy() relay.Policy {
	return relay.Policy{
		StopLevel:     6,
		ImmunityLevel: 5,
		StopQuorum:    3,
		Tiers: map[int]ledger.Policy{
			0: {Uses: 2, TotalTime: 600, DelayFactor: 1},
		},
	}
}

var (
	alice = relay.Player{UserID: 1, UniqueID: "STEAM_1", Name: "Alice", Level: 0}
	bob   = relay.Player{UserID: 2, UniqueID: "STEAM_2", Name: "Bob", Level: 0}
	carol = relay.Player{UserID: 3, UniqueID: "STEAM_3", Name: "Carol", Level: 0}
	dave  = relay.Player{UserID: 4, UniqueID: "STEAM_4", Name: "Dave", Level: 0}
	admin = relay.Player{UserID: 9, UniqueID: "STEAM_9", Name: "Admin", Level: 6}
)

func TestRequestPlayback_Disabled(t *testing.T) {
	mgr, notifier, _ := testManager(t, defaultPolicy())
	mgr.SetDisabled(3)

	_, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3")
	var denied *relay.AdmissionError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if denied.Reason != relay.ReasonDisabled {
		t.Errorf("reason = %q, want %q", denied.Reason, relay.ReasonDisabled)
	}
	if !notifier.privateContains("Alice: Torchvox is currently disabled!") {
		t.Errorf("missing disabled notice, got %v", notifier.private)
	}

	// A player at the disabling level is not blocked.
	high := relay.Player{UserID: 5, UniqueID: "STEAM_5", Name: "High", Level: 3}
	if _, err := mgr.RequestPlayback(high, "http://example.com/b.mp3"); err != nil {
		t.Errorf("level-3 player blocked by level-3 disable: %v", err)
	}
}

func TestRequestPlayback_AntiSpamIsSilent(t *testing.T) {
	notifier := &fakeNotifier{}
	mgr := relay.NewManager(relay.ManagerConfig{
		Policy:      defaultPolicy(),
		Ledger:      ledger.New(),
		Notifier:    notifier,
		AntiSpam:    denyAllSpam{},
		NewPipeline: func() relay.AudioPlayer { return &fakePipeline{} },
	})

	_, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3")
	var denied *relay.AdmissionError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if denied.Reason != relay.ReasonAntiSpam {
		t.Errorf("reason = %q, want %q", denied.Reason, relay.ReasonAntiSpam)
	}
	// The anti-spam collaborator messages the player itself.
	if len(notifier.private) != 0 {
		t.Errorf("unexpected private messages: %v", notifier.private)
	}
}

func TestRequestPlayback_DisabledCheckedBeforeAntiSpam(t *testing.T) {
	notifier := &fakeNotifier{}
	mgr := relay.NewManager(relay.ManagerConfig{
		Policy:      defaultPolicy(),
		Ledger:      ledger.New(),
		Notifier:    notifier,
		AntiSpam:    denyAllSpam{},
		NewPipeline: func() relay.AudioPlayer { return &fakePipeline{} },
	})
	mgr.SetDisabled(3)

	_, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3")
	var denied *relay.AdmissionError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if denied.Reason != relay.ReasonDisabled {
		t.Errorf("reason = %q, want %q", denied.Reason, relay.ReasonDisabled)
	}
}

func TestRequestPlayback_UsesLimit(t *testing.T) {
	mgr, notifier, made := testManager(t, defaultPolicy())

	for i := 0; i < 2; i++ {
		clip, err := mgr.RequestPlayback(alice, fmt.Sprintf("http://example.com/%d.mp3", i))
		if err != nil {
			t.Fatalf("request %d denied: %v", i+1, err)
		}
		if clip == nil {
			t.Fatalf("request %d returned nil clip", i+1)
		}
		(*made)[i].emit(voice.Event{Kind: voice.EventPlay})
	}

	_, err := mgr.RequestPlayback(alice, "http://example.com/2.mp3")
	var denied *relay.AdmissionError
	if !errors.As(err, &denied) {
		t.Fatalf("third request: err = %v, want *AdmissionError", err)
	}
	if denied.Reason != relay.ReasonLimit {
		t.Errorf("reason = %q, want %q", denied.Reason, relay.ReasonLimit)
	}
	if !notifier.privateContains("Alice: You have used up all of your free uses! (2 uses)") {
		t.Errorf("missing limit notice, got %v", notifier.private)
	}
}

func TestRequestPlayback_ZeroBudgetTierDeniesFirstRequest(t *testing.T) {
	pol := defaultPolicy()
	pol.Tiers[0] = ledger.Policy{Uses: 0, TotalTime: 0}
	mgr, notifier, _ := testManager(t, pol)

	_, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3")
	var denied *relay.AdmissionError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if denied.Reason != relay.ReasonLimit {
		t.Errorf("reason = %q, want %q", denied.Reason, relay.ReasonLimit)
	}
	if mgr.Live() != 0 {
		t.Errorf("live = %d, want 0", mgr.Live())
	}
	if !notifier.privateContains("Alice: You have used up all of your free uses! (0 uses)") {
		t.Errorf("missing limit notice, got %v", notifier.private)
	}
}

func TestRequestPlayback_ImmunePlayersNeverLimited(t *testing.T) {
	pol := defaultPolicy()
	pol.Tiers[5] = ledger.Policy{Uses: 0, TotalTime: 0}
	mgr, _, made := testManager(t, pol)

	immune := relay.Player{UserID: 8, UniqueID: "STEAM_8", Name: "Mod", Level: 5}
	for i := 0; i < 4; i++ {
		_, err := mgr.RequestPlayback(immune, "http://example.com/a.mp3")
		if err != nil {
			t.Fatalf("request %d for immune player denied: %v", i+1, err)
		}
		(*made)[i].emit(voice.Event{Kind: voice.EventPlay})
	}
}

func TestStopRequest_NoAudio(t *testing.T) {
	mgr, notifier, _ := testManager(t, defaultPolicy())

	if got := mgr.StopRequest(alice, ""); got != 0 {
		t.Errorf("stopped = %d, want 0", got)
	}
	if !notifier.privateContains("Alice: No audio is currently playing.") {
		t.Errorf("missing no-audio notice, got %v", notifier.private)
	}
}

func TestStopRequest_OwnerAlwaysPermitted(t *testing.T) {
	mgr, notifier, _ := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}

	if got := mgr.StopRequest(alice, ""); got != 1 {
		t.Errorf("stopped = %d, want 1", got)
	}
	if mgr.Live() != 0 {
		t.Errorf("live = %d, want 0", mgr.Live())
	}
	if !notifier.privateContains("Alice: Stopped 1 audio clip.") {
		t.Errorf("missing stop summary, got %v", notifier.private)
	}
	if notifier.privateContains("Alice: Your audio was stopped by Alice.") {
		t.Error("owner should not be notified about stopping their own clip")
	}
}

func TestStopRequest_AuthorityNotifiesOwner(t *testing.T) {
	mgr, notifier, _ := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}

	if got := mgr.StopRequest(admin, ""); got != 1 {
		t.Errorf("stopped = %d, want 1", got)
	}
	if !notifier.privateContains("Alice: Your audio was stopped by Admin.") {
		t.Errorf("owner not notified, got %v", notifier.private)
	}
}

func TestStopRequest_VoteQuorum(t *testing.T) {
	mgr, notifier, _ := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}

	if got := mgr.StopRequest(bob, ""); got != 0 {
		t.Fatalf("first vote stopped %d clips", got)
	}
	if !notifier.privateContains("Bob: Need 2 more !stop(s) to stop Alice's sound.") {
		t.Errorf("missing first vote notice, got %v", notifier.private)
	}

	// A repeat vote from the same player does not advance the count.
	mgr.StopRequest(bob, "")
	if got := notifier.privateCount("Bob: Need 2 more !stop(s) to stop Alice's sound."); got != 2 {
		t.Errorf("repeat vote advanced the count: %d 'need 2 more' notices, want 2; all: %v", got, notifier.private)
	}

	if got := mgr.StopRequest(carol, ""); got != 0 {
		t.Fatalf("second voter stopped %d clips", got)
	}
	if !notifier.privateContains("Carol: Need 1 more !stop(s) to stop Alice's sound.") {
		t.Errorf("missing second vote notice, got %v", notifier.private)
	}

	if got := mgr.StopRequest(dave, ""); got != 1 {
		t.Fatalf("quorum vote stopped %d clips, want 1", got)
	}
	if mgr.Live() != 0 {
		t.Errorf("live = %d, want 0", mgr.Live())
	}
	if !notifier.privateContains("Alice: Your audio was stopped by Dave.") {
		t.Errorf("owner not notified, got %v", notifier.private)
	}
}

func TestStopRequest_FilterMatchesSubstring(t *testing.T) {
	mgr, _, _ := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.RequestPlayback(bob, "http://example.com/b.mp3"); err != nil {
		t.Fatal(err)
	}

	if got := mgr.StopRequest(admin, "LIC"); got != 1 {
		t.Errorf("stopped = %d, want 1 (Alice only)", got)
	}
	if mgr.Live() != 1 {
		t.Errorf("live = %d, want 1", mgr.Live())
	}
}

func TestStopRequest_NoMatchHint(t *testing.T) {
	mgr, notifier, _ := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}

	// Bob has no authority, so his unfiltered request only casts a vote.
	if got := mgr.StopRequest(bob, ""); got != 0 {
		t.Fatalf("stopped = %d, want 0", got)
	}
	if !notifier.privateContains("Bob: No audio clips matched your request. Use '!stop playername' to target specific player.") {
		t.Errorf("missing targeting hint, got %v", notifier.private)
	}
}

func TestForceStopAll_SurvivesPanickingPipeline(t *testing.T) {
	mgr, notifier, made := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.RequestPlayback(bob, "http://example.com/b.mp3"); err != nil {
		t.Fatal(err)
	}
	(*made)[0].stopPanics = true

	mgr.ForceStopAll()

	if mgr.Live() != 0 {
		t.Errorf("live = %d, want 0 even with a failing pipeline", mgr.Live())
	}
	for _, name := range []string{"Alice", "Bob"} {
		if !notifier.privateContains(name + ": All audio has been force-stopped by admin.") {
			t.Errorf("%s not notified, got %v", name, notifier.private)
		}
	}
}

func TestForceStopAll_EmptySetIsHarmless(t *testing.T) {
	mgr, _, _ := testManager(t, defaultPolicy())
	mgr.ForceStopAll()
	if mgr.Live() != 0 {
		t.Errorf("live = %d, want 0", mgr.Live())
	}
}

func TestOnDisconnect_StopsOnlyThatPlayer(t *testing.T) {
	mgr, _, _ := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.RequestPlayback(bob, "http://example.com/b.mp3"); err != nil {
		t.Fatal(err)
	}

	mgr.OnDisconnect(alice)
	if mgr.Live() != 1 {
		t.Errorf("live = %d, want 1", mgr.Live())
	}
}

func TestStopEvent_DeregistersOnce(t *testing.T) {
	mgr, _, made := testManager(t, defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.RequestPlayback(bob, "http://example.com/b.mp3"); err != nil {
		t.Fatal(err)
	}

	// Natural end of stream: the pipeline fires Stop on its own.
	(*made)[0].emit(voice.Event{Kind: voice.EventStop})
	if mgr.Live() != 1 {
		t.Fatalf("live = %d, want 1", mgr.Live())
	}
	// Duplicate delivery is a no-op.
	(*made)[0].emit(voice.Event{Kind: voice.EventStop})
	if mgr.Live() != 1 {
		t.Errorf("live = %d after duplicate stop, want 1", mgr.Live())
	}
}

func TestUsageAccounting(t *testing.T) {
	usage := ledger.New()
	notifier := &fakeNotifier{}
	var made []*fakePipeline
	mgr := relay.NewManager(relay.ManagerConfig{
		Policy:   defaultPolicy(),
		Ledger:   usage,
		Notifier: notifier,
		NewPipeline: func() relay.AudioPlayer {
			p := &fakePipeline{}
			made = append(made, p)
			return p
		},
	})

	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}
	pipe := made[0]
	pipe.emit(voice.Event{Kind: voice.EventPlay})
	pipe.emit(voice.Event{Kind: voice.EventUpdate, Prev: 0, Cur: 0.1})
	pipe.emit(voice.Event{Kind: voice.EventUpdate, Prev: 0.1, Cur: 0.3})
	pipe.seconds = 0.3
	pipe.Stop(false)

	entry, ok := usage.Get(alice.UserID)
	if !ok {
		t.Fatal("no ledger entry for Alice")
	}
	if entry.Uses != 1 {
		t.Errorf("uses = %d, want 1", entry.Uses)
	}
	if entry.TimeUsed < 0.29 || entry.TimeUsed > 0.31 {
		t.Errorf("time used = %v, want ~0.3", entry.TimeUsed)
	}
	if entry.LastUseLength != 0.3 {
		t.Errorf("last use length = %v, want 0.3", entry.LastUseLength)
	}
}

func TestImmuneOwnerSkipsAccounting(t *testing.T) {
	usage := ledger.New()
	var made []*fakePipeline
	mgr := relay.NewManager(relay.ManagerConfig{
		Policy:   defaultPolicy(),
		Ledger:   usage,
		Notifier: &fakeNotifier{},
		NewPipeline: func() relay.AudioPlayer {
			p := &fakePipeline{}
			made = append(made, p)
			return p
		},
	})

	if _, err := mgr.RequestPlayback(admin, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}
	made[0].emit(voice.Event{Kind: voice.EventPlay})

	if _, ok := usage.Get(admin.UserID); ok {
		t.Error("immune player accrued usage")
	}
}

// newTestMetrics wires a Metrics instance to a ManualReader so the test can
// inspect recorded values.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue sums the data points of a named int64 counter, or returns 0
// when nothing was recorded.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestClipMetrics_UnstartedClipNotCountedAsStopped(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	var made []*fakePipeline
	mgr := relay.NewManager(relay.ManagerConfig{
		Policy:   defaultPolicy(),
		Ledger:   ledger.New(),
		Notifier: &fakeNotifier{},
		Metrics:  metrics,
		NewPipeline: func() relay.AudioPlayer {
			p := &fakePipeline{}
			made = append(made, p)
			return p
		},
	})

	// First clip dies before producing any audio (spawn or dial failure).
	if _, err := mgr.RequestPlayback(alice, "http://example.com/dead.mp3"); err != nil {
		t.Fatal(err)
	}
	made[0].Stop(true)

	if got := counterValue(t, reader, "torchvox.clips.stopped"); got != 0 {
		t.Errorf("clips.stopped = %d after unstarted clip, want 0", got)
	}
	if got := counterValue(t, reader, "torchvox.clips.active"); got != 0 {
		t.Errorf("clips.active = %d after unstarted clip, want 0", got)
	}

	// Second clip streams normally; both sides of the pair are recorded.
	if _, err := mgr.RequestPlayback(bob, "http://example.com/ok.mp3"); err != nil {
		t.Fatal(err)
	}
	made[1].emit(voice.Event{Kind: voice.EventPlay})
	made[1].seconds = 1.5
	made[1].Stop(false)

	if got := counterValue(t, reader, "torchvox.clips.started"); got != 1 {
		t.Errorf("clips.started = %d, want 1", got)
	}
	if got := counterValue(t, reader, "torchvox.clips.stopped"); got != 1 {
		t.Errorf("clips.stopped = %d, want 1", got)
	}
	if got := counterValue(t, reader, "torchvox.clips.active"); got != 0 {
		t.Errorf("clips.active = %d, want 0", got)
	}
}

func TestLastURI(t *testing.T) {
	mgr, _, _ := testManager(t, defaultPolicy())
	if got := mgr.LastURI(); got != "" {
		t.Errorf("initial last URI = %q, want empty", got)
	}
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Fatal(err)
	}
	if got := mgr.LastURI(); got != "http://example.com/a.mp3" {
		t.Errorf("last URI = %q", got)
	}
}

func TestReload_ResetsUsage(t *testing.T) {
	mgr, _, made := testManager(t, defaultPolicy())

	for i := 0; i < 2; i++ {
		if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
			t.Fatal(err)
		}
		(*made)[i].emit(voice.Event{Kind: voice.EventPlay})
	}
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err == nil {
		t.Fatal("expected denial before reload")
	}

	mgr.Reload(defaultPolicy())
	if _, err := mgr.RequestPlayback(alice, "http://example.com/a.mp3"); err != nil {
		t.Errorf("after reload: %v", err)
	}
}

// Exercises the full moderation scenario: a limited tier, an authority stop
// with owner notification, and a force-stop on an empty registry.
func TestEndToEndModeration(t *testing.T) {
	mgr, notifier, made := testManager(t, defaultPolicy())

	for i := 0; i < 2; i++ {
		if _, err := mgr.RequestPlayback(alice, fmt.Sprintf("http://example.com/%d.mp3", i)); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		(*made)[i].emit(voice.Event{Kind: voice.EventPlay})
	}

	if _, err := mgr.RequestPlayback(alice, "http://example.com/2.mp3"); err == nil {
		t.Fatal("third request should be denied")
	}
	if !notifier.privateContains("Alice: You have used up all of your free uses! (2 uses)") {
		t.Errorf("missing limit message, got %v", notifier.private)
	}

	if got := mgr.StopRequest(admin, ""); got != 2 {
		t.Errorf("admin stopped %d clips, want 2", got)
	}
	if !notifier.privateContains("Alice: Your audio was stopped by Admin.") {
		t.Errorf("owner not notified, got %v", notifier.private)
	}

	mgr.ForceStopAll()
	if mgr.Live() != 0 {
		t.Errorf("live = %d, want 0", mgr.Live())
	}
}
