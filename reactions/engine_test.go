package reactions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/remote"
	"chatsync/remote/remotetest"
)

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestEngine(t *testing.T, options Options) (*Engine, *remotetest.Fake) {
	t.Helper()
	fake := remotetest.New()
	options.Service = fake
	if options.Debounce == 0 {
		// commits only happen through Flush unless a test shortens this
		options.Debounce = time.Hour
	}
	engine, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, fake
}

func mustChoose(t *testing.T, engine *Engine, postID string, reaction models.ReactionType) models.ReactionState {
	t.Helper()
	state, err := engine.Choose(postID, reaction)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	return state
}

func TestDisplayCount(t *testing.T) {
	cases := []struct {
		base               int
		committed, pending models.ReactionType
		want               int
	}{
		{3, models.ReactionNone, models.ReactionNone, 3},
		{3, models.ReactionNone, models.ReactionLike, 4},
		{3, models.ReactionLike, models.ReactionNone, 2},
		{3, models.ReactionLike, models.ReactionLove, 3},
		{3, models.ReactionLike, models.ReactionLike, 3},
	}
	for _, c := range cases {
		if got := DisplayCount(c.base, c.committed, c.pending); got != c.want {
			t.Fatalf("DisplayCount(%d, %q, %q) = %d, want %d", c.base, c.committed, c.pending, got, c.want)
		}
	}
}

func TestToggleOffAndBackIssuesNoCall(t *testing.T) {
	engine, fake := newTestEngine(t, Options{})
	engine.Seed("p1", models.ReactionLike, 5)

	state := mustChoose(t, engine, "p1", models.ReactionLike)
	if state.Pending != models.ReactionNone || state.DisplayCount != 4 {
		t.Fatalf("unexpected toggle-off state: %+v", state)
	}
	state = mustChoose(t, engine, "p1", models.ReactionLike)
	if state.Pending != models.ReactionLike || state.DisplayCount != 5 {
		t.Fatalf("unexpected re-choice state: %+v", state)
	}

	if err := engine.Flush(context.Background(), "p1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := fake.CallCount(""); got != 0 {
		t.Fatalf("expected no remote calls, got %d", got)
	}
}

func TestRepeatedTogglesNeverCompound(t *testing.T) {
	engine, _ := newTestEngine(t, Options{})
	engine.Seed("p1", models.ReactionNone, 10)

	for i := 0; i < 7; i++ {
		state := mustChoose(t, engine, "p1", models.ReactionHaha)
		if state.DisplayCount != 10 && state.DisplayCount != 11 {
			t.Fatalf("count drifted to %d after %d toggles", state.DisplayCount, i+1)
		}
	}
	state, _ := engine.State("p1")
	if state.Pending != models.ReactionHaha || state.DisplayCount != 11 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestDebounceCommitsLastChoiceOnly(t *testing.T) {
	engine, fake := newTestEngine(t, Options{Debounce: 60 * time.Millisecond})
	mustChoose(t, engine, "p1", models.ReactionLike)
	mustChoose(t, engine, "p1", models.ReactionWow)
	mustChoose(t, engine, "p1", models.ReactionSad)

	waitForCondition(t, time.Second, func() bool {
		state, _ := engine.State("p1")
		return state.Phase == models.ReactionPhaseCommitted
	})
	calls := fake.Calls(remotetest.OpAddReaction)
	if len(calls) != 1 || calls[0].Args[1] != string(models.ReactionSad) {
		t.Fatalf("expected one add of SAD, got %+v", calls)
	}
	if fake.CallCount(remotetest.OpRemoveReaction) != 0 {
		t.Fatalf("unexpected remove call")
	}
	state, _ := engine.State("p1")
	if state.Committed != models.ReactionSad || state.BaseCount != 1 || state.DisplayCount != 1 {
		t.Fatalf("unexpected committed state: %+v", state)
	}
}

func TestSwitchIssuesRemoveThenAdd(t *testing.T) {
	engine, fake := newTestEngine(t, Options{})
	engine.Seed("p1", models.ReactionLike, 5)
	mustChoose(t, engine, "p1", models.ReactionLove)

	if err := engine.Flush(context.Background(), "p1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	calls := fake.Calls("")
	if len(calls) != 2 || calls[0].Op != remotetest.OpRemoveReaction || calls[1].Op != remotetest.OpAddReaction {
		t.Fatalf("unexpected call sequence: %+v", calls)
	}
	state, _ := engine.State("p1")
	if state.Committed != models.ReactionLove || state.DisplayCount != 5 {
		t.Fatalf("unexpected state after switch: %+v", state)
	}
}

func TestRemoveCommit(t *testing.T) {
	engine, fake := newTestEngine(t, Options{})
	engine.Seed("p1", models.ReactionAngry, 2)
	mustChoose(t, engine, "p1", models.ReactionAngry)

	if err := engine.Flush(context.Background(), "p1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if fake.CallCount(remotetest.OpRemoveReaction) != 1 {
		t.Fatalf("expected remove call")
	}
	state, _ := engine.State("p1")
	if state.Committed != models.ReactionNone || state.BaseCount != 1 || state.Phase != models.ReactionPhaseNone {
		t.Fatalf("unexpected state after remove: %+v", state)
	}
}

func TestFailedSwitchRollsBack(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics.New failed: %v", err)
	}
	var surfaced []error
	engine, fake := newTestEngine(t, Options{
		Metrics: m,
		OnError: func(err error) { surfaced = append(surfaced, err) },
	})
	engine.Seed("p1", models.ReactionLike, 5)
	mustChoose(t, engine, "p1", models.ReactionLove)
	fake.FailNext(remotetest.OpAddReaction, errors.New("offline"))

	err = engine.Flush(context.Background(), "p1")
	if !remote.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	state, _ := engine.State("p1")
	if state.Committed != models.ReactionLike || state.Pending != models.ReactionLike || state.DisplayCount != 5 {
		t.Fatalf("switch not rolled back: %+v", state)
	}
	// remove, failed add, restoring add
	if got := fake.CallCount(""); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
	if len(surfaced) != 1 {
		t.Fatalf("expected one surfaced error, got %d", len(surfaced))
	}
	expected := `
# HELP chatsync_rollbacks_total Optimistic local state reverted after a remote failure.
# TYPE chatsync_rollbacks_total counter
chatsync_rollbacks_total{component="reactions"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "chatsync_rollbacks_total"); err != nil {
		t.Fatalf("unexpected rollback metric: %v", err)
	}
}

func TestFailedRestoreMirrorsServer(t *testing.T) {
	engine, fake := newTestEngine(t, Options{})
	engine.Seed("p1", models.ReactionLike, 5)
	mustChoose(t, engine, "p1", models.ReactionLove)
	fake.FailAlways(remotetest.OpAddReaction, errors.New("offline"))

	if err := engine.Flush(context.Background(), "p1"); err == nil {
		t.Fatalf("expected error")
	}
	state, _ := engine.State("p1")
	if state.Committed != models.ReactionNone || state.Pending != models.ReactionNone || state.DisplayCount != 4 {
		t.Fatalf("expected state to mirror the removed reaction: %+v", state)
	}
}

func TestFailedAddRollsBack(t *testing.T) {
	engine, fake := newTestEngine(t, Options{})
	engine.Seed("p1", models.ReactionNone, 0)
	mustChoose(t, engine, "p1", models.ReactionLike)
	fake.FailNext(remotetest.OpAddReaction, remote.Rejected("addReaction", nil))

	err := engine.Flush(context.Background(), "p1")
	if !remote.IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	state, _ := engine.State("p1")
	if state.Pending != models.ReactionNone || state.DisplayCount != 0 {
		t.Fatalf("add not rolled back: %+v", state)
	}
}

func TestSeedKeepsOutstandingChoice(t *testing.T) {
	engine, _ := newTestEngine(t, Options{})
	mustChoose(t, engine, "p1", models.ReactionWow)
	if engine.Seed("p1", models.ReactionNone, 9) {
		t.Fatalf("seed replaced an outstanding choice")
	}
	if _, err := engine.Choose("p1", models.ReactionType("MEH")); !errors.Is(err, ErrInvalidReaction) {
		t.Fatalf("expected ErrInvalidReaction, got %v", err)
	}
	if err := engine.Flush(context.Background(), "p2"); !errors.Is(err, ErrUnknownPost) {
		t.Fatalf("expected ErrUnknownPost, got %v", err)
	}
}

func TestCloseDropsOrFlushes(t *testing.T) {
	engine, fake := newTestEngine(t, Options{Debounce: 30 * time.Millisecond})
	mustChoose(t, engine, "p1", models.ReactionLike)
	engine.Close()
	time.Sleep(80 * time.Millisecond)
	if got := fake.CallCount(""); got != 0 {
		t.Fatalf("commit fired after Close: %d", got)
	}

	flushing, fake := newTestEngine(t, Options{FlushOnClose: true})
	mustChoose(t, flushing, "p1", models.ReactionLike)
	flushing.Close()
	if got := fake.CallCount(remotetest.OpAddReaction); got != 1 {
		t.Fatalf("expected flush on close, got %d calls", got)
	}
	if _, err := flushing.Choose("p1", models.ReactionLike); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
