package presence

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"chatsync/models"
	"chatsync/remote"
	"chatsync/remote/remotetest"
)

func ts(v int64) *int64 { return &v }

func newTestTracker(t *testing.T) (*Tracker, *remotetest.Fake) {
	t.Helper()
	fake := remotetest.New()
	tracker, err := New(Options{Service: fake})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(tracker.Close)
	return tracker, fake
}

func assertPairs(t *testing.T, fake *remotetest.Fake, userIDs ...string) {
	t.Helper()
	for _, topic := range []string{remotetest.TopicOnline, remotetest.TopicOffline} {
		if got := fake.OpenSubscriptions(topic, ""); got != len(userIDs) {
			t.Fatalf("expected %d open %s streams, got %d", len(userIDs), topic, got)
		}
		for _, userID := range userIDs {
			if got := fake.OpenSubscriptions(topic, userID); got != 1 {
				t.Fatalf("expected one %s stream for %s, got %d", topic, userID, got)
			}
		}
	}
}

func TestTrackReconcilesStreamPairs(t *testing.T) {
	tracker, fake := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Track(ctx, []string{"A", "B"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	assertPairs(t, fake, "A", "B")

	fake.EmitPresence(true, models.PresenceEvent{UserID: "A"})
	if err := tracker.Track(ctx, []string{"B", "C"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	assertPairs(t, fake, "B", "C")
	if tracker.OpenCount() != 2 {
		t.Fatalf("expected 2 open pairs, got %d", tracker.OpenCount())
	}
	if _, ok := tracker.State("A"); ok {
		t.Fatalf("entry for A kept after untrack")
	}
	if !reflect.DeepEqual(tracker.Tracked(), []string{"B", "C"}) {
		t.Fatalf("unexpected tracked set: %v", tracker.Tracked())
	}

	// same set again is a no-op
	if err := tracker.Track(ctx, []string{"C", "B", "B"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	assertPairs(t, fake, "B", "C")
}

func TestOnlineOfflineTransitions(t *testing.T) {
	tracker, fake := newTestTracker(t)
	if err := tracker.Track(context.Background(), []string{"bob"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	fake.EmitPresence(false, models.PresenceEvent{UserID: "bob", LastSeenAt: ts(500)})
	state, ok := tracker.State("bob")
	if !ok || state.IsOnline || state.LastSeenAt == nil || *state.LastSeenAt != 500 {
		t.Fatalf("unexpected offline state: %+v", state)
	}

	fake.EmitPresence(true, models.PresenceEvent{UserID: "bob", LastSeenAt: ts(600)})
	state, _ = tracker.State("bob")
	if !state.IsOnline || state.LastSeenAt != nil {
		t.Fatalf("online state must clear last seen: %+v", state)
	}
}

func TestSeedNeverOverridesLiveEvent(t *testing.T) {
	tracker, fake := newTestTracker(t)
	if err := tracker.Track(context.Background(), []string{"bob", "carol"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if !tracker.Seed("carol", ts(100)) {
		t.Fatalf("expected seed to apply")
	}
	fake.EmitPresence(true, models.PresenceEvent{UserID: "bob"})
	if tracker.Seed("bob", ts(100)) {
		t.Fatalf("seed overwrote a live entry")
	}
	state, _ := tracker.State("bob")
	if !state.IsOnline || state.LastSeenAt != nil {
		t.Fatalf("unexpected state after seed: %+v", state)
	}

	fake.EmitPresence(false, models.PresenceEvent{UserID: "carol", LastSeenAt: ts(300)})
	snapshot := tracker.Snapshot()
	if got := snapshot["carol"]; got.IsOnline || *got.LastSeenAt != 300 {
		t.Fatalf("live event did not replace seed: %+v", got)
	}
}

func TestSeedIgnoresUntrackedUsers(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if err := tracker.Track(context.Background(), []string{"A"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if tracker.Seed("Z", ts(5)) {
		t.Fatalf("seed applied to an untracked user")
	}
	if _, ok := tracker.State("Z"); ok {
		t.Fatalf("entry created for untracked user")
	}
	if !tracker.Seed("A", ts(5)) {
		t.Fatalf("expected seed for tracked user")
	}
	if len(tracker.Snapshot()) != 1 {
		t.Fatalf("unexpected snapshot: %+v", tracker.Snapshot())
	}

	if err := tracker.Track(context.Background(), nil); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if len(tracker.Snapshot()) != 0 {
		t.Fatalf("seeded entry kept after untrack: %+v", tracker.Snapshot())
	}
}

func TestTrackFailureRetriesOnNextCall(t *testing.T) {
	tracker, fake := newTestTracker(t)
	fake.FailNextSubscribe(remotetest.TopicOffline, errors.New("offline"))

	err := tracker.Track(context.Background(), []string{"bob"})
	if !remote.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	assertPairs(t, fake)

	if err := tracker.Track(context.Background(), []string{"bob"}); err != nil {
		t.Fatalf("Track retry failed: %v", err)
	}
	assertPairs(t, fake, "bob")
}

func TestCloseClosesEveryPair(t *testing.T) {
	tracker, fake := newTestTracker(t)
	if err := tracker.Track(context.Background(), []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	tracker.Close()
	assertPairs(t, fake)
	if err := tracker.Track(context.Background(), []string{"A"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := fake.EmitPresence(true, models.PresenceEvent{UserID: "A"}); n != 0 {
		t.Fatalf("event delivered after Close")
	}
}
