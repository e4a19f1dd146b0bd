package listener

import (
	"testing"
	"time"

	"github.com/remakeelectric/malaria/internal/tracker"
)

func observedAt(cid string, mid int, created, received time.Time) tracker.ObservedRecord {
	return tracker.ObservedRecord{CID: cid, Mid: mid, TimeCreated: created, TimeReceived: received}
}

// TestStatsCompletenessAndDuplicates is scenario S5: two publishers
// each sending 5 messages, one duplicate, nothing missing.
func TestStatsCompletenessAndDuplicates(t *testing.T) {
	base := time.Now()
	var observed []tracker.ObservedRecord
	for _, cid := range []string{"a", "b"} {
		for seq := 1; seq <= 5; seq++ {
			created := base
			received := base.Add(10 * time.Millisecond)
			observed = append(observed, observedAt(cid, seq, created, received))
		}
	}
	// Redeliver (a,3).
	observed = append(observed, observedAt("a", 3, base, base.Add(12*time.Millisecond)))

	l := &TrackingListener{
		opts:      Options{ClientID: "listener1", MsgCount: 5, ClientCount: 2},
		observed:  observed,
		timeStart: base,
		timeEnd:   base.Add(time.Second),
		dropping:  false,
	}

	stats := l.Stats()

	if stats.MsgCount != 11 {
		t.Errorf("MsgCount = %d, want 11", stats.MsgCount)
	}
	if stats.ClientCount != 2 {
		t.Errorf("ClientCount = %d, want 2", stats.ClientCount)
	}
	if len(stats.MsgDuplicates) != 1 {
		t.Fatalf("expected exactly 1 duplicate, got %d", len(stats.MsgDuplicates))
	}
	if cid, mid := stats.MsgDuplicates[0].Identity(); cid != "a" || mid != 3 {
		t.Errorf("duplicate identity = (%s,%d), want (a,3)", cid, mid)
	}
	for cid, missing := range stats.MsgMissing {
		if len(missing) != 0 {
			t.Errorf("cid %s has missing seqs %v, want none", cid, missing)
		}
	}
	if !stats.TestComplete {
		t.Error("TestComplete should be true when no drop was detected")
	}
}

// TestStatsMissingAndDropped is scenario S6: seqs 2 and 5 from "a"
// never arrive and dropping is flagged; test_complete must be false
// and those seqs must appear in msg_missing["a"].
func TestStatsMissingAndDropped(t *testing.T) {
	base := time.Now()
	var observed []tracker.ObservedRecord
	for _, seq := range []int{1, 3, 4} {
		observed = append(observed, observedAt("a", seq, base, base.Add(5*time.Millisecond)))
	}

	l := &TrackingListener{
		opts:      Options{ClientID: "listener1", MsgCount: 5, ClientCount: 1},
		observed:  observed,
		timeStart: base,
		timeEnd:   base.Add(time.Second),
		dropping:  true,
	}

	stats := l.Stats()

	if stats.TestComplete {
		t.Error("TestComplete should be false when dropping was flagged")
	}
	missing := stats.MsgMissing["a"]
	missingSet := map[int]bool{}
	for _, m := range missing {
		missingSet[m] = true
	}
	if !missingSet[2] || !missingSet[5] {
		t.Errorf("msg_missing[a] = %v, want to include 2 and 5", missing)
	}
}

// TestStatsFlightTimeStats checks flight time mean/min/max/stddev are
// computed from TimeReceived-TimeCreated in seconds, non-negative.
func TestStatsFlightTimeStats(t *testing.T) {
	base := time.Now()
	observed := []tracker.ObservedRecord{
		observedAt("a", 1, base, base.Add(100*time.Millisecond)),
		observedAt("a", 2, base, base.Add(200*time.Millisecond)),
		observedAt("a", 3, base, base.Add(300*time.Millisecond)),
	}

	l := &TrackingListener{
		opts:      Options{ClientID: "listener1", MsgCount: 3, ClientCount: 1},
		observed:  observed,
		timeStart: base,
		timeEnd:   base.Add(time.Second),
	}

	stats := l.Stats()

	if stats.FlightTimeStddev < 0 {
		t.Errorf("flight time stddev should not be negative, got %v", stats.FlightTimeStddev)
	}
	if stats.FlightTimeMin <= 0 || stats.FlightTimeMax <= 0 {
		t.Errorf("flight time min/max should be positive, got min=%v max=%v", stats.FlightTimeMin, stats.FlightTimeMax)
	}
	if stats.FlightTimeMin > stats.FlightTimeMean || stats.FlightTimeMean > stats.FlightTimeMax {
		t.Errorf("mean %v should lie between min %v and max %v", stats.FlightTimeMean, stats.FlightTimeMin, stats.FlightTimeMax)
	}
}

// TestStatsEmptyObserved checks the zero-observed-records case doesn't
// panic and reports an empty client set.
func TestStatsEmptyObserved(t *testing.T) {
	base := time.Now()
	l := &TrackingListener{
		opts:      Options{ClientID: "listener1", MsgCount: 3, ClientCount: 1},
		timeStart: base,
		timeEnd:   base,
	}
	stats := l.Stats()
	if stats.MsgCount != 0 || stats.ClientCount != 0 {
		t.Errorf("expected zero msg/client count, got %+v", stats)
	}
}
