package generator

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

// TestGaussianSizeTopicRoundTrip exercises testable property #1: every
// message's topic decodes back to the cid it was generated with and a
// mid in [1..N].
func TestGaussianSizeTopicRoundTrip(t *testing.T) {
	const n = 50
	g := NewGaussianSize("c", n, 100)

	seen := map[int]bool{}
	for {
		msg, ok := g.Next()
		if !ok {
			break
		}
		segments := strings.Split(msg.Topic, "/")
		if len(segments) < 4 {
			t.Fatalf("topic %q has fewer than 4 segments", msg.Topic)
		}
		if segments[0] != "mqtt-malaria" || segments[1] != "c" || segments[2] != "data" {
			t.Fatalf("unexpected topic shape: %q", msg.Topic)
		}
		mid, err := strconv.Atoi(segments[3])
		if err != nil {
			t.Fatalf("mid segment %q did not parse as int: %v", segments[3], err)
		}
		if mid < 1 || mid > n {
			t.Fatalf("mid %d out of range [1,%d]", mid, n)
		}
		if mid != msg.Seq {
			t.Fatalf("topic mid %d does not match msg.Seq %d", mid, msg.Seq)
		}
		seen[mid] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct seqs, saw %d", n, len(seen))
	}
}

// TestGaussianSizeS1 is scenario S1: three messages with fixed topics
// and payload lengths within 4 sigma of target 100.
func TestGaussianSizeS1(t *testing.T) {
	g := NewGaussianSize("c", 3, 100)
	wantTopics := []string{
		"mqtt-malaria/c/data/1/3",
		"mqtt-malaria/c/data/2/3",
		"mqtt-malaria/c/data/3/3",
	}
	for i, want := range wantTopics {
		msg, ok := g.Next()
		if !ok {
			t.Fatalf("generator exhausted early at index %d", i)
		}
		if msg.Topic != want {
			t.Errorf("topic %d = %q, want %q", i, msg.Topic, want)
		}
		if size := len(msg.Payload); size < 60 || size > 140 {
			t.Errorf("payload size %d outside 100 +/- 40 tolerance", size)
		}
	}
	if _, ok := g.Next(); ok {
		t.Fatal("generator yielded a 4th message")
	}
}

// TestGaussianSizeDistribution is testable property #2: over a large
// batch the mean payload length should land within 10% of target.
func TestGaussianSizeDistribution(t *testing.T) {
	const n = 10000
	const target = 100
	g := NewGaussianSize("c", n, target)

	total := 0
	count := 0
	for {
		msg, ok := g.Next()
		if !ok {
			break
		}
		total += len(msg.Payload)
		count++
	}
	if count != n {
		t.Fatalf("expected %d messages, got %d", n, count)
	}
	mean := float64(total) / float64(count)
	if mean < target*0.9 || mean > target*1.1 {
		t.Errorf("mean payload size %.2f outside %d +/- 10%%", mean, target)
	}
}

// TestGaussianSizeHexAlphabet ensures payload bytes are within the hex
// digit alphabet (spec §4.1).
func TestGaussianSizeHexAlphabet(t *testing.T) {
	g := NewGaussianSize("c", 20, 200)
	hex := regexp.MustCompile(`^[0-9a-fA-F]*$`)
	for {
		msg, ok := g.Next()
		if !ok {
			break
		}
		if !hex.Match(msg.Payload) {
			t.Fatalf("payload %q contains non-hex characters", msg.Payload)
		}
	}
}

// TestTimeTrackingPreservesSeqAndTopic is testable property #4: wrapping
// with TimeTracking must not change the (seq, topic) stream.
func TestTimeTrackingPreservesSeqAndTopic(t *testing.T) {
	plain := NewGaussianSize("c", 10, 50)
	tracked := NewTimeTracking(NewGaussianSize("c", 10, 50))

	for i := 0; i < 10; i++ {
		pm, pok := plain.Next()
		tm, tok := tracked.Next()
		if pok != tok {
			t.Fatalf("exhaustion mismatch at %d: plain=%v tracked=%v", i, pok, tok)
		}
		if !pok {
			break
		}
		if pm.Seq != tm.Seq || pm.Topic != tm.Topic {
			t.Fatalf("seq/topic changed by TimeTracking at %d: plain=%+v tracked=%+v", i, pm, tm)
		}
	}
}

// TestTimeTrackingS2 is scenario S2: a single time-tracked message's
// payload matches "<float>,<hexdigits>".
func TestTimeTrackingS2(t *testing.T) {
	g := NewTimeTracking(NewGaussianSize("c", 1, 10))
	msg, ok := g.Next()
	if !ok {
		t.Fatal("expected one message")
	}
	re := regexp.MustCompile(`^[0-9]+\.[0-9]{6},[0-9a-fA-F]*$`)
	if !re.Match(msg.Payload) {
		t.Fatalf("payload %q does not match time-tracking format", msg.Payload)
	}
}

// TestRateLimitedTiming is testable property #3 / scenario S3: elapsed
// time over N items at rate r is bounded below by (N-1)/r.
func TestRateLimitedTiming(t *testing.T) {
	g := NewRateLimited(NewGaussianSize("c", 5, 10), 10)

	start := time.Now()
	count := 0
	for {
		_, ok := g.Next()
		if !ok {
			break
		}
		count++
	}
	elapsed := time.Since(start)

	if count != 5 {
		t.Fatalf("expected 5 messages, got %d", count)
	}
	if elapsed < 400*time.Millisecond {
		t.Errorf("elapsed %v too short for rate-limited 5 items at 10/s", elapsed)
	}
	if elapsed > 800*time.Millisecond {
		t.Errorf("elapsed %v too long for rate-limited 5 items at 10/s", elapsed)
	}
}

// TestJitteryRateLimitedStaysPositive checks the jittered sleep stays
// positive: at rate 50 with jitter 0.5 each sleep is at least 10ms, so
// draining 20 items (20 sleeps) takes at least 200ms.
func TestJitteryRateLimitedStaysPositive(t *testing.T) {
	g := NewJitteryRateLimited(NewGaussianSize("c", 20, 10), 50, 0.5)
	start := time.Now()
	count := 0
	for {
		_, ok := g.Next()
		if !ok {
			break
		}
		count++
	}
	if count != 20 {
		t.Fatalf("expected 20 messages, got %d", count)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("elapsed %v shorter than 20 sleeps of at least 10ms", elapsed)
	}
}

// TestNewCompositionOrder checks the fixed wrapper order from
// createGenerator: GaussianSize -> TimeTracking (iff timing) -> rate
// limiter (iff msgs_per_second > 0).
func TestNewCompositionOrder(t *testing.T) {
	g := New("c", Options{Count: 3, TargetSize: 10, Timing: true})
	re := regexp.MustCompile(`^[0-9]+\.[0-9]{6},[0-9a-fA-F]*$`)
	for i := 0; i < 3; i++ {
		msg, ok := g.Next()
		if !ok {
			t.Fatalf("expected message %d", i)
		}
		if !re.Match(msg.Payload) {
			t.Fatalf("message %d payload %q missing time-tracking prefix", i, msg.Payload)
		}
	}
}

// TestNewWithoutTimingIsPlainHex checks that without Timing, New's
// payloads are plain hex (no comma-delimited prefix).
func TestNewWithoutTimingIsPlainHex(t *testing.T) {
	g := New("c", Options{Count: 1, TargetSize: 20})
	msg, ok := g.Next()
	if !ok {
		t.Fatal("expected a message")
	}
	if strings.Contains(string(msg.Payload), ",") {
		t.Fatalf("untimed payload %q should not contain a comma", msg.Payload)
	}
}
