// Package generator implements the lazy message-generation pipeline: a
// Gaussian-sized payload source decorated, optionally, with time-tracking
// and rate limiting.
package generator

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// hexDigits mirrors Python's string.hexdigits alphabet used by the
// original publisher (0-9, a-f, A-F).
const hexDigits = "0123456789abcdefABCDEF"

// Message is a single generated unit: a 1-based sequence number, the
// topic it should be published to, and its payload. Immutable once
// produced.
type Message struct {
	Seq     int
	Topic   string
	Payload []byte
}

// Generator produces a lazy, finite, non-restartable sequence of
// Messages. Next returns (message, true) for each item and (zero, false)
// once exhausted; it must not be called again after returning false.
type Generator interface {
	Next() (Message, bool)
}

// gaussianSize is the base generator: sequence_size messages whose
// payload length follows Normal(target_size, target_size/20).
type gaussianSize struct {
	cid        string
	total      int
	targetSize int
	cur        int
	rng        *rand.Rand
}

// NewGaussianSize builds the base generator for cid, yielding seq in
// [1..n] with topics "mqtt-malaria/{cid}/data/{seq}/{n}" and payloads of
// random hex digits sized around targetSize.
func NewGaussianSize(cid string, n, targetSize int) Generator {
	return &gaussianSize{
		cid:        cid,
		total:      n,
		targetSize: targetSize,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *gaussianSize) Next() (Message, bool) {
	g.cur++
	if g.cur > g.total {
		return Message{}, false
	}
	realSize := int(math.Round(g.rng.NormFloat64()*float64(g.targetSize)/20 + float64(g.targetSize)))
	if realSize < 0 {
		realSize = 0
	}
	payload := make([]byte, realSize)
	for i := range payload {
		payload[i] = hexDigits[g.rng.Intn(len(hexDigits))]
	}
	return Message{
		Seq:     g.cur,
		Topic:   fmt.Sprintf("mqtt-malaria/%s/data/%d/%d", g.cid, g.cur, g.total),
		Payload: payload,
	}, true
}

// timeTracking wraps an inner generator, prepending a
// "<now_seconds>,<original payload>" prefix to each payload, where
// now_seconds is formatted with 6 decimal places at yield time (not at
// construction time or outer-iteration time).
type timeTracking struct {
	inner Generator
}

// NewTimeTracking wraps inner so that each yielded payload is replaced
// with "{now:.6f},{payload}".
func NewTimeTracking(inner Generator) Generator {
	return &timeTracking{inner: inner}
}

func (t *timeTracking) Next() (Message, bool) {
	msg, ok := t.inner.Next()
	if !ok {
		return Message{}, false
	}
	now := float64(time.Now().UnixNano()) / 1e9
	prefix := fmt.Sprintf("%.6f,", now)
	newPayload := make([]byte, 0, len(prefix)+len(msg.Payload))
	newPayload = append(newPayload, prefix...)
	newPayload = append(newPayload, msg.Payload...)
	msg.Payload = newPayload
	return msg, true
}

// rateLimited wraps an inner generator, sleeping after each yield for
// 1/rate seconds, optionally jittered by +/- jitter/rate.
type rateLimited struct {
	inner   Generator
	period  time.Duration
	jitter  time.Duration
	rng     *rand.Rand
	yielded bool
}

// NewRateLimited wraps inner so that every item is followed by a
// time.Sleep(1/rate). rate must be > 0.
func NewRateLimited(inner Generator, rate float64) Generator {
	return &rateLimited{
		inner:  inner,
		period: time.Duration(float64(time.Second) / rate),
	}
}

// NewJitteryRateLimited is NewRateLimited with the sleep duration varied
// by a uniform draw in [-jitter/rate, +jitter/rate].
func NewJitteryRateLimited(inner Generator, rate, jitter float64) Generator {
	return &rateLimited{
		inner:  inner,
		period: time.Duration(float64(time.Second) / rate),
		jitter: time.Duration(jitter * float64(time.Second) / rate),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *rateLimited) Next() (Message, bool) {
	// The sleep that follows an item runs when the caller comes back for
	// the next one, so each item is handed over as soon as it is made.
	if r.yielded {
		sleep := r.period
		if r.jitter > 0 {
			delta := time.Duration((r.rng.Float64()*2 - 1) * float64(r.jitter))
			sleep += delta
		}
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
	msg, ok := r.inner.Next()
	if !ok {
		return Message{}, false
	}
	r.yielded = true
	return msg, true
}

// Options configures the New composition contract.
type Options struct {
	Count         int
	TargetSize    int
	Timing        bool
	MsgsPerSecond float64
	Jitter        float64
}

// New builds the composed generator for a client id per the fixed
// composition contract: GaussianSize, then TimeTracking iff
// opts.Timing, then a rate limiter (jittery iff opts.Jitter > 0) iff
// opts.MsgsPerSecond > 0. Reordering these wrappers changes payload
// semantics, so the order here is load-bearing.
func New(cid string, opts Options) Generator {
	var g Generator = NewGaussianSize(cid, opts.Count, opts.TargetSize)
	if opts.Timing {
		g = NewTimeTracking(g)
	}
	if opts.MsgsPerSecond > 0 {
		if opts.Jitter > 0 {
			g = NewJitteryRateLimited(g, opts.MsgsPerSecond, opts.Jitter)
		} else {
			g = NewRateLimited(g, opts.MsgsPerSecond)
		}
	}
	return g
}
