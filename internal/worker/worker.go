// Package worker runs N independent publishers in parallel and
// aggregates their per-publisher statistics (spec C5). Each worker
// owns its own generator and its own publisher (a direct
// TrackingSender or a bridging sender); workers share nothing beyond
// read-only configuration and the result channel, which is what makes
// a goroutine-per-worker a genuinely isolated unit here even though
// the original Python needed separate OS processes to get the same
// isolation around the GIL.
package worker

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remakeelectric/malaria/internal/generator"
	"github.com/remakeelectric/malaria/internal/psk"
	"github.com/remakeelectric/malaria/internal/sender"
)

// jitterMin and jitterMax bound the random start delay (spec §4.5:
// "sleeps a uniform random delay in [1,10] seconds to decorrelate
// starts").
const (
	jitterMin = 1 * time.Second
	jitterMax = 10 * time.Second
)

// progressPollInterval is how often the controller checks and prints
// worker completion progress.
const progressPollInterval = 1 * time.Second

// Publisher is anything that can drain a generator against a broker
// and report SenderStats once done: a *sender.TrackingSender directly,
// or a bridging sender that wraps one against a private local broker.
type Publisher interface {
	Run(gen generator.Generator, qos byte) error
	Stats() sender.SenderStats
}

// NewPublisherFunc constructs the Publisher a worker with the given
// client id should run against. Supplied by the caller so this package
// stays agnostic to whether workers publish directly or through a
// bridge (internal/bridge depends on this package's sibling
// internal/sender, not the other way around, so there is no import
// cycle either way).
type NewPublisherFunc func(clientID string) (Publisher, error)

// Options configures a Controller run.
type Options struct {
	Processes    int
	ClientIDBase string
	QoS          byte
	MessageOpts  generator.Options
	PSKKeys      []psk.KeyPair
	NewPublisher NewPublisherFunc
	Logger       *zap.Logger
}

// workerResult is what one worker goroutine reports back.
type workerResult struct {
	index int
	stats sender.SenderStats
	err   error
}

// Controller runs Options.Processes workers in parallel and aggregates
// their results.
type Controller struct {
	opts Options
}

// New builds a Controller for opts.
func New(opts Options) *Controller {
	return &Controller{opts: opts}
}

// clientID derives the per-worker client id: the PSK identity half
// when a key was assigned to this worker, otherwise
// "{base}-{index}" per spec §4.5.
func (c *Controller) clientID(index int) string {
	if index < len(c.opts.PSKKeys) {
		return c.opts.PSKKeys[index].Identity
	}
	return fmt.Sprintf("%s-%d", c.opts.ClientIDBase, index)
}

// Run spawns Options.Processes workers, polls their completion once a
// second (printing progress the way the original controller's
// completed/processes loop does), and returns the stats of every
// worker that completed successfully plus the overall wall-clock span.
// A worker-fatal error is logged and that worker is simply absent from
// the returned stats slice, isolating it from its peers per spec §7.
func (c *Controller) Run() ([]sender.SenderStats, time.Duration) {
	n := c.opts.Processes
	results := make(chan workerResult, n)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			results <- c.runWorker(index)
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var stats []sender.SenderStats
	completed := 0
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

collect:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break collect
			}
			completed++
			if res.err != nil {
				c.opts.Logger.Error("worker failed",
					zap.Int("worker", res.index), zap.Error(res.err))
				continue
			}
			stats = append(stats, res.stats)
		case <-ticker.C:
			c.opts.Logger.Info("worker progress",
				zap.Int("completed", completed), zap.Int("processes", n))
		}
	}

	return stats, time.Since(start)
}

// runWorker builds this worker's generator and publisher, jitters its
// start, and runs it to completion.
func (c *Controller) runWorker(index int) workerResult {
	cid := c.clientID(index)

	jitter := jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin)))
	time.Sleep(jitter)

	pub, err := c.opts.NewPublisher(cid)
	if err != nil {
		return workerResult{index: index, err: fmt.Errorf("worker %d: %w", index, err)}
	}

	gen := generator.New(cid, c.opts.MessageOpts)
	if err := pub.Run(gen, c.opts.QoS); err != nil {
		return workerResult{index: index, err: fmt.Errorf("worker %d: %w", index, err)}
	}

	return workerResult{index: index, stats: pub.Stats()}
}

// AggregateStats is the same shape as sender.SenderStats, with
// ClientID set to a human description of the N workers it summarizes.
// Every numeric field is a naive arithmetic mean of the per-worker
// values except CountOK/CountTotal (sums), RateOK (derived from the
// summed counts) and MsgsPerSec (mean times N) — see spec §4.5 and
// DESIGN.md for why this "mean of extremes" choice is deliberate.
type AggregateStats struct {
	ClientID   string
	CountOK    int
	CountTotal int
	RateOK     float64
	TimeMean   float64
	TimeMin    float64
	TimeMax    float64
	TimeStddev float64
	MsgsPerSec float64
	TimeTotal  float64
}

// Aggregate combines a set of per-worker SenderStats the way the
// original beem.__init__.aggregate_publish_stats does: sums for the
// counts, naive means for every timing field, msgs_per_sec scaled by
// the worker count, and TimeTotal overridden by the caller's own
// wall-clock measurement (the controller's, not a mean of the
// per-worker totals).
func Aggregate(stats []sender.SenderStats, timeTotal time.Duration) AggregateStats {
	n := len(stats)
	agg := AggregateStats{
		ClientID:  fmt.Sprintf("Aggregate stats (simple avg) for %d processes", n),
		TimeTotal: timeTotal.Seconds(),
	}
	if n == 0 {
		return agg
	}

	var sumMin, sumMax, sumMean, sumStddev, sumMsgsPerSec float64
	for _, s := range stats {
		agg.CountOK += s.CountOK
		agg.CountTotal += s.CountTotal
		sumMin += s.TimeMin
		sumMax += s.TimeMax
		sumMean += s.TimeMean
		sumStddev += s.TimeStddev
		sumMsgsPerSec += s.MsgsPerSec
	}

	agg.RateOK = float64(agg.CountOK) / float64(agg.CountTotal)
	fn := float64(n)
	agg.TimeMin = sumMin / fn
	agg.TimeMax = sumMax / fn
	agg.TimeMean = sumMean / fn
	agg.TimeStddev = sumStddev / fn
	agg.MsgsPerSec = (sumMsgsPerSec / fn) * fn

	return agg
}
