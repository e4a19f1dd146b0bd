// Package sender implements the TrackingSender: a publisher that drains
// a message generator against a broker, correlates async acks back to
// the records it created, and computes per-publisher latency
// statistics.
package sender

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/remakeelectric/malaria/internal/generator"
	"github.com/remakeelectric/malaria/internal/tracker"
)

// ConnectError reports that the broker connect call failed.
var ConnectError = errors.New("mqtt connect failed")

// maxInflight bounds the number of unacknowledged QoS>0 publishes the
// underlying client will allow outstanding at once.
const maxInflight = 200

// ackRetryInterval is how long the ack-watcher goroutine waits before
// re-checking the correlation table for a record that has not yet been
// inserted by the producer (see the ack-before-insert race in
// SPEC_FULL.md Open Question 3).
const ackRetryInterval = 500 * time.Millisecond

// drainPollInterval is how long Run sleeps between polls of
// outstanding (unacknowledged) records once the generator is exhausted.
const drainPollInterval = 2 * time.Second

// Auth holds optional username/password credentials for the broker
// connection.
type Auth struct {
	Username string
	Password string
}

// SenderStats is the statistics produced by a single TrackingSender
// run. Flight times are in milliseconds except TimeTotal (seconds) and
// MsgsPerSec (messages/second).
type SenderStats struct {
	ClientID    string
	CountOK     int
	CountTotal  int
	RateOK      float64
	TimeMean    float64
	TimeMin     float64
	TimeMax     float64
	TimeStddev  float64
	MsgsPerSec  float64
	TimeTotal   float64
}

// TrackingSender publishes a generated stream against a broker and
// tracks per-message ack latency.
type TrackingSender struct {
	cid    string
	client mqtt.Client
	logger *zap.Logger

	mu      sync.Mutex
	records map[uint64]*tracker.SentRecord
	nextMid uint64

	firstPublish time.Time
	completed    time.Time

	wg       sync.WaitGroup
	inflight chan struct{}
}

// New connects a TrackingSender to host:port under clientID, with
// optional auth. It sets the client's max in-flight window to 200 and
// starts the client's network loop. Returns ConnectError if the
// library reports a non-zero connect outcome.
func New(host string, port int, clientID string, auth *Auth, logger *zap.Logger) (*TrackingSender, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", host, port))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(15 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Second)
	// paho.mqtt.golang has no publish-side inflight knob to hand
	// maxInflight to directly, so the bound is enforced ourselves: a
	// buffered semaphore of that size, acquired by publish before the
	// client call and released once the matching ack has been
	// correlated (see TrackingSender.inflight).

	if auth != nil {
		if auth.Username != "" {
			opts.SetUsername(auth.Username)
		}
		if auth.Password != "" {
			opts.SetPassword(auth.Password)
		}
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: %s", ConnectError, token.Error())
	}

	return &TrackingSender{
		cid:      clientID,
		client:   client,
		logger:   logger,
		records:  make(map[uint64]*tracker.SentRecord),
		inflight: make(chan struct{}, maxInflight),
	}, nil
}

// Run iterates gen, publishing each message at qos and recording a
// SentRecord keyed by a correlation id minted here (paho.mqtt.golang
// does not expose the broker packet id the way the original Python
// mosquitto binding did). After the generator is exhausted, Run polls
// for outstanding acks until all are received, then stops the network
// loop and disconnects.
func (s *TrackingSender) Run(gen generator.Generator, qos byte) error {
	for {
		msg, ok := gen.Next()
		if !ok {
			break
		}
		if err := s.publish(msg, qos); err != nil {
			return err
		}
	}

	s.logger.Debug("generator exhausted, draining outstanding acks", zap.String("clientid", s.cid))
	for {
		missing := s.outstanding()
		if len(missing) == 0 {
			break
		}
		s.logger.Info("waiting for messages to be confirmed",
			zap.String("clientid", s.cid), zap.Int("outstanding", len(missing)))
		time.Sleep(drainPollInterval)
	}

	s.wg.Wait()
	s.completed = time.Now()

	s.client.Disconnect(250)
	return nil
}

// publish sends one message and registers its correlation record. The
// ack-watcher goroutine is spawned before the record is inserted into
// the table, which is what reproduces the ack-before-insert race the
// retry-lookup logic in awaitAck exists to tolerate. publish blocks
// once maxInflight messages are outstanding, since acquiring the
// semaphore here is what actually bounds in-flight concurrency rather
// than merely naming it.
func (s *TrackingSender) publish(msg generator.Message, qos byte) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("publish failed: not connected")
	}

	s.inflight <- struct{}{}

	mid := atomic.AddUint64(&s.nextMid, 1)
	token := s.client.Publish(msg.Topic, qos, false, msg.Payload)

	s.mu.Lock()
	if s.firstPublish.IsZero() {
		s.firstPublish = time.Now()
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.awaitAck(mid, token)

	rec := tracker.NewSentRecord(mid, len(msg.Payload))
	s.mu.Lock()
	s.records[mid] = rec
	s.mu.Unlock()

	return nil
}

// awaitAck blocks until the broker acknowledges the publish behind
// token, then marks the corresponding record received and releases the
// inflight slot publish acquired for it. If the record has not yet
// been inserted by the producer (the ack-before-insert race), it logs
// a warning and retries every 500ms until the record appears; this
// never blocks the library's own network goroutine since Wait() has
// already returned by the time the retry loop starts.
func (s *TrackingSender) awaitAck(mid uint64, token mqtt.Token) {
	defer s.wg.Done()
	defer func() { <-s.inflight }()

	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Warn("publish ack reported an error", zap.Uint64("mid", mid), zap.Error(err))
	}

	for {
		s.mu.Lock()
		rec, ok := s.records[mid]
		s.mu.Unlock()
		if ok {
			rec.MarkReceived()
			return
		}
		s.logger.Warn("ack arrived before record was inserted, retrying lookup",
			zap.Uint64("mid", mid))
		time.Sleep(ackRetryInterval)
	}
}

// outstanding returns the records not yet acknowledged.
func (s *TrackingSender) outstanding() []*tracker.SentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []*tracker.SentRecord
	for _, rec := range s.records {
		if !rec.Received {
			missing = append(missing, rec)
		}
	}
	return missing
}

// Stats computes SenderStats over every tracked record. With no
// records at all RateOK is NaN (0/0); with no acknowledged records the
// timing fields are all zero.
func (s *TrackingSender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	countTotal := len(s.records)
	var flightMs []float64
	for _, rec := range s.records {
		if rec.Received {
			flightMs = append(flightMs, float64(rec.FlightTime().Microseconds())/1000.0)
		}
	}
	countOK := len(flightMs)

	mean, stddev, min, max := momentStats(flightMs)

	timeTotal := s.completed.Sub(s.firstPublish).Seconds()
	msgsPerSec := 0.0
	if timeTotal > 0 {
		msgsPerSec = float64(countOK) / timeTotal
	}

	return SenderStats{
		ClientID:   s.cid,
		CountOK:    countOK,
		CountTotal: countTotal,
		RateOK:     float64(countOK) / float64(countTotal),
		TimeMean:   mean,
		TimeMin:    min,
		TimeMax:    max,
		TimeStddev: stddev,
		MsgsPerSec: msgsPerSec,
		TimeTotal:  timeTotal,
	}
}

// momentStats returns the population mean, population stddev, min and
// max of vals. Returns all zeros for an empty slice.
func momentStats(vals []float64) (mean, stddev, min, max float64) {
	if len(vals) == 0 {
		return 0, 0, 0, 0
	}
	min, max = vals[0], vals[0]
	sum := 0.0
	for _, v := range vals {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean = sum / float64(len(vals))

	sq := 0.0
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(vals)))
	return mean, stddev, min, max
}
