// Package listener implements the TrackingListener: a subscriber that
// consumes a known message sequence from one or more publishers and
// computes completeness, duplicate and flight-time statistics, while
// watching the broker's drop counter for signs the test should abort.
package listener

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/remakeelectric/malaria/internal/tracker"
)

// ConnectError reports that the broker connect call failed.
var ConnectError = errors.New("mqtt connect failed")

// DropDetected reports that the broker's drop counter increased during
// a run, which ends Run early.
var DropDetected = errors.New("broker reported dropped messages")

// dropTopic is the broker system topic publishing the running count of
// dropped messages.
const dropTopic = "$SYS/broker/publish/messages/dropped"

const maxInflight = 200

// completenessPollInterval is how long Run sleeps between checks of
// the observed message count against the expected total.
const completenessPollInterval = 1 * time.Second

// Options configures a TrackingListener run.
type Options struct {
	ClientID    string
	Topic       string
	MsgCount    int
	ClientCount int
}

// ListenerStats is the statistics produced by a single TrackingListener
// run. Flight times are in seconds.
type ListenerStats struct {
	ClientID        string
	ClientCount     int
	TestComplete    bool
	MsgCount        int
	MsgDuplicates   []tracker.ObservedRecord
	MsgMissing      map[string][]int
	MsPerMsg        float64
	MsgPerSec       float64
	TimeTotal       float64
	FlightTimeMean  float64
	FlightTimeStddev float64
	FlightTimeMin   float64
	FlightTimeMax   float64
}

// TrackingListener subscribes to a topic filter and the broker's drop
// counter, and tallies observed messages until the expected count is
// reached or a drop is detected.
type TrackingListener struct {
	opts   Options
	client mqtt.Client
	logger *zap.Logger

	mu         sync.Mutex
	observed   []tracker.ObservedRecord
	timeStart  time.Time
	timeEnd    time.Time
	dropBase   int64
	haveBase   bool
	dropping   bool
}

// New connects a TrackingListener to host:port, subscribes to the
// broker's drop-counter system topic at QoS 0, sets max in-flight to
// 200, and starts the client's network loop. Returns ConnectError if
// the library reports a non-zero connect outcome.
func New(host string, port int, opts Options, logger *zap.Logger) (*TrackingListener, error) {
	l := &TrackingListener{opts: opts, logger: logger}

	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(fmt.Sprintf("tcp://%s:%d", host, port))
	mqttOpts.SetClientID(opts.ClientID)
	mqttOpts.SetAutoReconnect(false)
	mqttOpts.SetConnectTimeout(15 * time.Second)
	mqttOpts.SetKeepAlive(60 * time.Second)
	// paho.mqtt.golang bounds inbound concurrency via the depth of the
	// channel it buffers incoming publishes on before dispatching them
	// to our message handler; that's the library's actual equivalent of
	// the original mosquitto binding's max_inflight_messages_set(200).
	mqttOpts.SetMessageChannelDepth(maxInflight)

	client := mqtt.NewClient(mqttOpts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("%w: %s", ConnectError, token.Error())
	}
	l.client = client

	subToken := client.Subscribe(dropTopic, 0, l.handleDrop)
	if subToken.Wait() && subToken.Error() != nil {
		return nil, fmt.Errorf("subscribe to drop topic failed: %w", subToken.Error())
	}

	return l, nil
}

// handleDrop updates the drop-counter baseline and flags dropping once
// a subsequent value exceeds it.
func (l *TrackingListener) handleDrop(_ mqtt.Client, msg mqtt.Message) {
	count, err := strconv.ParseInt(string(msg.Payload()), 10, 64)
	if err != nil {
		l.logger.Warn("drop counter payload not an integer", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.haveBase {
		l.dropBase = count
		l.haveBase = true
		return
	}
	if count > l.dropBase {
		l.logger.Warn("broker drop counter increased", zap.Int64("delta", count-l.dropBase))
		l.dropping = true
	}
}

// handleMessage parses an incoming application message into an
// ObservedRecord and appends it. Parse failures are logged and
// skipped, never fatal.
func (l *TrackingListener) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	l.mu.Lock()
	if l.timeStart.IsZero() {
		l.timeStart = time.Now()
	}
	l.mu.Unlock()

	rec, err := tracker.ParseObserved(msg.Topic(), msg.Payload(), time.Now())
	if err != nil {
		l.logger.Warn("failed to parse observed message", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.observed = append(l.observed, *rec)
	l.mu.Unlock()
}

func (l *TrackingListener) isDropping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropping
}

func (l *TrackingListener) observedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observed)
}

// Run subscribes to the configured application topic filter at qos,
// then polls every second until either the expected message count
// (MsgCount * ClientCount) is observed or the drop monitor reports an
// increase. Disconnects on exit either way.
func (l *TrackingListener) Run(qos byte) error {
	expected := l.opts.MsgCount * l.opts.ClientCount
	l.logger.Info("listening for messages",
		zap.Int("expected", expected), zap.String("topic", l.opts.Topic))

	token := l.client.Subscribe(l.opts.Topic, qos, l.handleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe failed: %w", token.Error())
	}

	var aborted bool
	for l.observedCount() < expected {
		if l.isDropping() {
			aborted = true
			break
		}
		time.Sleep(completenessPollInterval)
		l.logger.Info("still waiting for messages", zap.Int("outstanding", expected-l.observedCount()))
	}

	l.mu.Lock()
	l.timeEnd = time.Now()
	l.mu.Unlock()

	l.client.Disconnect(250)

	if aborted {
		return DropDetected
	}
	return nil
}

// Stats computes ListenerStats over every observed record.
func (l *TrackingListener) Stats() ListenerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	clients := make(map[string]struct{})
	seen := make(map[[2]interface{}]int)
	var duplicates []tracker.ObservedRecord
	perClientReal := make(map[string]map[int]struct{})

	for _, rec := range l.observed {
		clients[rec.CID] = struct{}{}
		key := [2]interface{}{rec.CID, rec.Mid}
		seen[key]++
		if seen[key] == 2 {
			duplicates = append(duplicates, rec)
		}
		if perClientReal[rec.CID] == nil {
			perClientReal[rec.CID] = make(map[int]struct{})
		}
		perClientReal[rec.CID][rec.Mid] = struct{}{}
	}

	missing := make(map[string][]int)
	for cid, real := range perClientReal {
		var gaps []int
		for seq := 1; seq <= l.opts.MsgCount; seq++ {
			if _, ok := real[seq]; !ok {
				gaps = append(gaps, seq)
			}
		}
		sort.Ints(gaps)
		missing[cid] = gaps
	}

	var flightSecs []float64
	for _, rec := range l.observed {
		flightSecs = append(flightSecs, rec.FlightTime().Seconds())
	}
	mean, stddev, min, max := momentStats(flightSecs)

	msgCount := len(l.observed)
	timeTotal := l.timeEnd.Sub(l.timeStart).Seconds()
	msPerMsg := 0.0
	msgPerSec := 0.0
	if msgCount > 0 && timeTotal > 0 {
		msPerMsg = timeTotal / float64(msgCount) * 1000
		msgPerSec = float64(msgCount) / timeTotal
	}

	return ListenerStats{
		ClientID:         l.opts.ClientID,
		ClientCount:      len(clients),
		TestComplete:     !l.dropping,
		MsgCount:         msgCount,
		MsgDuplicates:    duplicates,
		MsgMissing:       missing,
		MsPerMsg:         msPerMsg,
		MsgPerSec:        msgPerSec,
		TimeTotal:        timeTotal,
		FlightTimeMean:   mean,
		FlightTimeStddev: stddev,
		FlightTimeMin:    min,
		FlightTimeMax:    max,
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
