// Package tracker holds the value objects used to correlate publishes
// with acks (SentRecord) and to parse and deduplicate observed messages
// (ObservedRecord).
package tracker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SentRecord tracks a single outgoing publish, keyed by the sender's
// own correlation id, from the moment the publish call returns until
// its ack arrives.
// Once Received is true, TimeReceived is always >= TimeCreated.
type SentRecord struct {
	Mid          uint64
	Size         int
	Received     bool
	TimeCreated  time.Time
	TimeReceived time.Time
}

// NewSentRecord records a just-issued publish correlated by mid, with
// the given payload size, timestamped now.
func NewSentRecord(mid uint64, size int) *SentRecord {
	return &SentRecord{Mid: mid, Size: size, TimeCreated: time.Now()}
}

// MarkReceived flags the record as acked and stamps the receive time.
// Called exactly once, by the ack-correlation goroutine.
func (s *SentRecord) MarkReceived() {
	s.Received = true
	s.TimeReceived = time.Now()
}

// FlightTime returns the elapsed time between publish and ack. Only
// meaningful once Received is true.
func (s *SentRecord) FlightTime() time.Duration {
	return s.TimeReceived.Sub(s.TimeCreated)
}

// ObservedRecord tracks a single incoming message on the listener side.
// Identity for dedup purposes is the (CID, Mid) pair; two records with
// equal identity are duplicates even if their timestamps differ.
type ObservedRecord struct {
	CID          string
	Mid          int
	TimeCreated  time.Time
	TimeReceived time.Time
}

// Identity returns the (cid, mid) pair used for duplicate and
// completeness bookkeeping.
func (o ObservedRecord) Identity() (string, int) {
	return o.CID, o.Mid
}

// FlightTime returns the elapsed time between the publisher's declared
// creation time and this listener's receipt time.
func (o ObservedRecord) FlightTime() time.Duration {
	return o.TimeReceived.Sub(o.TimeCreated)
}

// ParseError reports that an incoming message could not be parsed into
// an ObservedRecord. It is never fatal: callers log and skip.
type ParseError struct {
	Topic   string
	Payload string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed observed message on topic %q: %s", e.Topic, e.Reason)
}

// ParseObserved parses a received MQTT message into an ObservedRecord.
// The topic must have at least 4 "/"-delimited segments
// ("mqtt-malaria/{cid}/data/{seq}/{n}"); segment index 1 is the client
// id and segment index 3 must parse as an integer sequence number. The
// payload's leading comma-delimited token must parse as a float,
// interpreted as seconds-since-epoch.
//
// The parsed float is round-tripped through a local-time decomposition
// and recomposition before being used as TimeCreated. This discards
// sub-second precision and is a historical artifact carried over from
// the original listener (it is not "fixed" here because legacy emitters
// may depend on it); see SPEC_FULL.md Open Question 2.
func ParseObserved(topic string, payload []byte, receivedAt time.Time) (*ObservedRecord, error) {
	segments := strings.Split(topic, "/")
	if len(segments) < 4 {
		return nil, &ParseError{Topic: topic, Reason: "fewer than 4 topic segments"}
	}
	mid, err := strconv.Atoi(segments[3])
	if err != nil {
		return nil, &ParseError{Topic: topic, Reason: fmt.Sprintf("mid segment %q is not an integer", segments[3])}
	}

	payloadStr := string(payload)
	firstComma := strings.IndexByte(payloadStr, ',')
	token := payloadStr
	if firstComma >= 0 {
		token = payloadStr[:firstComma]
	}
	secs, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return nil, &ParseError{Topic: topic, Payload: payloadStr, Reason: fmt.Sprintf("leading payload token %q is not a float", token)}
	}

	created := localtimeRoundtrip(secs)

	return &ObservedRecord{
		CID:          segments[1],
		Mid:          mid,
		TimeCreated:  created,
		TimeReceived: receivedAt,
	}, nil
}

// localtimeRoundtrip reproduces time.mktime(time.localtime(secs)): it
// truncates to whole seconds and re-encodes through the local calendar
// representation, which for any sane timezone is an identity
// transform on the integer-second value but discards the original
// sub-second precision.
func localtimeRoundtrip(secs float64) time.Time {
	t := time.Unix(int64(secs), 0).Local()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, t.Location())
}
