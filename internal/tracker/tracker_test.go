package tracker

import (
	"errors"
	"testing"
	"time"
)

func TestSentRecordMarkReceivedInvariant(t *testing.T) {
	rec := NewSentRecord(1, 100)
	if rec.Received {
		t.Fatal("new record should not be received")
	}
	time.Sleep(time.Millisecond)
	rec.MarkReceived()
	if !rec.Received {
		t.Fatal("MarkReceived did not set Received")
	}
	if rec.TimeReceived.Before(rec.TimeCreated) {
		t.Fatalf("TimeReceived %v before TimeCreated %v", rec.TimeReceived, rec.TimeCreated)
	}
	if rec.FlightTime() < 0 {
		t.Fatalf("flight time should not be negative, got %v", rec.FlightTime())
	}
}

func TestObservedRecordIdentity(t *testing.T) {
	a := ObservedRecord{CID: "x", Mid: 5}
	b := ObservedRecord{CID: "x", Mid: 5, TimeReceived: time.Now()}
	acid, amid := a.Identity()
	bcid, bmid := b.Identity()
	if acid != bcid || amid != bmid {
		t.Fatal("records with equal cid/mid should have equal identity despite differing timestamps")
	}
}

func TestParseObservedSuccess(t *testing.T) {
	now := time.Now()
	payload := []byte("1700000000.123456,deadbeef")
	rec, err := ParseObserved("mqtt-malaria/pub1/data/7/10", payload, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CID != "pub1" {
		t.Errorf("CID = %q, want pub1", rec.CID)
	}
	if rec.Mid != 7 {
		t.Errorf("Mid = %d, want 7", rec.Mid)
	}
	if !rec.TimeReceived.Equal(now) {
		t.Errorf("TimeReceived = %v, want %v", rec.TimeReceived, now)
	}
}

func TestParseObservedShortTopic(t *testing.T) {
	_, err := ParseObserved("mqtt-malaria/pub1/data", []byte("1.0,ab"), time.Now())
	if err == nil {
		t.Fatal("expected ParseError for short topic")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func TestParseObservedNonIntegerMid(t *testing.T) {
	_, err := ParseObserved("mqtt-malaria/pub1/data/notanumber/10", []byte("1.0,ab"), time.Now())
	if err == nil {
		t.Fatal("expected ParseError for non-integer mid segment")
	}
}

func TestParseObservedNonFloatPayload(t *testing.T) {
	_, err := ParseObserved("mqtt-malaria/pub1/data/1/10", []byte("not-a-float,ab"), time.Now())
	if err == nil {
		t.Fatal("expected ParseError for non-float leading token")
	}
}

func TestParseObservedNoCommaStillFailsAsNotFloat(t *testing.T) {
	_, err := ParseObserved("mqtt-malaria/pub1/data/1/10", []byte("justhex"), time.Now())
	if err == nil {
		t.Fatal("expected ParseError when payload has no float prefix at all")
	}
}
