// Package report prints human-readable stats blocks and writes a JSON
// dump of the aggregate, the way the original "malaria publish"/
// "malaria subscribe" commands' print_stats functions did, rendered as
// plain fmt.Printf key-value blocks plus an encoding/json file dump.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/remakeelectric/malaria/internal/listener"
	"github.com/remakeelectric/malaria/internal/sender"
	"github.com/remakeelectric/malaria/internal/worker"
)

// PrintSenderStats prints one publisher's stats block to stdout.
func PrintSenderStats(s sender.SenderStats) {
	fmt.Printf("Clientid: %s\n", s.ClientID)
	fmt.Printf("Message success rate: %.2f%% (%d/%d messages)\n",
		100*s.RateOK, s.CountOK, s.CountTotal)
	fmt.Printf("Message timing mean   %.2f ms\n", s.TimeMean)
	fmt.Printf("Message timing stddev %.2f ms\n", s.TimeStddev)
	fmt.Printf("Message timing min    %.2f ms\n", s.TimeMin)
	fmt.Printf("Message timing max    %.2f ms\n", s.TimeMax)
	fmt.Printf("Messages per second   %.2f\n", s.MsgsPerSec)
	fmt.Printf("Total time            %.2f secs\n", s.TimeTotal)
}

// PrintAggregateStats prints the combined stats block for a set of
// workers, in the same layout as PrintSenderStats.
func PrintAggregateStats(a worker.AggregateStats) {
	fmt.Printf("Clientid: %s\n", a.ClientID)
	fmt.Printf("Message success rate: %.2f%% (%d/%d messages)\n",
		100*a.RateOK, a.CountOK, a.CountTotal)
	fmt.Printf("Message timing mean   %.2f ms\n", a.TimeMean)
	fmt.Printf("Message timing stddev %.2f ms\n", a.TimeStddev)
	fmt.Printf("Message timing min    %.2f ms\n", a.TimeMin)
	fmt.Printf("Message timing max    %.2f ms\n", a.TimeMax)
	fmt.Printf("Messages per second   %.2f\n", a.MsgsPerSec)
	fmt.Printf("Total time            %.2f secs\n", a.TimeTotal)
}

// PrintListenerStats prints a listener run's completeness/dedup/flight
// time summary to stdout.
func PrintListenerStats(s listener.ListenerStats) {
	fmt.Printf("Clientid: %s\n", s.ClientID)
	fmt.Printf("Test complete: %v\n", s.TestComplete)
	fmt.Printf("Clients observed: %d\n", s.ClientCount)
	fmt.Printf("Messages observed: %d (%d duplicates)\n", s.MsgCount, len(s.MsgDuplicates))
	fmt.Printf("Flight time mean   %.4f secs\n", s.FlightTimeMean)
	fmt.Printf("Flight time stddev %.4f secs\n", s.FlightTimeStddev)
	fmt.Printf("Flight time min    %.4f secs\n", s.FlightTimeMin)
	fmt.Printf("Flight time max    %.4f secs\n", s.FlightTimeMax)
	fmt.Printf("Ms per message     %.2f\n", s.MsPerMsg)
	fmt.Printf("Messages per sec   %.2f\n", s.MsgPerSec)
	fmt.Printf("Total time         %.2f secs\n", s.TimeTotal)

	cids := make([]string, 0, len(s.MsgMissing))
	for cid := range s.MsgMissing {
		cids = append(cids, cid)
	}
	sort.Strings(cids)
	for _, cid := range cids {
		missing := s.MsgMissing[cid]
		if len(missing) > 0 {
			fmt.Printf("Missing from %s: %v\n", cid, missing)
		}
	}
}

// jsonAggregate is the on-disk shape of an aggregate JSON dump (spec
// §6 "Stats output ... optionally a JSON dump of the aggregate to a
// named file").
type jsonAggregate struct {
	ClientID   string  `json:"clientid"`
	CountOK    int     `json:"count_ok"`
	CountTotal int     `json:"count_total"`
	RateOK     float64 `json:"rate_ok"`
	TimeMean   float64 `json:"time_mean"`
	TimeMin    float64 `json:"time_min"`
	TimeMax    float64 `json:"time_max"`
	TimeStddev float64 `json:"time_stddev"`
	MsgsPerSec float64 `json:"msgs_per_sec"`
	TimeTotal  float64 `json:"time_total"`
}

// WriteJSON writes the aggregate to path as indented JSON.
func WriteJSON(path string, a worker.AggregateStats) error {
	doc := jsonAggregate{
		ClientID:   a.ClientID,
		CountOK:    a.CountOK,
		CountTotal: a.CountTotal,
		RateOK:     a.RateOK,
		TimeMean:   a.TimeMean,
		TimeMin:    a.TimeMin,
		TimeMax:    a.TimeMax,
		TimeStddev: a.TimeStddev,
		MsgsPerSec: a.MsgsPerSec,
		TimeTotal:  a.TimeTotal,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal aggregate stats: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write aggregate stats to %s: %w", path, err)
	}
	return nil
}
