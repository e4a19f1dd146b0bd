// Package bridge implements the optional local-broker bridging mode
// (spec C6): each BridgingSender allocates a free local TCP port,
// writes a one-off relay-broker config bridging that port out to the
// real target, spawns and supervises the relay broker process, and
// runs a TrackingSender against it. This lets transport features the
// native MQTT client library doesn't expose (TLS-PSK identities) be
// used anyway, by interposing a broker that does support them.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remakeelectric/malaria/internal/generator"
	"github.com/remakeelectric/malaria/internal/sender"
)

// BrokerSpawnError reports that the relay broker process could not be
// started.
var BrokerSpawnError = errors.New("failed to spawn bridge broker")

// connectRetryInterval is how long New waits between
// connect attempts while the relay broker is still starting up.
const connectRetryInterval = 500 * time.Millisecond

// brokerStartupDelay gives the relay broker time to bind its listen
// port before the first connect attempt.
const brokerStartupDelay = 1 * time.Second

// drainDelay is how long Run waits after the inner TrackingSender
// finishes before killing the relay broker, to let any still-in-flight
// acks reach the upstream target.
const drainDelay = 2 * time.Second

var bridgeCfgTemplate = template.Must(template.New("bridge").Parse(
	`log_dest topic
bind_address 127.0.0.1
port {{.ListenPort}}

connection mal-bridge-{{.CID}}
address {{.TargetHost}}:{{.TargetPort}}
topic mqtt-malaria/# out {{.QoS}}
`))

var bridgePSKCfgTemplate = template.Must(template.New("bridge-psk").Parse(
	`bridge_identity {{.ID}}
bridge_psk {{.Key}}
bridge_tls_version tlsv1
`))

// bridgeQoS is the fixed qos the bridge's own topic-forwarding
// connection uses (spec §4.6 step 2), independent of whatever qos the
// TrackingSender running over it publishes at.
const bridgeQoS = 1

// freeListenPort binds to ("localhost", 0), reads back the port the OS
// chose, and closes the socket immediately. There is an inherent race
// between this close and the broker's own bind; spec §5 tolerates it.
func freeListenPort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("allocate free port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("close probe listener: %w", err)
	}
	return port, nil
}

// renderConfig renders the fixed bridge config template for listenPort
// bridging cid's traffic to targetHost:targetPort, appending the PSK
// block when auth (an "id:key" string) is supplied.
func renderConfig(listenPort int, targetHost string, targetPort int, cid, auth string) (string, error) {
	var buf bytes.Buffer
	err := bridgeCfgTemplate.Execute(&buf, struct {
		ListenPort int
		CID        string
		TargetHost string
		TargetPort int
		QoS        int
	}{listenPort, cid, targetHost, targetPort, bridgeQoS})
	if err != nil {
		return "", fmt.Errorf("render bridge config: %w", err)
	}

	if auth != "" {
		id, key, ok := strings.Cut(auth, ":")
		if !ok {
			return "", fmt.Errorf("malformed psk auth %q, want \"id:key\"", auth)
		}
		if err := bridgePSKCfgTemplate.Execute(&buf, struct{ ID, Key string }{id, key}); err != nil {
			return "", fmt.Errorf("render bridge psk config: %w", err)
		}
	}

	return buf.String(), nil
}

// writeTempConfig writes conf to a new temp file and returns its path.
func writeTempConfig(conf string) (string, error) {
	f, err := os.CreateTemp("", "malaria-bridge-*.conf")
	if err != nil {
		return "", fmt.Errorf("create temp bridge config: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(conf); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp bridge config: %w", err)
	}
	return f.Name(), nil
}

// BridgingSender owns one relay broker subprocess and a TrackingSender
// that publishes into it.
type BridgingSender struct {
	cid    string
	logger *zap.Logger

	cfgPath string
	cmd     *exec.Cmd
	ts      *sender.TrackingSender

	teardownOnce sync.Once
}

// New allocates a free local port, writes a bridge config bridging it
// to target, spawns brokerPath against that config, and connects a
// TrackingSender to it, retrying the connect every 500ms until the
// broker has finished starting up. auth, if non-empty, is an "id:key"
// PSK pair appended to the bridge config and used as the TrackingSender
// has no use for it directly (the PSK is for the bridge's own upstream
// hop).
func New(targetHost string, targetPort int, cid, auth, brokerPath string, logger *zap.Logger) (*BridgingSender, error) {
	port, err := freeListenPort()
	if err != nil {
		return nil, err
	}

	conf, err := renderConfig(port, targetHost, targetPort, cid, auth)
	if err != nil {
		return nil, err
	}

	cfgPath, err := writeTempConfig(conf)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(brokerPath, "-c", cfgPath)
	if err := cmd.Start(); err != nil {
		os.Remove(cfgPath)
		return nil, fmt.Errorf("%w: %s", BrokerSpawnError, err)
	}

	bs := &BridgingSender{cid: cid, logger: logger, cfgPath: cfgPath, cmd: cmd}

	defer func() {
		if r := recover(); r != nil {
			bs.teardown()
			panic(r)
		}
	}()

	time.Sleep(brokerStartupDelay)

	logger.Info("spawned bridge broker", zap.String("clientid", cid), zap.Int("listen_port", port))

	// uuid-suffixed so a retried spawn for the same cid never collides
	// with a still-draining relay connection from a prior attempt.
	innerClientID := fmt.Sprintf("ts_%s_%s", cid, uuid.NewString())

	var ts *sender.TrackingSender
	for {
		ts, err = sender.New("localhost", port, innerClientID, nil, logger)
		if err == nil {
			break
		}
		logger.Warn("bridge broker not ready yet, retrying connect",
			zap.String("clientid", cid), zap.Error(err))
		time.Sleep(connectRetryInterval)
	}
	bs.ts = ts

	return bs, nil
}

// Run drains gen through the inner TrackingSender at qos, then, on
// every exit path, sleeps to let in-flight acks reach the upstream
// broker before terminating the relay broker and unlinking its temp
// config. The broker is always reaped exactly once, even if the inner
// Run panics.
func (b *BridgingSender) Run(gen generator.Generator, qos byte) error {
	defer b.teardown()
	return b.ts.Run(gen, qos)
}

// Stats returns the inner TrackingSender's stats.
func (b *BridgingSender) Stats() sender.SenderStats {
	return b.ts.Stats()
}

// teardown is the scoped-release half of New: it is safe to call more
// than once (only the first call does anything), so a panic recovery
// path and a normal Run exit can both call it without double-killing
// the broker.
func (b *BridgingSender) teardown() {
	b.teardownOnce.Do(func() {
		time.Sleep(drainDelay)
		if b.cmd.Process != nil {
			if err := b.cmd.Process.Kill(); err != nil {
				b.logger.Warn("failed to signal bridge broker", zap.String("clientid", b.cid), zap.Error(err))
			}
			_ = b.cmd.Wait()
		}
		if err := os.Remove(b.cfgPath); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("failed to remove bridge config", zap.String("path", b.cfgPath), zap.Error(err))
		}
	})
}

// WorkerSpec is one thread's assignment within a ThreadedBridgingSender:
// its client id (the PSK identity half, when a key was assigned) and
// optional PSK auth string.
type WorkerSpec struct {
	ClientID string
	Auth     string
}

// ThreadedBridgingSender lets one process own R relay brokers and run
// R cooperative workers, one per broker, each with its own
// TrackingSender, generator and stats (spec §4.6 "thread-ratio" mode).
type ThreadedBridgingSender struct {
	senders []*BridgingSender
}

// NewThreaded spawns len(specs) BridgingSenders against target, one
// per spec. If any spawn fails, every sender already spawned is torn
// down before the error is returned, so a process-boundary failure
// here never leaks a relay broker.
func NewThreaded(targetHost string, targetPort int, specs []WorkerSpec, brokerPath string, logger *zap.Logger) (*ThreadedBridgingSender, error) {
	t := &ThreadedBridgingSender{}
	for _, spec := range specs {
		bs, err := New(targetHost, targetPort, spec.ClientID, spec.Auth, brokerPath, logger)
		if err != nil {
			for _, running := range t.senders {
				running.teardown()
			}
			return nil, fmt.Errorf("threaded bridge worker %q: %w", spec.ClientID, err)
		}
		t.senders = append(t.senders, bs)
	}
	return t, nil
}

// Run runs every thread's generator against its own broker
// concurrently and returns one SenderStats per thread, in spec order.
// A thread whose Run errors contributes a zero-value stats entry at
// its index and is logged; it never aborts its siblings.
func (t *ThreadedBridgingSender) Run(gens []generator.Generator, qos byte, logger *zap.Logger) []sender.SenderStats {
	results := make([]sender.SenderStats, len(t.senders))
	var wg sync.WaitGroup
	for i, bs := range t.senders {
		wg.Add(1)
		go func(i int, bs *BridgingSender, gen generator.Generator) {
			defer wg.Done()
			if err := bs.Run(gen, qos); err != nil {
				logger.Error("threaded bridge worker failed", zap.Int("thread", i), zap.Error(err))
				return
			}
			results[i] = bs.Stats()
		}(i, bs, gens[i])
	}
	wg.Wait()
	return results
}
