// Command malaria drives synthetic MQTT publish traffic against a
// broker and/or observes it from the subscriber side, the way the
// original "malaria publish"/"malaria subscribe" commands did.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remakeelectric/malaria/internal/bridge"
	"github.com/remakeelectric/malaria/internal/config"
	"github.com/remakeelectric/malaria/internal/generator"
	"github.com/remakeelectric/malaria/internal/listener"
	"github.com/remakeelectric/malaria/internal/psk"
	"github.com/remakeelectric/malaria/internal/report"
	"github.com/remakeelectric/malaria/internal/sender"
	"github.com/remakeelectric/malaria/internal/worker"
)

var (
	version   = "1.0.0"
	logger    *zap.Logger
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:     "malaria",
	Version: version,
	Short:   "MQTT load-generation and observation toolkit",
	Long: `malaria drives synthetic publish traffic against an MQTT broker from
one or more publisher workers, and/or observes the resulting traffic from
a subscriber side, collecting latency, loss and duplication statistics.`,
}

// publish flags
var (
	pHost, pClientID, pPSKFile, pBrokerPath, pUsername, pPassword, pAuthPSK, pJSONOutput string
	pPort, pQoS, pCount, pSize, pProcesses, pThreadRatio                                 int
	pTiming, pBridge                                                                     bool
	pRate, pJitter                                                                       float64
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a stream of messages and capture statistics on their timing",
	Run:   runPublish,
}

// subscribe flags
var (
	sHost, sClientID, sTopic, sJSONOutput string
	sPort, sQoS, sMsgCount, sClientCount  int
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Observe a known message sequence and report completeness/loss/duplicate stats",
	Run:   runSubscribe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "f", "", "YAML config file (flags override its values)")

	publishCmd.Flags().StringVarP(&pHost, "host", "H", "localhost", "MQTT host to connect to")
	publishCmd.Flags().IntVarP(&pPort, "port", "p", 1883, "port for remote MQTT host")
	publishCmd.Flags().StringVarP(&pClientID, "clientid", "c", fmt.Sprintf("malaria-%d", os.Getpid()), "client id base; worker index is appended")
	publishCmd.Flags().IntVarP(&pQoS, "qos", "q", 1, "MQTT qos for published messages")
	publishCmd.Flags().IntVarP(&pCount, "msg-count", "n", 10, "how many messages each worker sends")
	publishCmd.Flags().IntVarP(&pSize, "msg-size", "s", 100, "target message size in bytes (gaussian at x, x/20)")
	publishCmd.Flags().BoolVarP(&pTiming, "timing", "t", false, "prepend timing info to payloads instead of pure random hex")
	publishCmd.Flags().Float64VarP(&pRate, "msgs-per-second", "T", 0, "target messages per second per worker; 0 disables rate limiting")
	publishCmd.Flags().Float64Var(&pJitter, "jitter", 0, "rate jitter fraction (0 disables)")
	publishCmd.Flags().IntVarP(&pProcesses, "processes", "P", 1, "how many parallel publishers to run")
	publishCmd.Flags().StringVar(&pPSKFile, "psk-file", "", "PSK key file; its line count drives worker count when set")
	publishCmd.Flags().BoolVar(&pBridge, "bridge", false, "publish through a private local relay broker per worker")
	publishCmd.Flags().StringVar(&pBrokerPath, "broker-path", "mosquitto", "relay broker executable, used in --bridge mode")
	publishCmd.Flags().IntVar(&pThreadRatio, "thread-ratio", 1, "brokers (and cooperative workers) per process in --bridge mode")
	publishCmd.Flags().StringVarP(&pUsername, "username", "u", "", "broker username")
	publishCmd.Flags().StringVar(&pPassword, "password", "", "broker password")
	publishCmd.Flags().StringVar(&pAuthPSK, "auth-psk", "", "bridge upstream PSK auth as \"id:key\", used by every bridge in --bridge mode with --thread-ratio 1")
	publishCmd.Flags().StringVarP(&pJSONOutput, "json-output", "j", "", "write the aggregate stats to this file as JSON")

	subscribeCmd.Flags().StringVarP(&sHost, "host", "H", "localhost", "MQTT host to connect to")
	subscribeCmd.Flags().IntVarP(&sPort, "port", "p", 1883, "port for remote MQTT host")
	subscribeCmd.Flags().StringVarP(&sClientID, "clientid", "c", fmt.Sprintf("malaria-sub-%d", os.Getpid()), "subscriber client id")
	subscribeCmd.Flags().StringVar(&sTopic, "topic", "mqtt-malaria/#", "topic filter to subscribe to")
	subscribeCmd.Flags().IntVarP(&sQoS, "qos", "q", 1, "MQTT qos for the subscription")
	subscribeCmd.Flags().IntVarP(&sMsgCount, "msg-count", "n", 10, "expected messages per publisher")
	subscribeCmd.Flags().IntVar(&sClientCount, "client-count", 1, "expected number of distinct publishers")
	subscribeCmd.Flags().StringVarP(&sJSONOutput, "json-output", "j", "", "accepted for symmetry with publish; listener stats are not written as JSON")

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(subscribeCmd)
}

func newLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}

// notifyShutdown logs (but does not act on) SIGINT/SIGTERM: spec §5
// notes there is no external cancellation API for in-flight publishers
// or the listener's completeness loop, only the listener's cooperative
// drop-detection abort, so this exists to surface operator intent in
// the logs rather than to actually interrupt a run.
func notifyShutdown(logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("received shutdown signal; malaria has no mid-run cancellation, run will continue to completion")
	}()
}

func runPublish(cmd *cobra.Command, args []string) {
	logger = newLogger()
	defer logger.Sync()
	notifyShutdown(logger)

	cfg := publishConfigFromFlags(cmd)

	var keys []psk.KeyPair
	if cfg.Worker.PSKFile != "" {
		var err error
		keys, err = psk.ParseFile(cfg.Worker.PSKFile)
		if err != nil {
			logger.Fatal("failed to read psk file", zap.Error(err))
		}
	}

	msgOpts := generator.Options{
		Count:         cfg.Message.Count,
		TargetSize:    cfg.Message.Size,
		Timing:        cfg.Message.Timing,
		MsgsPerSecond: cfg.Message.MsgsPerSecond,
		Jitter:        cfg.Message.Jitter,
	}
	qos := byte(cfg.Target.QoS)

	start := time.Now()
	var allStats []sender.SenderStats

	if cfg.Bridge.Enabled && cfg.Bridge.ThreadRatio > 1 {
		allStats = runThreadedBridge(cfg, keys, msgOpts, qos)
	} else {
		allStats = runWorkerPool(cfg, keys, msgOpts, qos)
	}
	elapsed := time.Since(start)

	for _, s := range allStats {
		report.PrintSenderStats(s)
		fmt.Println()
	}

	agg := worker.Aggregate(allStats, elapsed)
	report.PrintAggregateStats(agg)

	if cfg.Report.JSONOutput != "" {
		if err := report.WriteJSON(cfg.Report.JSONOutput, agg); err != nil {
			logger.Error("failed to write json report", zap.Error(err))
		}
	}
}

// runWorkerPool is the non-threaded-bridge path: one worker = one
// publisher, either a direct TrackingSender or (bridge enabled,
// thread-ratio 1) a single-broker BridgingSender.
func runWorkerPool(cfg *config.Config, keys []psk.KeyPair, msgOpts generator.Options, qos byte) []sender.SenderStats {
	newPublisher := func(cid string) (worker.Publisher, error) {
		if cfg.Bridge.Enabled {
			return bridge.New(cfg.Target.Host, cfg.Target.Port, cid, cfg.Auth.PSK, cfg.Bridge.BrokerPath, logger)
		}
		var auth *sender.Auth
		if cfg.Auth.Username != "" || cfg.Auth.Password != "" {
			auth = &sender.Auth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}
		}
		return sender.New(cfg.Target.Host, cfg.Target.Port, cid, auth, logger)
	}

	processes := cfg.Worker.Processes
	if len(keys) > 0 {
		processes = len(keys)
	}

	ctrl := worker.New(worker.Options{
		Processes:    processes,
		ClientIDBase: cfg.Target.ClientID,
		QoS:          qos,
		MessageOpts:  msgOpts,
		PSKKeys:      keys,
		NewPublisher: newPublisher,
		Logger:       logger,
	})
	stats, _ := ctrl.Run()
	return stats
}

// runThreadedBridge is the thread-ratio>1 bridge path: each process
// owns R brokers and runs R cooperative workers internally, so the
// outer fan-out here is over processes, each returning up to R stats.
func runThreadedBridge(cfg *config.Config, keys []psk.KeyPair, msgOpts generator.Options, qos byte) []sender.SenderStats {
	groups := buildThreadGroups(cfg, keys)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var allStats []sender.SenderStats

	for _, specs := range groups {
		wg.Add(1)
		go func(specs []bridge.WorkerSpec) {
			defer wg.Done()

			jitter := time.Duration(1+rand.Int63n(9)) * time.Second
			time.Sleep(jitter)

			tbs, err := bridge.NewThreaded(cfg.Target.Host, cfg.Target.Port, specs, cfg.Bridge.BrokerPath, logger)
			if err != nil {
				logger.Error("threaded bridge process failed to start", zap.Error(err))
				return
			}

			gens := make([]generator.Generator, len(specs))
			for i, spec := range specs {
				gens[i] = generator.New(spec.ClientID, msgOpts)
			}

			stats := tbs.Run(gens, qos, logger)

			mu.Lock()
			allStats = append(allStats, stats...)
			mu.Unlock()
		}(specs)
	}
	wg.Wait()

	return allStats
}

// buildThreadGroups partitions either the supplied PSK keys (one per
// thread, spec §4.6) or synthetic "{base}-{n}" client ids into
// cfg.Bridge.ThreadRatio-sized groups, one group per process.
func buildThreadGroups(cfg *config.Config, keys []psk.KeyPair) [][]bridge.WorkerSpec {
	ratio := cfg.Bridge.ThreadRatio
	if ratio < 1 {
		ratio = 1
	}

	total := len(keys)
	if total == 0 {
		total = cfg.Worker.Processes * ratio
	}

	processes := (total + ratio - 1) / ratio
	if processes == 0 {
		processes = 1
	}

	groups := make([][]bridge.WorkerSpec, 0, processes)
	idx := 0
	for p := 0; p < processes; p++ {
		var specs []bridge.WorkerSpec
		for t := 0; t < ratio && idx < total; t++ {
			if len(keys) > 0 {
				k := keys[idx]
				specs = append(specs, bridge.WorkerSpec{ClientID: k.Identity, Auth: k.Identity + ":" + k.Key})
			} else {
				specs = append(specs, bridge.WorkerSpec{ClientID: fmt.Sprintf("%s-%d", cfg.Target.ClientID, idx)})
			}
			idx++
		}
		groups = append(groups, specs)
	}
	return groups
}

func runSubscribe(cmd *cobra.Command, args []string) {
	logger = newLogger()
	defer logger.Sync()
	notifyShutdown(logger)

	cfg := subscribeConfigFromFlags(cmd)

	l, err := listener.New(cfg.Target.Host, cfg.Target.Port, listener.Options{
		ClientID:    cfg.Target.ClientID,
		Topic:       cfg.Listen.Topic,
		MsgCount:    cfg.Listen.MsgCount,
		ClientCount: cfg.Listen.ClientCount,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect listener", zap.Error(err))
	}

	err = l.Run(byte(cfg.Target.QoS))
	stats := l.Stats()
	report.PrintListenerStats(stats)

	switch {
	case err == listener.DropDetected:
		logger.Warn("broker reported dropped messages; test incomplete", zap.Error(err))
	case err != nil:
		logger.Fatal("listener run failed", zap.Error(err))
	}

	if cfg.Report.JSONOutput != "" {
		logger.Info("json-output is only wired for aggregate publish stats; listener stats are printed to stdout only")
	}
}

// publishConfigFromFlags builds a Config from an optional --config
// file overlaid with the publish command's explicit flags.
func publishConfigFromFlags(cmd *cobra.Command) *config.Config {
	cfg := loadBaseConfig()

	flags := cmd.Flags()
	if flags.Changed("host") || cfg.Target.Host == "" {
		cfg.Target.Host = pHost
	}
	if flags.Changed("port") || cfg.Target.Port == 0 {
		cfg.Target.Port = pPort
	}
	if flags.Changed("clientid") || cfg.Target.ClientID == "" {
		cfg.Target.ClientID = pClientID
	}
	if flags.Changed("qos") || cfg.Target.QoS == 0 {
		cfg.Target.QoS = pQoS
	}
	if flags.Changed("msg-count") || cfg.Message.Count == 0 {
		cfg.Message.Count = pCount
	}
	if flags.Changed("msg-size") || cfg.Message.Size == 0 {
		cfg.Message.Size = pSize
	}
	if flags.Changed("timing") {
		cfg.Message.Timing = pTiming
	}
	if flags.Changed("msgs-per-second") {
		cfg.Message.MsgsPerSecond = pRate
	}
	if flags.Changed("jitter") {
		cfg.Message.Jitter = pJitter
	}
	if flags.Changed("processes") || cfg.Worker.Processes == 0 {
		cfg.Worker.Processes = pProcesses
	}
	if flags.Changed("psk-file") {
		cfg.Worker.PSKFile = pPSKFile
	}
	if flags.Changed("bridge") {
		cfg.Bridge.Enabled = pBridge
	}
	if flags.Changed("broker-path") || cfg.Bridge.BrokerPath == "" {
		cfg.Bridge.BrokerPath = pBrokerPath
	}
	if flags.Changed("thread-ratio") || cfg.Bridge.ThreadRatio == 0 {
		cfg.Bridge.ThreadRatio = pThreadRatio
	}
	if flags.Changed("username") {
		cfg.Auth.Username = pUsername
	}
	if flags.Changed("password") {
		cfg.Auth.Password = pPassword
	}
	if flags.Changed("auth-psk") {
		cfg.Auth.PSK = pAuthPSK
	}
	if flags.Changed("json-output") {
		cfg.Report.JSONOutput = pJSONOutput
	}

	return cfg
}

func subscribeConfigFromFlags(cmd *cobra.Command) *config.Config {
	cfg := loadBaseConfig()

	flags := cmd.Flags()
	if flags.Changed("host") || cfg.Target.Host == "" {
		cfg.Target.Host = sHost
	}
	if flags.Changed("port") || cfg.Target.Port == 0 {
		cfg.Target.Port = sPort
	}
	if flags.Changed("clientid") || cfg.Target.ClientID == "" {
		cfg.Target.ClientID = sClientID
	}
	if flags.Changed("topic") || cfg.Listen.Topic == "" {
		cfg.Listen.Topic = sTopic
	}
	if flags.Changed("qos") || cfg.Target.QoS == 0 {
		cfg.Target.QoS = sQoS
	}
	if flags.Changed("msg-count") || cfg.Listen.MsgCount == 0 {
		cfg.Listen.MsgCount = sMsgCount
	}
	if flags.Changed("client-count") || cfg.Listen.ClientCount == 0 {
		cfg.Listen.ClientCount = sClientCount
	}
	if flags.Changed("json-output") {
		cfg.Report.JSONOutput = sJSONOutput
	}

	return cfg
}

// loadBaseConfig loads --config if given, otherwise returns an empty
// Config whose unset fields the callers fill from the flag defaults.
func loadBaseConfig() *config.Config {
	if cfgFile == "" {
		cfg := &config.Config{}
		return cfg
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Fatal("failed to load config file", zap.Error(err))
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
