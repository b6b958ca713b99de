package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rdmasim/hostengine/internal/config"
	"github.com/rdmasim/hostengine/internal/engine"
	"github.com/rdmasim/hostengine/internal/httpserver"
	"github.com/rdmasim/hostengine/internal/netdev"
	"github.com/rdmasim/hostengine/internal/nicport"
	"github.com/rdmasim/hostengine/internal/pfcbridge"
	"github.com/rdmasim/hostengine/internal/qp"
	"github.com/rdmasim/hostengine/internal/rdma"
	"github.com/rdmasim/hostengine/internal/simclock"
	"github.com/rdmasim/hostengine/internal/telemetry"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if cfg.ShowVersion {
		os.Stdout.WriteString("rdma-hostsim (development build)\n")
		return
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting rdma host engine simulator",
		"listen_address", cfg.ListenAddress,
		"metrics_path", cfg.MetricsPath,
		"health_path", cfg.HealthPath,
		"num_ports", cfg.NumPorts,
		"port_rate_gbps", cfg.PortRateGbps,
		"cc_mode", cfg.Engine.CCMode,
	)

	telemetryCollector := telemetry.New(nil, logger)
	cfg.Engine.TxBytesObserver = telemetryCollector.ObserveTxBytes

	trace, closeTrace, err := newTracer(cfg, logger)
	if err != nil {
		logger.Error("failed to open trace file", "path", cfg.TraceFile, "err", err)
		os.Exit(1)
	}
	if closeTrace != nil {
		defer closeTrace()
	}
	if trace != nil {
		observe := cfg.Engine.TxBytesObserver
		cfg.Engine.TxBytesObserver = func(portIdx int, bytes int) {
			observe(portIdx, bytes)
			trace.observeTxBytes(portIdx, bytes)
		}
	}

	clock := simclock.New()
	eng := engine.New(cfg.Engine, clock, logger)
	telemetryCollector.SetProvider(eng)

	ports, err := buildDemoTopology(cfg, eng, clock, logger)
	if err != nil {
		logger.Error("engine setup failed", "err", err)
		os.Exit(1)
	}

	if err := seedDemoFlow(eng, ports, cfg, logger); err != nil {
		logger.Error("failed to seed demo flow", "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		telemetryCollector,
	)

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if trace != nil {
		go trace.run(bridgeCtx, eng)
	}
	if closeBridge := startPFCBridge(bridgeCtx, cfg, eng, logger); closeBridge != nil {
		defer closeBridge()
	}

	srv := httpserver.New(httpserver.Options{
		ListenAddress: cfg.ListenAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ScrapeTimeout: cfg.ScrapeTimeout,
	}, registry, telemetryCollector, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	simDone := make(chan struct{})
	go func() {
		clock.RunAll()
		close(simDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		logger.Error("server exited with error", "err", serveErr)
		os.Exit(1)
	case <-simDone:
		logger.Info("demo flow completed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// buildDemoTopology constructs cfg.NumPorts identical SimPorts, each
// bound to eng's upward callbacks, installs them with eng.Setup, and
// builds an inter-server routing table mapping one demo destination IP
// across every port.
func buildDemoTopology(cfg config.Config, eng *engine.Engine, clock *simclock.SimClock, logger *slog.Logger) ([]nicport.Port, error) {
	numPorts := cfg.NumPorts
	if numPorts <= 0 {
		numPorts = 1
	}
	rate := cfg.PortRateGbps * 1e9
	if rate <= 0 {
		rate = 100e9
	}

	ports := make([]nicport.Port, numPorts)
	for i := 0; i < numPorts; i++ {
		ports[i] = nicport.NewSimPort(i, rate, clock, eng.PortCallbacks(i))
	}
	if err := eng.Setup(ports, nil, nil); err != nil {
		return nil, err
	}

	const demoDstIP = 2
	for i := 0; i < numPorts; i++ {
		if err := eng.AddTableEntry(demoDstIP, i, false); err != nil {
			logger.Warn("demo route setup failed", "err", err)
		}
	}
	return ports, nil
}

// seedDemoFlow registers a single demo QueuePair and kicks its port's
// scheduler so the simulator has something to drive end to end, logging
// completion via notify_finish.
func seedDemoFlow(eng *engine.Engine, ports []nicport.Port, cfg config.Config, logger *slog.Logger) error {
	size := cfg.DemoFlowBytes
	if size == 0 {
		size = 10 << 20
	}

	q, err := eng.AddQueuePair(engine.AddQueuePairParams{
		SrcNodeID: 0, DstNodeID: 1,
		SrcIP: 1, DstIP: 2,
		SrcPort: 100, DstPort: 200,
		Priority:   3,
		Size:       size,
		NVLSEnable: cfg.DefaultNVLSEnable,
		VarWin:     cfg.DefaultVarWin,
		NotifyFinish: func(q *qp.QueuePair) {
			logger.Info("demo flow completed", "size", q.Size)
		},
	})
	if err != nil {
		return err
	}

	ports[q.PortIndex].TriggerTransmit()
	return nil
}

// startPFCBridge wires the optional hardware PFC bridge into the live
// engine when cfg.PFCBridge.Enable is set. It
// returns a cleanup func to close the underlying ethtool client, or nil if
// the bridge wasn't started.
func startPFCBridge(ctx context.Context, cfg config.Config, eng *engine.Engine, logger *slog.Logger) func() {
	bcfg := cfg.PFCBridge
	if !bcfg.Enable {
		return nil
	}

	statsProvider, err := netdev.NewEthtoolStatsProvider()
	if err != nil {
		logger.Warn("pfc bridge disabled: failed to open ethtool client", "err", err)
		return nil
	}

	netDev := bcfg.NetDev
	if bcfg.RDMADevice != "" {
		var rdmaProvider rdma.Provider
		if bcfg.UseRdmamap {
			rdmaProvider = rdma.NewRdmamapProvider()
		} else {
			rdmaProvider = rdma.NewSysfsProvider()
		}
		resolved, err := pfcbridge.DiscoverNetDev(ctx, rdmaProvider, bcfg.RDMADevice, bcfg.RDMAPort)
		if err != nil {
			logger.Warn("pfc bridge disabled: netdev discovery failed", "device", bcfg.RDMADevice, "port", bcfg.RDMAPort, "err", err)
			_ = statsProvider.Close()
			return nil
		}
		netDev = resolved
	}
	if netDev == "" {
		logger.Warn("pfc bridge disabled: no netdev configured (-pfc-bridge-netdev or -rdma-device)")
		_ = statsProvider.Close()
		return nil
	}

	mappings := []pfcbridge.FlowMapping{{
		NetDev:   netDev,
		Priority: uint16(bcfg.Priority),
		DstIP:    bcfg.DstIP,
		SrcPort:  uint16(bcfg.SrcPort),
	}}
	bridge := pfcbridge.New(statsProvider, eng, mappings, bcfg.Interval, logger)

	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("pfc bridge stopped", "err", err)
		}
	}()

	logger.Info("pfc bridge enabled", "netdev", netDev, "priority", bcfg.Priority)
	return func() {
		if err := statsProvider.Close(); err != nil {
			logger.Warn("failed to close pfc bridge ethtool client", "err", err)
		}
	}
}

// tracer samples the engine into a telemetry.LineSink on a fixed cadence,
// feeding the line-oriented sinks alongside the Prometheus endpoint.
type tracer struct {
	sink   *telemetry.LineSink
	hostID string

	mu        sync.Mutex
	portBytes map[int]uint64
}

// newTracer opens cfg.TraceFile ("-" for stdout) and returns the tracer
// plus its close func; all three return values are nil when tracing is
// disabled.
func newTracer(cfg config.Config, logger *slog.Logger) (*tracer, func(), error) {
	if cfg.TraceFile == "" {
		return nil, nil, nil
	}

	var w io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.TraceFile != "-" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closeFn = func() {
			if err := f.Close(); err != nil {
				logger.Warn("failed to close trace file", "err", err)
			}
		}
	}

	hostID, err := os.Hostname()
	if err != nil {
		hostID = "localhost"
	}
	return &tracer{
		sink:      telemetry.NewLineSink(w),
		hostID:    hostID,
		portBytes: make(map[int]uint64),
	}, closeFn, nil
}

func (t *tracer) observeTxBytes(portIdx int, bytes int) {
	if bytes <= 0 {
		return
	}
	t.mu.Lock()
	t.portBytes[portIdx] += uint64(bytes)
	t.mu.Unlock()
}

func (t *tracer) run(ctx context.Context, eng *engine.Engine) {
	const interval = 100 * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for portIdx, bytes := range t.portBytes {
				gbps := float64(bytes) * 8 / interval.Seconds() / 1e9
				t.sink.EmitBandwidth(now, t.hostID, portIdx, gbps)
				t.portBytes[portIdx] = 0
			}
			t.mu.Unlock()

			for _, r := range eng.QueuePairs() {
				t.sink.EmitQPRate(now, r.SrcIP, r.DstIP, r.SrcPort, r.DstPort, r.Size, r.RateBps)
				t.sink.EmitQPCnp(now, r.SrcIP, r.DstIP, r.SrcPort, r.DstPort, r.Size, r.CnpCount)
			}
		}
	}
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
