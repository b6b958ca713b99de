package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/rdmasim/hostengine/internal/cc"
	"github.com/rdmasim/hostengine/internal/engine"
	"github.com/rdmasim/hostengine/internal/qp"
)

const (
	defaultListenAddress = ":9879"
	defaultMetricsPath   = "/metrics"
	defaultHealthPath    = "/healthz"
	defaultLogLevel      = "info"
	defaultTimeout       = 5 * time.Second
)

// Config captures the simulator's runtime knobs plus the ambient
// HTTP-server and logging options.
type Config struct {
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	LogLevel      slog.Level
	ScrapeTimeout time.Duration
	ShowVersion   bool

	// DefaultNVLSEnable/DefaultVarWin seed the corresponding per-QueuePair
	// flags for QPs whose scenario description doesn't set them explicitly.
	DefaultNVLSEnable bool
	DefaultVarWin     bool

	// NumPorts and PortRateGbps describe the fixed-topology demo run
	// cmd/rdma-hostsim drives: NumPorts identical SimPorts, each at
	// PortRateGbps gigabits/sec.
	NumPorts      int
	PortRateGbps  float64
	DemoFlowBytes uint64

	// TraceFile, when non-empty, receives the line-oriented telemetry
	// records (bandwidth, per-QP rate, per-QP CNP count) in addition to
	// the Prometheus endpoint. "-" means stdout.
	TraceFile string

	PFCBridge PFCBridgeConfig

	Engine engine.Config
}

// PFCBridgeConfig configures the optional hardware PFC bridge: when
// Enable is set, cmd/rdma-hostsim polls a real netdev's PFC pause
// counters and injects a CNP into the live engine for the configured
// flow on every pause-counter increase.
type PFCBridgeConfig struct {
	Enable     bool
	NetDev     string
	Priority   uint
	DstIP      uint32
	SrcPort    uint
	Interval   time.Duration
	UseRdmamap bool

	// RDMADevice/RDMAPort, when RDMADevice is non-empty, resolve NetDev
	// from a real HCA device/port via pfcbridge.DiscoverNetDev instead of
	// requiring the netdev name directly.
	RDMADevice string
	RDMAPort   int
}

// Parse constructs a Config from command-line flags, with environment
// variables supplying overridable defaults.
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("rdma-hostsim", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listen := fs.String("listen-address", envOrDefault("RDMASIM_LISTEN_ADDRESS", defaultListenAddress), "Address to listen on for HTTP requests.")
	metricsPath := fs.String("metrics-path", envOrDefault("RDMASIM_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("RDMASIM_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("RDMASIM_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")

	timeoutDefault := defaultTimeout
	if envTimeout := os.Getenv("RDMASIM_SCRAPE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid RDMASIM_SCRAPE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	scrapeTimeout := fs.Duration("scrape-timeout", timeoutDefault, "Maximum duration to spend gathering telemetry per scrape.")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	mtu := fs.Int("mtu", envIntOrDefault("RDMASIM_MTU", 1000), "Maximum transmission unit in bytes used to segment QueuePair sends.")
	ccMode := fs.Int("cc-mode", envIntOrDefault("RDMASIM_CC_MODE", int(qp.CCModeDCQCN)), "Congestion control mode: 0 none, 1 DCQCN, 3 HPCC, 7 TIMELY, 8 DCTCP, 10 HPCC-PINT.")
	nackInterval := fs.Duration("nack-interval", envDurationOrDefault("RDMASIM_NACK_INTERVAL", 500*time.Nanosecond), "Minimum spacing between NACKs for the same out-of-order window.")
	chunk := fs.Uint64("chunk", envUint64OrDefault("RDMASIM_CHUNK", 0), "L2 chunk size in bytes; 0 disables chunk mode.")
	ackInterval := fs.Uint64("ack-interval", envUint64OrDefault("RDMASIM_ACK_INTERVAL", 0), "Bytes between ACKs; 0 disables ACKs entirely.")
	backToZero := fs.Bool("back-to-0", envBoolOrDefault("RDMASIM_BACK_TO_0", false), "Snap sequence numbers down to the nearest chunk boundary on NACK.")
	gpusPerServer := fs.Int("gpus-per-server", envIntOrDefault("RDMASIM_GPUS_PER_SERVER", 8), "GPUs per server, used to classify a QueuePair as intra- or inter-server.")
	rateBound := fs.Bool("rate-bound", envBoolOrDefault("RDMASIM_RATE_BOUND", true), "Pace sends at the congestion-controlled rate rather than the NIC's line rate.")
	minRate := fs.Float64("min-rate", envFloatOrDefault("RDMASIM_MIN_RATE", 100e6), "Floor on any QueuePair's congestion-controlled rate, in bits/sec.")
	switchAsHost := fs.Bool("switch-as-host", envBoolOrDefault("RDMASIM_SWITCH_AS_HOST", false), "Deliver NVLS control traffic for locally-owned flows via the loopback path instead of the simulated link.")
	partitionShards := fs.Int("partition-shards", envIntOrDefault("RDMASIM_PARTITION_SHARDS", 0), "Number of RxQueuePair lock shards; 0 disables partitioning (single-threaded).")
	nvlsEnable := fs.Bool("nvls-enable", envBoolOrDefault("RDMASIM_NVLS_ENABLE", false), "Default NVLS flag applied to QueuePairs that don't specify one explicitly.")
	varWin := fs.Bool("var-win", envBoolOrDefault("RDMASIM_VAR_WIN", false), "Default var_win flag applied to QueuePairs that don't specify one explicitly.")

	g := fs.Float64("dcqcn-g", envFloatOrDefault("RDMASIM_DCQCN_G", 1.0/16), "DCQCN alpha EWMA weight.")
	rateOnFirstCNP := fs.Float64("dcqcn-rate-on-first-cnp", envFloatOrDefault("RDMASIM_DCQCN_RATE_ON_FIRST_CNP", 1.0), "Fraction of line rate DCQCN drops to on the very first CNP.")
	clampTargetRate := fs.Bool("dcqcn-clamp-target-rate", envBoolOrDefault("RDMASIM_DCQCN_CLAMP_TARGET_RATE", false), "Clamp DCQCN's target_rate to current rate on every CNP-triggered decrease.")
	rpTimer := fs.Duration("dcqcn-rp-timer", envDurationOrDefault("RDMASIM_DCQCN_RP_TIMER", 300*time.Microsecond), "DCQCN rate-increase timer period.")
	rateDecreaseInterval := fs.Duration("dcqcn-rate-decrease-interval", envDurationOrDefault("RDMASIM_DCQCN_RATE_DECREASE_INTERVAL", 4*time.Microsecond), "DCQCN rate-decrease timer period.")
	fastRecoveryTimes := fs.Int("dcqcn-fast-recovery-times", envIntOrDefault("RDMASIM_DCQCN_FAST_RECOVERY_TIMES", 5), "DCQCN rpg_threshold: consecutive fast-recovery rounds before additive increase.")
	alphaResumeInterval := fs.Duration("dcqcn-alpha-resume-interval", envDurationOrDefault("RDMASIM_DCQCN_ALPHA_RESUME_INTERVAL", 55*time.Microsecond), "DCQCN alpha-update timer period.")
	rai := fs.Float64("rai", envFloatOrDefault("RDMASIM_RAI", 5e6), "Additive-increase step in bits/sec, shared by DCQCN/TIMELY/HPCC.")
	rhai := fs.Float64("rhai", envFloatOrDefault("RDMASIM_RHAI", 50e6), "Hyper-additive-increase step in bits/sec, used by DCQCN in its hyper-increase stage and by TIMELY after five consecutive increases.")

	miThresh := fs.Int("hpcc-mi-thresh", envIntOrDefault("RDMASIM_HPCC_MI_THRESH", 5), "HPCC consecutive additive-increase rounds before a multiplicative (cur_rate/max_c) update.")
	targetUtil := fs.Float64("hpcc-target-util", envFloatOrDefault("RDMASIM_HPCC_TARGET_UTIL", 0.95), "HPCC target per-hop link utilisation.")
	utilHigh := fs.Float64("hpcc-util-high", envFloatOrDefault("RDMASIM_HPCC_UTIL_HIGH", 0.95), "HPCC high-utilisation threshold.")
	multipleRate := fs.Bool("hpcc-multiple-rate", envBoolOrDefault("RDMASIM_HPCC_MULTIPLE_RATE", true), "Use HPCC's per-hop multiple-rate update instead of the single aggregate update.")
	sampleFeedback := fs.Bool("hpcc-sample-feedback", envBoolOrDefault("RDMASIM_HPCC_SAMPLE_FEEDBACK", false), "Skip HPCC hops reporting zero queue length when fast-reacting.")
	fastReact := fs.Bool("fast-react", envBoolOrDefault("RDMASIM_FAST_REACT", true), "Re-run the HPCC/TIMELY rate update on every ACK, not just once per RTT.")
	pintSmplThresh := fs.Uint("hpcc-pint-smpl-thresh", envUintOrDefault("RDMASIM_HPCC_PINT_SMPL_THRESH", 65536), "HPCC-PINT sampling threshold out of 65536.")

	timelyAlpha := fs.Float64("timely-alpha", envFloatOrDefault("RDMASIM_TIMELY_ALPHA", 0.875), "TIMELY RTT-gradient EWMA weight.")
	timelyBeta := fs.Float64("timely-beta", envFloatOrDefault("RDMASIM_TIMELY_BETA", 0.8), "TIMELY multiplicative-decrease weight.")
	timelyTLow := fs.Duration("timely-t-low", envDurationOrDefault("RDMASIM_TIMELY_T_LOW", 50*time.Microsecond), "TIMELY low-RTT threshold below which the rate always increases.")
	timelyTHigh := fs.Duration("timely-t-high", envDurationOrDefault("RDMASIM_TIMELY_T_HIGH", 500*time.Microsecond), "TIMELY high-RTT threshold above which the rate always decreases.")
	timelyMinRTT := fs.Duration("timely-min-rtt", envDurationOrDefault("RDMASIM_TIMELY_MIN_RTT", 20*time.Microsecond), "TIMELY's baseline minimum RTT, used to normalise the RTT gradient.")

	dctcpG := fs.Float64("dctcp-g", envFloatOrDefault("RDMASIM_DCTCP_G", 1.0/16), "DCTCP alpha EWMA weight.")
	dctcpRAI := fs.Float64("dctcp-rai", envFloatOrDefault("RDMASIM_DCTCP_RAI", 5e6), "DCTCP additive-increase step in bits/sec.")

	numPorts := fs.Int("num-ports", envIntOrDefault("RDMASIM_NUM_PORTS", 2), "Number of simulated NIC ports in the demo topology.")
	portRateGbps := fs.Float64("port-rate-gbps", envFloatOrDefault("RDMASIM_PORT_RATE_GBPS", 100), "Line rate of each simulated NIC port, in gigabits/sec.")
	demoFlowBytes := fs.Uint64("demo-flow-bytes", envUint64OrDefault("RDMASIM_DEMO_FLOW_BYTES", 10<<20), "Size in bytes of the demo flow cmd/rdma-hostsim drives between its two demo hosts.")
	traceFile := fs.String("trace-file", envOrDefault("RDMASIM_TRACE_FILE", ""), "File receiving line-oriented telemetry records; \"-\" for stdout, empty to disable.")

	pfcBridgeEnable := fs.Bool("pfc-bridge-enable", envBoolOrDefault("RDMASIM_PFC_BRIDGE_ENABLE", false), "Poll a real netdev's PFC pause counters and inject CNPs into the live engine on increase.")
	pfcBridgeNetDev := fs.String("pfc-bridge-netdev", envOrDefault("RDMASIM_PFC_BRIDGE_NETDEV", ""), "Netdev to poll for PFC pause counters; ignored if -rdma-device is set.")
	pfcBridgePriority := fs.Uint("pfc-bridge-priority", envUintOrDefault("RDMASIM_PFC_BRIDGE_PRIORITY", 3), "Priority group whose PFC pause counter the bridge watches.")
	pfcBridgeDstIP := fs.Uint("pfc-bridge-dst-ip", envUintOrDefault("RDMASIM_PFC_BRIDGE_DST_IP", 2), "dst_ip of the simulated flow the bridge injects CNPs into.")
	pfcBridgeSrcPort := fs.Uint("pfc-bridge-src-port", envUintOrDefault("RDMASIM_PFC_BRIDGE_SRC_PORT", 100), "src_port of the simulated flow the bridge injects CNPs into.")
	pfcBridgeInterval := fs.Duration("pfc-bridge-interval", envDurationOrDefault("RDMASIM_PFC_BRIDGE_INTERVAL", time.Second), "Polling interval for the PFC bridge.")
	pfcBridgeUseRdmamap := fs.Bool("pfc-bridge-use-rdmamap", envBoolOrDefault("RDMASIM_PFC_BRIDGE_USE_RDMAMAP", false), "Resolve RDMA devices via github.com/Mellanox/rdmamap instead of the sysfs walker.")
	rdmaDevice := fs.String("rdma-device", envOrDefault("RDMASIM_RDMA_DEVICE", ""), "RDMA HCA device name (e.g. mlx5_0) used to resolve -pfc-bridge-netdev automatically.")
	rdmaPort := fs.Int("rdma-port", envIntOrDefault("RDMASIM_RDMA_PORT", 1), "RDMA HCA port number used together with -rdma-device.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}
	if *mtu <= 0 {
		return cfg, fmt.Errorf("mtu must be positive, got %d", *mtu)
	}

	cfg = Config{
		ListenAddress: *listen,
		MetricsPath:   *metricsPath,
		HealthPath:    *healthPath,
		LogLevel:      level,
		ScrapeTimeout: *scrapeTimeout,
		ShowVersion:   *showVersion,
		Engine: engine.Config{
			MTU:             *mtu,
			CCMode:          qp.CCMode(*ccMode),
			NackInterval:    *nackInterval,
			Chunk:           *chunk,
			AckInterval:     *ackInterval,
			BackToZero:      *backToZero,
			GpusPerServer:   *gpusPerServer,
			RateBound:       *rateBound,
			MinRate:         *minRate,
			SwitchAsHost:    *switchAsHost,
			PartitionShards: *partitionShards,
			DCQCN: cc.DCQCNConfig{
				G:                    *g,
				RateOnFirstCNP:       *rateOnFirstCNP,
				ClampTargetRate:      *clampTargetRate,
				RPTimerInterval:      *rpTimer,
				RateDecreaseInterval: *rateDecreaseInterval,
				RPGThreshold:         *fastRecoveryTimes,
				AlphaResumeInterval:  *alphaResumeInterval,
				RAI:                  *rai,
				RHAI:                 *rhai,
				MinRate:              *minRate,
			},
			HPCC: cc.HPCCConfig{
				TargetUtil:     *targetUtil,
				UtilHigh:       *utilHigh,
				RAI:            *rai,
				MIThresh:       *miThresh,
				MultipleRate:   *multipleRate,
				SampleFeedback: *sampleFeedback,
				FastReact:      *fastReact,
				MinRate:        *minRate,
				PintSmplThresh: uint32(*pintSmplThresh),
			},
			Timely: cc.TimelyConfig{
				Alpha:     *timelyAlpha,
				Beta:      *timelyBeta,
				TLow:      *timelyTLow,
				THigh:     *timelyTHigh,
				MinRTT:    *timelyMinRTT,
				RAI:       *rai,
				RHAI:      *rhai,
				MinRate:   *minRate,
				FastReact: *fastReact,
			},
			DCTCP: cc.DCTCPConfig{
				G:        *dctcpG,
				DctcpRAI: *dctcpRAI,
				MinRate:  *minRate,
				MTU:      *mtu,
			},
		},
	}
	cfg.DefaultNVLSEnable = *nvlsEnable
	cfg.DefaultVarWin = *varWin
	cfg.NumPorts = *numPorts
	cfg.PortRateGbps = *portRateGbps
	cfg.DemoFlowBytes = *demoFlowBytes
	cfg.TraceFile = *traceFile
	cfg.PFCBridge = PFCBridgeConfig{
		Enable:     *pfcBridgeEnable,
		NetDev:     *pfcBridgeNetDev,
		Priority:   *pfcBridgePriority,
		DstIP:      uint32(*pfcBridgeDstIP),
		SrcPort:    uint(*pfcBridgeSrcPort),
		Interval:   *pfcBridgeInterval,
		UseRdmamap: *pfcBridgeUseRdmamap,
		RDMADevice: *rdmaDevice,
		RDMAPort:   *rdmaPort,
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envUintOrDefault(key string, fallback uint) uint {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		var parsed uint
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envUint64OrDefault(key string, fallback uint64) uint64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		var parsed uint64
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloatOrDefault(key string, fallback float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		var parsed float64
		if _, err := fmt.Sscanf(value, "%g", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBoolOrDefault(key string, fallback bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
