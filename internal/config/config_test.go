package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/rdmasim/hostengine/internal/qp"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("expected listen address %q, got %q", defaultListenAddress, cfg.ListenAddress)
	}
	if cfg.MetricsPath != defaultMetricsPath {
		t.Fatalf("expected metrics path %q, got %q", defaultMetricsPath, cfg.MetricsPath)
	}
	if cfg.LogLevel != defaultLogLevelValue() {
		t.Fatalf("expected log level info, got %v", cfg.LogLevel)
	}
	if cfg.ScrapeTimeout != defaultTimeout {
		t.Fatalf("expected scrape timeout %v, got %v", defaultTimeout, cfg.ScrapeTimeout)
	}
	if cfg.ShowVersion {
		t.Fatalf("expected show version to be false by default")
	}
	if cfg.Engine.MTU != 1000 {
		t.Fatalf("expected default mtu 1000, got %d", cfg.Engine.MTU)
	}
	if cfg.Engine.CCMode != qp.CCModeDCQCN {
		t.Fatalf("expected default cc_mode DCQCN, got %v", cfg.Engine.CCMode)
	}
	if !cfg.Engine.RateBound {
		t.Fatalf("expected rate_bound to default true")
	}
	if cfg.NumPorts != 2 {
		t.Fatalf("expected default num-ports 2, got %d", cfg.NumPorts)
	}
	if cfg.PortRateGbps != 100 {
		t.Fatalf("expected default port-rate-gbps 100, got %v", cfg.PortRateGbps)
	}
	if cfg.PFCBridge.Enable {
		t.Fatalf("expected pfc bridge disabled by default")
	}
	if cfg.PFCBridge.Priority != 3 {
		t.Fatalf("expected default pfc bridge priority 3, got %d", cfg.PFCBridge.Priority)
	}
}

func TestPFCBridgeFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"--pfc-bridge-enable",
		"--pfc-bridge-netdev", "eth0",
		"--pfc-bridge-priority", "5",
		"--rdma-device", "mlx5_0",
		"--rdma-port", "2",
	})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !cfg.PFCBridge.Enable {
		t.Fatalf("expected pfc bridge enabled")
	}
	if cfg.PFCBridge.NetDev != "eth0" {
		t.Fatalf("expected netdev eth0, got %q", cfg.PFCBridge.NetDev)
	}
	if cfg.PFCBridge.Priority != 5 {
		t.Fatalf("expected priority 5, got %d", cfg.PFCBridge.Priority)
	}
	if cfg.PFCBridge.RDMADevice != "mlx5_0" {
		t.Fatalf("expected rdma device mlx5_0, got %q", cfg.PFCBridge.RDMADevice)
	}
	if cfg.PFCBridge.RDMAPort != 2 {
		t.Fatalf("expected rdma port 2, got %d", cfg.PFCBridge.RDMAPort)
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("RDMASIM_LISTEN_ADDRESS", "127.0.0.1:9999")
	t.Setenv("RDMASIM_SCRAPE_TIMEOUT", "2s")
	t.Setenv("RDMASIM_MTU", "1500")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.ListenAddress != "127.0.0.1:9999" {
		t.Fatalf("expected listen address to come from env, got %q", cfg.ListenAddress)
	}
	if cfg.ScrapeTimeout != 2*time.Second {
		t.Fatalf("expected scrape timeout 2s, got %v", cfg.ScrapeTimeout)
	}
	if cfg.Engine.MTU != 1500 {
		t.Fatalf("expected mtu 1500 from env, got %d", cfg.Engine.MTU)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("RDMASIM_LISTEN_ADDRESS", "127.0.0.1:9999")

	cfg, err := Parse([]string{"-listen-address", "0.0.0.0:1234"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0:1234" {
		t.Fatalf("expected listen address from flag, got %q", cfg.ListenAddress)
	}
}

func TestCCModeFromFlag(t *testing.T) {
	cfg, err := Parse([]string{"--cc-mode", "7"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Engine.CCMode != qp.CCModeTimely {
		t.Fatalf("expected cc_mode TIMELY, got %v", cfg.Engine.CCMode)
	}
}

func TestChunkAndAckIntervalFromFlags(t *testing.T) {
	cfg, err := Parse([]string{"--chunk", "4096", "--ack-interval", "1000"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Engine.Chunk != 4096 {
		t.Fatalf("expected chunk 4096, got %d", cfg.Engine.Chunk)
	}
	if cfg.Engine.AckInterval != 1000 {
		t.Fatalf("expected ack_interval 1000, got %d", cfg.Engine.AckInterval)
	}
}

func TestBackToZeroToggle(t *testing.T) {
	cfg, err := Parse([]string{"--back-to-0=true"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !cfg.Engine.BackToZero {
		t.Fatalf("expected back_to_0 true from flag")
	}
}

func TestDCQCNSubConfigFromFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"--dcqcn-g", "0.0625",
		"--dcqcn-fast-recovery-times", "3",
		"--rai", "1000000",
	})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Engine.DCQCN.G != 0.0625 {
		t.Fatalf("expected dcqcn g 0.0625, got %v", cfg.Engine.DCQCN.G)
	}
	if cfg.Engine.DCQCN.RPGThreshold != 3 {
		t.Fatalf("expected rpg_threshold 3, got %v", cfg.Engine.DCQCN.RPGThreshold)
	}
	if cfg.Engine.DCQCN.RAI != 1e6 {
		t.Fatalf("expected rai 1e6, got %v", cfg.Engine.DCQCN.RAI)
	}
	if cfg.Engine.HPCC.RAI != 1e6 {
		t.Fatalf("expected hpcc rai to share the same --rai flag, got %v", cfg.Engine.HPCC.RAI)
	}
}

func TestInvalidDurationFromEnv(t *testing.T) {
	t.Setenv("RDMASIM_SCRAPE_TIMEOUT", "notaduration")

	if _, err := Parse(nil); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestInvalidMTURejected(t *testing.T) {
	if _, err := Parse([]string{"--mtu", "0"}); err == nil {
		t.Fatalf("expected error for non-positive mtu")
	}
}

func TestVersionFlag(t *testing.T) {
	cfg, err := Parse([]string{"--version"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !cfg.ShowVersion {
		t.Fatalf("expected show version to be true when flag is set")
	}
}

func defaultLogLevelValue() slog.Level {
	lvl, _ := parseLogLevel(defaultLogLevel)
	return lvl
}
