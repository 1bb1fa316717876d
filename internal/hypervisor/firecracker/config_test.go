package firecracker

import (
	"net/netip"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, env := range []string{
		envKernelPath, envBin, envRunDir, envCNIConfigDir, envCNIBinDir,
		envVsockPort, envMaxConcurrent, envGuestConnect, envBridge, envSubnet,
	} {
		t.Setenv(env, "")
	}

	cfg := LoadConfig()

	if cfg.FirecrackerBin != DefaultFirecrackerBin {
		t.Errorf("FirecrackerBin = %q, want %q", cfg.FirecrackerBin, DefaultFirecrackerBin)
	}
	if cfg.RunDir != DefaultRunDir {
		t.Errorf("RunDir = %q, want %q", cfg.RunDir, DefaultRunDir)
	}
	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d, want %d", cfg.VsockPort, DefaultVsockPort)
	}
	if cfg.CIDBase != MinCID {
		t.Errorf("CIDBase = %d, want %d", cfg.CIDBase, MinCID)
	}
	if cfg.MaxConcurrentVMs != MaxConcurrentVMs {
		t.Errorf("MaxConcurrentVMs = %d, want %d", cfg.MaxConcurrentVMs, MaxConcurrentVMs)
	}
	if cfg.GuestConnectTimeout != DefaultGuestConnectTimeout {
		t.Errorf("GuestConnectTimeout = %v, want %v", cfg.GuestConnectTimeout, DefaultGuestConnectTimeout)
	}
	if cfg.KernelPath != "" {
		t.Errorf("KernelPath = %q, want empty", cfg.KernelPath)
	}
	if cfg.Bridge != DefaultBridgeName || cfg.Subnet.String() != DefaultSubnet {
		t.Errorf("network = %s %s, want %s %s", cfg.Bridge, cfg.Subnet, DefaultBridgeName, DefaultSubnet)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envKernelPath, "/opt/flare/vmlinux")
	t.Setenv(envBin, "/usr/bin/firecracker")
	t.Setenv(envRunDir, "/var/lib/flare/fc")
	t.Setenv(envCNIConfigDir, "/etc/cni/conf.d")
	t.Setenv(envCNIBinDir, "/opt/cni/bin")
	t.Setenv(envVsockPort, "2048")
	t.Setenv(envMaxConcurrent, "8")
	t.Setenv(envGuestConnect, "15s")
	t.Setenv(envBridge, "flarebr1")
	t.Setenv(envSubnet, "172.30.4.9/22")

	cfg := LoadConfig()

	want := Config{
		KernelPath:          "/opt/flare/vmlinux",
		FirecrackerBin:      "/usr/bin/firecracker",
		RunDir:              "/var/lib/flare/fc",
		CNIConfigDir:        "/etc/cni/conf.d",
		CNIBinDir:           "/opt/cni/bin",
		VsockPort:           2048,
		CIDBase:             MinCID,
		MaxConcurrentVMs:    8,
		GuestConnectTimeout: 15 * time.Second,
		Bridge:              "flarebr1",
		Subnet:              netip.MustParsePrefix("172.30.4.0/22"),
	}
	if cfg != want {
		t.Errorf("LoadConfig() =\n%+v\nwant\n%+v", cfg, want)
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	t.Setenv(envVsockPort, "not-a-number")
	t.Setenv(envMaxConcurrent, "-3")
	t.Setenv(envGuestConnect, "soon")
	t.Setenv(envSubnet, "fd00::/64")

	cfg := LoadConfig()

	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d, want default %d", cfg.VsockPort, DefaultVsockPort)
	}
	if cfg.MaxConcurrentVMs != MaxConcurrentVMs {
		t.Errorf("MaxConcurrentVMs = %d, want default %d", cfg.MaxConcurrentVMs, MaxConcurrentVMs)
	}
	if cfg.GuestConnectTimeout != DefaultGuestConnectTimeout {
		t.Errorf("GuestConnectTimeout = %v, want default %v", cfg.GuestConnectTimeout, DefaultGuestConnectTimeout)
	}
	if cfg.Subnet.String() != DefaultSubnet {
		t.Errorf("Subnet = %s, want default %s", cfg.Subnet, DefaultSubnet)
	}
}
