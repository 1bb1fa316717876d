package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Guest network defaults.
const (
	DefaultBridgeName = "flarebr0"
	DefaultSubnet     = "10.168.0.0/16"

	CNINetworkName = "flare-fcnet"
	CNIVersion     = "1.0.0"

	// CNIIfName is the veth end inside an identity's namespace. The guest
	// sees its own interface under the same name.
	CNIIfName = "eth0"

	CNICacheDir = "/var/lib/cni/cache"
	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "flare-"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// NetworkConfig is the network attachment of one instance identity. It lives
// as long as the identity does: a snapshot names the TAP device and MAC it
// was taken with, so a restore must find them unchanged.
type NetworkConfig struct {
	TAPDevice     string
	GuestIP       string // CIDR notation
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// NetworkManager attaches identities to the guest bridge through CNI, one
// network namespace per identity.
type NetworkManager struct {
	binDir  string
	confDir string
	cni     *libcni.CNIConfig
	conf    *libcni.NetworkConfigList
	raw     []byte
	logger  *slog.Logger

	mu       sync.Mutex
	attached map[string]*NetworkConfig
}

// NewNetworkManager builds the bridge + tc-redirect-tap network list for
// cfg.Bridge and cfg.Subnet.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	raw, err := generateConfList(cfg.Bridge, cfg.Subnet)
	if err != nil {
		return nil, err
	}
	conf, err := libcni.ConfListFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}
	return &NetworkManager{
		binDir:   cfg.CNIBinDir,
		confDir:  cfg.CNIConfigDir,
		cni:      libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		conf:     conf,
		raw:      raw,
		logger:   logger,
		attached: make(map[string]*NetworkConfig),
	}, nil
}

func netnsName(id string) string { return NetNSPrefix + id }

func netnsPath(id string) string { return filepath.Join(NetNSRunDir, netnsName(id)) }

func runtimeConf(id string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{ContainerID: id, NetNS: netnsPath(id), IfName: CNIIfName}
}

// Setup attaches id and returns its network. An identity that is already
// attached gets its existing network back.
func (nm *NetworkManager) Setup(ctx context.Context, id string) (*NetworkConfig, error) {
	nm.mu.Lock()
	cfg, ok := nm.attached[id]
	nm.mu.Unlock()
	if ok {
		return cfg, nil
	}

	// A namespace left over from an earlier daemon makes CNI ADD fail.
	if _, err := os.Stat(netnsPath(id)); err == nil {
		if err := nm.cni.DelNetworkList(ctx, nm.conf, runtimeConf(id)); err != nil {
			nm.logger.Debug("CNI DEL of stale namespace", "vm", id, "error", err)
		}
		if err := ipNetns("delete", netnsName(id)); err != nil {
			return nil, fmt.Errorf("remove stale netns: %w", err)
		}
	}

	if err := ipNetns("add", netnsName(id)); err != nil {
		return nil, err
	}
	result, err := nm.cni.AddNetworkList(ctx, nm.conf, runtimeConf(id))
	if err != nil {
		if derr := ipNetns("delete", netnsName(id)); derr != nil {
			nm.logger.Warn("remove netns after failed CNI ADD", "vm", id, "error", derr)
		}
		return nil, fmt.Errorf("CNI ADD for %s: %w", id, err)
	}
	cfg, err = parseResult(result, netnsPath(id))
	if err != nil {
		if derr := nm.detach(ctx, id); derr != nil {
			nm.logger.Debug("detach after unusable CNI result", "vm", id, "error", derr)
		}
		return nil, fmt.Errorf("CNI result for %s: %w", id, err)
	}
	if cfg.MACAddress == "" {
		cfg.MACAddress = GenerateMAC(id).String()
	}

	nm.mu.Lock()
	nm.attached[id] = cfg
	nm.mu.Unlock()

	nm.logger.Info("guest network attached", "vm", id, "tap", cfg.TAPDevice, "guest_ip", cfg.GuestIP)
	return cfg, nil
}

// Teardown detaches id. Unknown identities are ignored.
func (nm *NetworkManager) Teardown(ctx context.Context, id string) error {
	nm.mu.Lock()
	_, ok := nm.attached[id]
	delete(nm.attached, id)
	nm.mu.Unlock()
	if !ok {
		return nil
	}
	if err := nm.detach(ctx, id); err != nil {
		return err
	}
	nm.logger.Info("guest network detached", "vm", id)
	return nil
}

// TeardownAll detaches every identity.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := slices.Collect(maps.Keys(nm.attached))
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("detach guest network", "vm", id, "error", err)
		}
	}
}

// detach runs CNI DEL and removes the namespace, attempting both.
func (nm *NetworkManager) detach(ctx context.Context, id string) error {
	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.conf, runtimeConf(id)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", id, err))
	}
	if err := ipNetns("delete", netnsName(id)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Verify reports every required CNI plugin missing from the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.binDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList installs the network list in the CNI config directory so
// external tooling sees the same network.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.confDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.confDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.raw, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", path)
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList renders a masquerading bridge on subnet, gatewayed at its
// first host address, chained into tc-redirect-tap.
func generateConfList(bridge string, subnet netip.Prefix) ([]byte, error) {
	if !subnet.IsValid() || !subnet.Addr().Is4() {
		return nil, fmt.Errorf("guest subnet %s is not an IPv4 prefix", subnet)
	}
	subnet = subnet.Masked()
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    bridge,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  subnet.String(),
					"gateway": subnet.Addr().Next().String(),
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the guest TAP and address out of a CNI ADD result. The
// TAP is the sandboxed interface that is not the veth; when tc-redirect-tap
// reports a single sandboxed interface, that one is used.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	sandboxed := slices.DeleteFunc(slices.Clone(res.Interfaces), func(i *types100.Interface) bool {
		return i.Sandbox == ""
	})
	if len(sandboxed) == 0 {
		return nil, errors.New("no TAP device in CNI result (no interface with sandbox set)")
	}
	tap := sandboxed[0]
	if i := slices.IndexFunc(sandboxed, func(i *types100.Interface) bool { return i.Name != CNIIfName }); i >= 0 {
		tap = sandboxed[i]
	}

	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}
	cfg := &NetworkConfig{
		TAPDevice:     tap.Name,
		MACAddress:    tap.Mac,
		GuestIP:       res.IPs[0].Address.String(),
		NamespacePath: nsPath,
	}
	if gw := res.IPs[0].Gateway; gw != nil {
		cfg.GatewayIP = gw.String()
	}
	return cfg, nil
}

// ipNetns runs `ip netns <op> <name>`. Deleting a namespace that does not
// exist succeeds.
func ipNetns(op, name string) error {
	switch op {
	case "add":
		if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
			return fmt.Errorf("create netns dir: %w", err)
		}
	case "delete":
		if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if out, err := exec.Command("ip", "netns", op, name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns %s %s: %s: %w", op, name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnsureIPForwarding turns on IPv4 forwarding so guests can reach the
// outside through the bridge's masquerade.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

// GenerateMAC derives a stable locally administered unicast MAC from an
// identity, used when CNI does not report one.
func GenerateMAC(id string) net.HardwareAddr {
	h := fnv.New64a()
	h.Write([]byte(id))
	sum := h.Sum(nil)
	mac := net.HardwareAddr{0x02, sum[0], sum[1], sum[2], sum[3], sum[4]}
	return mac
}
