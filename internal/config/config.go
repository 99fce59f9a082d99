// Package config holds the node-level and fabric-wide configuration structs
// of §1.2/§6, parsed with goccy/go-yaml exactly as the teacher's state.LocalCfg
// does with its own yaml library.
package config

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
)

// Defaults for keys the distilled spec names but does not pin a value for;
// taken from Open/R's documented operational defaults.
const (
	DefaultKeepAliveTime         = 3 * time.Second
	DefaultHoldTime              = 3 * DefaultKeepAliveTime
	DefaultHeartbeatHoldTime     = 3 * DefaultKeepAliveTime
	DefaultHandshakeTime         = 1 * time.Second
	DefaultNegotiateHoldTime     = 5 * time.Second
	DefaultDbSyncInterval        = 60 * time.Second
	DefaultTTLDecrement          = 500 * time.Millisecond
	DefaultFloodRateBurst        = 25
	DefaultFloodRateMsgsPerSec   = 10.0
	DefaultSparkRateBurst        = 25
	DefaultSparkRateMsgsPerSec   = 10.0
	DefaultUDPMcastPort          = 6666
	DefaultFastInitKeepAliveTime = 100 * time.Millisecond
	DefaultKvAdvertiseInterval   = 1 * time.Second

	DefaultRpcCmdPort uint32 = 60100
	DefaultRpcPubPort uint32 = 60101

	DefaultSrLocalRangeLo uint32 = 60000
	DefaultSrLocalRangeHi uint32 = 65000
)

// DefaultArea is the area every node participates in when no areas are
// configured (§3, "a default area exists").
const DefaultArea = "0"

// FloodRate is a (burst, msgs/s) token-bucket pair, recognized for both
// Spark's packet-ingestion limiter and KvStore's flood-publication limiter.
type FloodRate struct {
	Burst      int     `yaml:"burst"`
	MsgsPerSec float64 `yaml:"msgsPerSec"`
}

// AreaCfg describes one area this node participates in.
type AreaCfg struct {
	Name string `yaml:"name"`
	// IncludeInterfaces restricts Spark to these interfaces for this area;
	// empty means "all configured interfaces".
	IncludeInterfaces []string `yaml:"includeInterfaces,omitempty"`
}

// LocalCfg is the per-node configuration, the recognized set from §6.
type LocalCfg struct {
	NodeName   string `yaml:"nodeName"`
	DomainName string `yaml:"domainName"`

	Areas []AreaCfg `yaml:"areas,omitempty"`

	EnableV4                bool `yaml:"enableV4,omitempty"`
	EnableSubnetValidation  bool `yaml:"enableSubnetValidation,omitempty"`
	EnableSpark2            bool `yaml:"enableSpark2,omitempty"`
	EnableFloodOptimization bool `yaml:"enableFloodOptimization,omitempty"`
	IsFloodRoot             bool `yaml:"isFloodRoot,omitempty"`

	UDPMcastPort int `yaml:"udpMcastPort,omitempty"`

	// RpcCmdPort/RpcPubPort are this node's own command and publication
	// transport ports, advertised to neighbors in the handshake so a peer
	// manager can build a reachable model.Peer without guessing (§5/§6).
	RpcCmdPort uint32 `yaml:"rpcCmdPort,omitempty"`
	RpcPubPort uint32 `yaml:"rpcPubPort,omitempty"`

	HoldTime              time.Duration `yaml:"holdTime,omitempty"`
	KeepAliveTime         time.Duration `yaml:"keepAliveTime,omitempty"`
	FastInitKeepAliveTime time.Duration `yaml:"fastInitKeepAliveTime,omitempty"`
	HandshakeTime         time.Duration `yaml:"handshakeTime,omitempty"`
	NegotiateHoldTime     time.Duration `yaml:"negotiateHoldTime,omitempty"`
	HeartbeatHoldTime     time.Duration `yaml:"heartbeatHoldTime,omitempty"`
	DbSyncInterval        time.Duration `yaml:"dbSyncInterval,omitempty"`
	TTLDecrement          time.Duration `yaml:"ttlDecrement,omitempty"`

	// KvAdvertiseInterval is how often kvclient drains pending persisted
	// keys into batched SET requests (§4.4 step 4).
	KvAdvertiseInterval time.Duration `yaml:"kvAdvertiseInterval,omitempty"`

	FloodRate FloodRate `yaml:"floodRate,omitempty"`

	// KvTTLInfinity is the sentinel TTL value meaning "never expires"; callers
	// should prefer model.TTLInfinity but the knob is exposed for parity with
	// the recognized config-key set.
	KvTTLInfinity int64 `yaml:"kvTtlInfinity,omitempty"`

	SrLocalRangeLo uint32 `yaml:"srLocalRangeLo,omitempty"`
	SrLocalRangeHi uint32 `yaml:"srLocalRangeHi,omitempty"`

	// Interfaces this node runs Spark on.
	Interfaces []string `yaml:"interfaces,omitempty"`

	// ClearOnShutdown gates the supplemented clear-on-shutdown behavior of
	// kvclient.Client.Close (§4.4 supplement); defaults to false.
	ClearOnShutdown bool `yaml:"clearOnShutdown,omitempty"`

	LogPath string `yaml:"logPath,omitempty"`
}

// CentralCfg is the fabric-wide view: area membership and flood topology
// hints shared across the fabric, mirroring the teacher's CentralCfg role
// but scoped to what the gossip/discovery core needs rather than a routing
// graph.
type CentralCfg struct {
	Areas []AreaCfg `yaml:"areas"`
	// FloodRoots names, per area, the node id(s) eligible to act as a
	// spanning-tree root for flood optimization (§4.2 supplement).
	FloodRoots map[string][]string `yaml:"floodRoots,omitempty"`
}

// ParseLocalCfg parses and defaults a LocalCfg from YAML bytes.
func ParseLocalCfg(data []byte) (LocalCfg, error) {
	var c LocalCfg
	if err := yaml.Unmarshal(data, &c); err != nil {
		return LocalCfg{}, fmt.Errorf("config: parsing local config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return LocalCfg{}, err
	}
	return c, nil
}

func (c *LocalCfg) applyDefaults() {
	if c.UDPMcastPort == 0 {
		c.UDPMcastPort = DefaultUDPMcastPort
	}
	if c.RpcCmdPort == 0 {
		c.RpcCmdPort = DefaultRpcCmdPort
	}
	if c.RpcPubPort == 0 {
		c.RpcPubPort = DefaultRpcPubPort
	}
	if c.KeepAliveTime == 0 {
		c.KeepAliveTime = DefaultKeepAliveTime
	}
	if c.HoldTime == 0 {
		c.HoldTime = 3 * c.KeepAliveTime
	}
	if c.FastInitKeepAliveTime == 0 {
		c.FastInitKeepAliveTime = DefaultFastInitKeepAliveTime
	}
	if c.HandshakeTime == 0 {
		c.HandshakeTime = DefaultHandshakeTime
	}
	if c.NegotiateHoldTime == 0 {
		c.NegotiateHoldTime = DefaultNegotiateHoldTime
	}
	if c.HeartbeatHoldTime == 0 {
		c.HeartbeatHoldTime = 3 * c.KeepAliveTime
	}
	if c.DbSyncInterval == 0 {
		c.DbSyncInterval = DefaultDbSyncInterval
	}
	if c.TTLDecrement == 0 {
		c.TTLDecrement = DefaultTTLDecrement
	}
	if c.KvAdvertiseInterval == 0 {
		c.KvAdvertiseInterval = DefaultKvAdvertiseInterval
	}
	if c.FloodRate.Burst == 0 && c.FloodRate.MsgsPerSec == 0 {
		c.FloodRate = FloodRate{Burst: DefaultFloodRateBurst, MsgsPerSec: DefaultFloodRateMsgsPerSec}
	}
	if c.SrLocalRangeLo == 0 && c.SrLocalRangeHi == 0 {
		c.SrLocalRangeLo, c.SrLocalRangeHi = DefaultSrLocalRangeLo, DefaultSrLocalRangeHi
	}
	if len(c.Areas) == 0 {
		c.Areas = []AreaCfg{{Name: DefaultArea}}
	}
}

// Validate rejects configurations the core cannot safely run with.
func (c *LocalCfg) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("config: nodeName must not be empty")
	}
	if c.DomainName == "" {
		return fmt.Errorf("config: domainName must not be empty")
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("config: at least one interface must be configured")
	}
	if c.SrLocalRangeLo >= c.SrLocalRangeHi {
		return fmt.Errorf("config: srLocalRange [%d, %d] is empty or inverted", c.SrLocalRangeLo, c.SrLocalRangeHi)
	}
	seen := make(map[string]bool, len(c.Areas))
	for _, a := range c.Areas {
		if seen[a.Name] {
			return fmt.Errorf("config: duplicate area %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// AreaNames returns the configured area names in declaration order.
func (c *LocalCfg) AreaNames() []string {
	out := make([]string, len(c.Areas))
	for i, a := range c.Areas {
		out[i] = a.Name
	}
	return out
}

// ParseCentralCfg parses a fabric-wide CentralCfg from YAML bytes.
func ParseCentralCfg(data []byte) (CentralCfg, error) {
	var c CentralCfg
	if err := yaml.Unmarshal(data, &c); err != nil {
		return CentralCfg{}, fmt.Errorf("config: parsing central config: %w", err)
	}
	return c, nil
}

// LabelRange reports the configured segment-routing local label range as a
// half-open-at-neither-end closed interval [lo, hi], the range the label
// allocator of §4.2 draws from.
func (c *LocalCfg) LabelRange() (lo, hi uint32) {
	return c.SrLocalRangeLo, c.SrLocalRangeHi
}
