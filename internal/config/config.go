// Package config loads the YAML cluster configuration: this node's own
// identity plus the list of configured peers. Peer membership is static
// for process life, per spec (dynamic reconfiguration is a non-goal).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Consistency is the replication consistency level requested for a
// commit: how many follower approvals the leader waits for.
type Consistency string

const (
	Async   Consistency = "ASYNC"
	One     Consistency = "ONE"
	Quorum  Consistency = "QUORUM"
)

// ParseConsistency validates a consistency level from config or a
// command header.
func ParseConsistency(s string) (Consistency, error) {
	switch Consistency(strings.ToUpper(s)) {
	case Async:
		return Async, nil
	case One:
		return One, nil
	case Quorum:
		return Quorum, nil
	default:
		return "", fmt.Errorf("config: unknown consistency level %q", s)
	}
}

// NodeConfig describes this process's own identity.
type NodeConfig struct {
	Name          string `yaml:"name"`
	Listen        string `yaml:"listen"`
	Priority      int    `yaml:"priority"`
	Permafollower bool   `yaml:"permafollower"`
	Admin         string `yaml:"admin"`
	Version       string `yaml:"version"`
}

// PeerSpec is one entry of the peers list before URI parsing.
type PeerSpec struct {
	URI string `yaml:"uri"`
}

// Config is the full parsed cluster configuration file.
type Config struct {
	Node        NodeConfig  `yaml:"node"`
	Consistency Consistency `yaml:"consistency"`
	Peers       []PeerSpec  `yaml:"peers"`
}

// Load reads and parses a YAML cluster config file from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses raw YAML bytes into a Config, applying defaults and
// validating the consistency level and peer URIs.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{Consistency: Quorum}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Node.Name == "" {
		return nil, fmt.Errorf("config: node.name is required")
	}
	if cfg.Node.Listen == "" {
		return nil, fmt.Errorf("config: node.listen is required")
	}
	if cfg.Node.Priority == 0 && !cfg.Node.Permafollower {
		return nil, fmt.Errorf("config: node.priority must be > 0 unless permafollower")
	}
	if cfg.Node.Permafollower && cfg.Node.Priority != 0 {
		return nil, fmt.Errorf("config: permafollower node must have priority 0")
	}
	if _, err := ParseConsistency(string(cfg.Consistency)); err != nil {
		return nil, err
	}
	for i := range cfg.Peers {
		if _, err := ParsePeerURI(cfg.Peers[i].URI); err != nil {
			return nil, fmt.Errorf("config: peers[%d]: %w", i, err)
		}
	}
	return cfg, nil
}

// PeerAddress is a parsed peer URI: an optional display name override,
// the dial address, and recognized parameters.
type PeerAddress struct {
	Name          string
	Host          string
	Permafollower bool
}

// ParsePeerURI parses "[nodeName@]host:port[?param=value&...]" into a
// PeerAddress. Recognized parameters are nodeName (equivalent to the
// "name@" prefix) and Permafollower.
func ParsePeerURI(raw string) (PeerAddress, error) {
	addr := PeerAddress{}

	rest := raw
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		addr.Name = rest[:at]
		rest = rest[at+1:]
	}

	hostPart, query, _ := strings.Cut(rest, "?")
	if hostPart == "" {
		return PeerAddress{}, fmt.Errorf("empty host in peer uri %q", raw)
	}
	addr.Host = hostPart

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return PeerAddress{}, fmt.Errorf("invalid peer uri params %q: %w", raw, err)
		}
		if name := values.Get("nodeName"); name != "" {
			addr.Name = name
		}
		if pf := values.Get("Permafollower"); pf != "" {
			b, err := strconv.ParseBool(pf)
			if err != nil {
				return PeerAddress{}, fmt.Errorf("invalid Permafollower value %q: %w", pf, err)
			}
			addr.Permafollower = b
		}
	}
	if addr.Name == "" {
		addr.Name = addr.Host
	}
	return addr, nil
}
