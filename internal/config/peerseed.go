package config

import (
	"fmt"
	"os"

	"github.com/hashd/vault/internal/peers"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk shape of an optional static peer-seed file: a
// small, human-edited YAML list that bootstraps the registry before any
// peer has been discovered on-chain or via gossip. The discovered/runtime
// peer cache (spec.md §6 peer-cache.json) is the registry's own JSON
// snapshot and is unrelated to this file.
type seedFile struct {
	Peers []struct {
		NodeID      string `yaml:"nodeId"`
		Endpoint    string `yaml:"endpoint"`
		PublicKey   string `yaml:"publicKey"`
		ShardRanges string `yaml:"shardRanges"`
	} `yaml:"peers"`
}

// LoadStaticPeerSeed reads an optional YAML peer-seed file and returns the
// peers it lists. A missing file is not an error: static seeding is a
// convenience for cold-starting a node's registry, not a requirement.
func LoadStaticPeerSeed(path string) ([]peers.Info, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read peer seed: %w", err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("config: parse peer seed: %w", err)
	}

	out := make([]peers.Info, 0, len(sf.Peers))
	for _, p := range sf.Peers {
		if p.NodeID == "" || p.Endpoint == "" {
			continue
		}
		out = append(out, peers.Info{NodeID: p.NodeID, Endpoint: p.Endpoint, PublicKey: p.PublicKey, ShardRanges: p.ShardRanges, Active: true})
	}
	return out, nil
}
