package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// IPShard defines the symbols whose feeds and snapshots are fetched through a
// specific source IP. An empty IP uses the default route.
type IPShard struct {
	IP             string   `yaml:"ip"`
	BinanceSymbols []string `yaml:"binance_symbols"`
	KucoinSymbols  []string `yaml:"kucoin_symbols"`
}

// IPShards represents the full shard configuration. The order of shards and of
// the symbols inside each shard fixes the instrument indices for the process.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path. Symbols are
// upper-cased and a symbol listed twice for the same exchange is rejected.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}

	seen := map[string]struct{}{}
	for i := range cfg.Shards {
		sh := &cfg.Shards[i]
		sh.IP = strings.TrimSpace(sh.IP)
		for exchange, list := range map[string][]string{"binance": sh.BinanceSymbols, "kucoin": sh.KucoinSymbols} {
			for j, s := range list {
				s = strings.ToUpper(strings.TrimSpace(s))
				if s == "" {
					return nil, fmt.Errorf("shard %d: empty %s symbol", i, exchange)
				}
				key := exchange + ":" + s
				if _, dup := seen[key]; dup {
					return nil, fmt.Errorf("shard %d: duplicate %s symbol %s", i, exchange, s)
				}
				seen[key] = struct{}{}
				list[j] = s
			}
		}
	}
	return &cfg, nil
}

// SymbolCount returns the number of instruments across all shards.
func (s *IPShards) SymbolCount() int {
	n := 0
	for _, sh := range s.Shards {
		n += len(sh.BinanceSymbols) + len(sh.KucoinSymbols)
	}
	return n
}

// Validate reports an empty universe as an error in production-like
// environments. Development runs may start with no symbols.
func (s *IPShards) Validate(env string) error {
	if s.SymbolCount() == 0 && IsProductionLike(env) {
		return fmt.Errorf("no symbols configured in ip shards for %s environment", env)
	}
	return nil
}
