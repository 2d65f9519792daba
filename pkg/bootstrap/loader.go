package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const logPrefix = "bootstrap:loader"

// LoadAgentBootstrap loads the bootstrap file from the first readable path.
// It tries paths in order: first any paths passed in, then AGENT_BOOTSTRAP_FILE env, then defaults.
// Files are YAML; JSON files parse as well.
func LoadAgentBootstrap(paths ...string) (*AgentBootstrap, error) {
	all := make([]string, 0, len(paths)+4)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("AGENT_BOOTSTRAP_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/agent.yaml", "agent.yaml", "config/agent.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		cfg, err := ParseAgentBootstrap(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse bootstrap file %s: %v", logPrefix, p, err))
			continue
		}
		slog.Info(fmt.Sprintf("%s - Loaded bootstrap config from %s", logPrefix, p))
		return cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default bootstrap config", logPrefix))
	return GetDefaultAgentBootstrap(), nil
}

// ParseAgentBootstrap decodes and validates bootstrap bytes.
func ParseAgentBootstrap(data []byte) (*AgentBootstrap, error) {
	var cfg AgentBootstrap
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks balances, weights and peer references.
func (c *AgentBootstrap) Validate() error {
	var sum float64
	for key, t := range c.Tokens {
		if t.Symbol != "" && t.Symbol != key {
			return fmt.Errorf("token %s: symbol %q does not match key", key, t.Symbol)
		}
		if t.InitialBalance < 0 {
			return fmt.Errorf("token %s: negative initial balance", key)
		}
		if t.TargetWeight < 0 || t.TargetWeight > 1 {
			return fmt.Errorf("token %s: target weight out of range", key)
		}
		sum += t.TargetWeight
	}
	if sum > 1+1e-6 {
		return fmt.Errorf("target weights sum to %v", sum)
	}
	for i, p := range c.Peers {
		if strings.TrimSpace(p.AccountID) == "" || strings.TrimSpace(p.InboundTopicID) == "" {
			return fmt.Errorf("peer %d: accountId and inboundTopicId are required", i)
		}
	}
	return nil
}

// GetDefaultAgentBootstrap returns the fallback bootstrap configuration.
func GetDefaultAgentBootstrap() *AgentBootstrap {
	return &AgentBootstrap{
		Name:        "hcs-index-agent",
		Version:     "1.0.0",
		Description: "Default token index",
		Tokens: map[string]TokenSpec{
			"BTC": {Symbol: "BTC", Description: "Wrapped bitcoin", InitialBalance: 500},
			"ETH": {Symbol: "ETH", Description: "Wrapped ether", InitialBalance: 300},
			"SOL": {Symbol: "SOL", Description: "Wrapped solana", InitialBalance: 200},
		},
		Aliases: map[string]string{
			"bitcoin":  "BTC",
			"ethereum": "ETH",
			"solana":   "SOL",
		},
	}
}

// CreateResolvedBootstrap builds a ResolvedBootstrap for fast lookups.
func CreateResolvedBootstrap(cfg *AgentBootstrap) *ResolvedBootstrap {
	tokens := make(map[string]*TokenSpec, len(cfg.Tokens))
	for symbol, t := range cfg.Tokens {
		spec := t
		if spec.Symbol == "" {
			spec.Symbol = symbol
		}
		tokens[symbol] = &spec
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	peers := make([]PeerSpec, len(cfg.Peers))
	copy(peers, cfg.Peers)

	return &ResolvedBootstrap{
		name:    cfg.Name,
		version: cfg.Version,
		tokens:  tokens,
		aliases: aliases,
		peers:   peers,
	}
}

// MergeAgentBootstraps merges an override config into a base config. Override
// tokens replace base tokens of the same symbol; peers are appended.
func MergeAgentBootstraps(base, override *AgentBootstrap) *AgentBootstrap {
	merged := *base

	merged.Tokens = make(map[string]TokenSpec, len(base.Tokens)+len(override.Tokens))
	for k, v := range base.Tokens {
		merged.Tokens[k] = v
	}
	for k, v := range override.Tokens {
		merged.Tokens[k] = v
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for k, v := range base.Aliases {
		merged.Aliases[k] = v
	}
	for k, v := range override.Aliases {
		merged.Aliases[k] = v
	}

	merged.Peers = append(append([]PeerSpec(nil), base.Peers...), override.Peers...)
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}
