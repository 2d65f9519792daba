// Package bootstrap loads the agent bootstrap file: the index tokens with their
// starting balances and the peers to connect to on start.
package bootstrap

// TokenSpec is one index token.
type TokenSpec struct {
	Symbol         string  `yaml:"symbol" json:"symbol"`
	Description    string  `yaml:"description,omitempty" json:"description,omitempty"`
	InitialBalance int64   `yaml:"initialBalance" json:"initialBalance"`
	TargetWeight   float64 `yaml:"targetWeight,omitempty" json:"targetWeight,omitempty"`
}

// PeerSpec is an agent to connect to.
type PeerSpec struct {
	AccountID      string `yaml:"accountId" json:"accountId"`
	InboundTopicID string `yaml:"inboundTopicId" json:"inboundTopicId"`
	Memo           string `yaml:"memo,omitempty" json:"memo,omitempty"`
	// AutoConnect sends a connection request on start when no connection exists.
	AutoConnect bool `yaml:"autoConnect" json:"autoConnect"`
}

// AgentBootstrap is the root bootstrap configuration.
type AgentBootstrap struct {
	Name        string               `yaml:"name" json:"name"`
	Version     string               `yaml:"version" json:"version"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Tokens      map[string]TokenSpec `yaml:"tokens" json:"tokens"`
	Aliases     map[string]string    `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Peers       []PeerSpec           `yaml:"peers,omitempty" json:"peers,omitempty"`
}

// ResolvedBootstrap provides fast lookup of bootstrap tokens.
type ResolvedBootstrap struct {
	name    string
	version string
	tokens  map[string]*TokenSpec
	aliases map[string]string
	peers   []PeerSpec
}

// Token returns a token by symbol or alias.
func (rb *ResolvedBootstrap) Token(ref string) *TokenSpec {
	if t, ok := rb.tokens[ref]; ok {
		return t
	}
	if resolved, ok := rb.aliases[ref]; ok {
		if t, ok := rb.tokens[resolved]; ok {
			return t
		}
	}
	return nil
}

// ResolveAlias resolves an alias to a token symbol.
func (rb *ResolvedBootstrap) ResolveAlias(alias string) string {
	if resolved, ok := rb.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// InitialBalances returns the starting balance of every token.
func (rb *ResolvedBootstrap) InitialBalances() map[string]int64 {
	out := make(map[string]int64, len(rb.tokens))
	for symbol, t := range rb.tokens {
		out[symbol] = t.InitialBalance
	}
	return out
}

// TargetWeights returns the configured weights of tokens that have one.
func (rb *ResolvedBootstrap) TargetWeights() map[string]float64 {
	out := make(map[string]float64)
	for symbol, t := range rb.tokens {
		if t.TargetWeight > 0 {
			out[symbol] = t.TargetWeight
		}
	}
	return out
}

// Peers returns the configured peers.
func (rb *ResolvedBootstrap) Peers() []PeerSpec {
	return rb.peers
}

// Name returns the bootstrap name.
func (rb *ResolvedBootstrap) Name() string {
	return rb.name
}

// Version returns the bootstrap version.
func (rb *ResolvedBootstrap) Version() string {
	return rb.version
}
