package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

// ChainConfig is the static configuration of one EVM chain.
type ChainConfig struct {
	Name           models.Chain
	ChainID        int64
	RPCURL         string
	NativeSymbol   string
	NativeDecimals uint8
	Tokens         map[models.Token]common.Address
	TokenGasLimit  uint64
}

// Registry is an immutable lookup table of chain configurations.
type Registry struct {
	order  []models.Chain
	chains map[models.Chain]ChainConfig
}

// Defaults returns the reference chain set with mainnet contracts.
func Defaults() []ChainConfig {
	return []ChainConfig{
		{
			Name:           models.ChainPolygon,
			ChainID:        config.PolygonChainID,
			RPCURL:         config.PolygonRPCURL,
			NativeSymbol:   "POL",
			NativeDecimals: config.NativeDecimals,
			Tokens: map[models.Token]common.Address{
				models.TokenUSDT: common.HexToAddress(config.PolygonUSDTContract),
				models.TokenUSDC: common.HexToAddress(config.PolygonUSDCContract),
			},
			TokenGasLimit: config.ERC20GasLimitDefault,
		},
		{
			Name:           models.ChainBSC,
			ChainID:        config.BSCChainID,
			RPCURL:         config.BSCRPCURL,
			NativeSymbol:   "BNB",
			NativeDecimals: config.NativeDecimals,
			Tokens: map[models.Token]common.Address{
				models.TokenUSDT: common.HexToAddress(config.BSCUSDTContract),
				models.TokenUSDC: common.HexToAddress(config.BSCUSDCContract),
			},
			TokenGasLimit: config.ERC20GasLimitDefault,
		},
		{
			Name:           models.ChainEthereum,
			ChainID:        config.EthereumChainID,
			RPCURL:         config.EthereumRPCURL,
			NativeSymbol:   "ETH",
			NativeDecimals: config.NativeDecimals,
			Tokens: map[models.Token]common.Address{
				models.TokenUSDT: common.HexToAddress(config.EthereumUSDTContract),
				models.TokenUSDC: common.HexToAddress(config.EthereumUSDCContract),
			},
			TokenGasLimit: config.ERC20GasLimitEthereum,
		},
	}
}

// Overrides replaces RPC URLs and contract addresses of the defaults.
// Contract values are hex strings so that malformed input is caught by NewRegistry.
type Overrides struct {
	RPC       map[models.Chain]string
	Contracts map[models.Chain]map[models.Token]string
}

// Merge layers o2 on top of o.
func (o Overrides) Merge(o2 Overrides) Overrides {
	out := Overrides{
		RPC:       make(map[models.Chain]string),
		Contracts: make(map[models.Chain]map[models.Token]string),
	}
	for _, src := range []Overrides{o, o2} {
		for c, u := range src.RPC {
			out.RPC[c] = u
		}
		for c, toks := range src.Contracts {
			if out.Contracts[c] == nil {
				out.Contracts[c] = make(map[models.Token]string)
			}
			for t, a := range toks {
				out.Contracts[c][t] = a
			}
		}
	}
	return out
}

// OverridesFromEnv converts the RPC overrides of the process configuration.
func OverridesFromEnv(cfg *config.Config) Overrides {
	o := Overrides{RPC: make(map[models.Chain]string)}
	for name, url := range cfg.RPCOverrides() {
		o.RPC[models.Chain(name)] = url
	}
	return o
}

// OverridesFromSettings reads "rpc_url.<chain>" and "contract.<chain>.<token>" keys.
// Unrelated keys are ignored.
func OverridesFromSettings(settings map[string]string) Overrides {
	o := Overrides{
		RPC:       make(map[models.Chain]string),
		Contracts: make(map[models.Chain]map[models.Token]string),
	}
	for key, value := range settings {
		if value == "" {
			continue
		}
		parts := strings.Split(key, ".")
		switch {
		case len(parts) == 2 && parts[0] == "rpc_url":
			o.RPC[models.Chain(strings.ToLower(parts[1]))] = value
		case len(parts) == 3 && parts[0] == "contract":
			c := models.Chain(strings.ToLower(parts[1]))
			if o.Contracts[c] == nil {
				o.Contracts[c] = make(map[models.Token]string)
			}
			o.Contracts[c][models.Token(strings.ToUpper(parts[2]))] = value
		}
	}
	return o
}

// Apply returns a copy of base with the overrides applied.
func Apply(base []ChainConfig, o Overrides) ([]ChainConfig, error) {
	out := make([]ChainConfig, 0, len(base))
	known := make(map[models.Chain]bool, len(base))
	for _, c := range base {
		known[c.Name] = true
		cp := c
		cp.Tokens = make(map[models.Token]common.Address, len(c.Tokens))
		for t, a := range c.Tokens {
			cp.Tokens[t] = a
		}
		if u, ok := o.RPC[c.Name]; ok && u != "" {
			cp.RPCURL = u
		}
		for t, hex := range o.Contracts[c.Name] {
			if !common.IsHexAddress(hex) {
				return nil, fmt.Errorf("%w: contract %s/%s %q", config.ErrInvalidAddress, c.Name, t, hex)
			}
			cp.Tokens[t] = common.HexToAddress(hex)
		}
		out = append(out, cp)
	}
	for c := range o.RPC {
		if !known[c] {
			return nil, fmt.Errorf("%w: override for %q", config.ErrUnknownChain, c)
		}
	}
	for c := range o.Contracts {
		if !known[c] {
			return nil, fmt.Errorf("%w: override for %q", config.ErrUnknownChain, c)
		}
	}
	return out, nil
}

// NewRegistry validates chains and builds the registry.
func NewRegistry(chains []ChainConfig) (*Registry, error) {
	r := &Registry{chains: make(map[models.Chain]ChainConfig, len(chains))}
	for _, c := range chains {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: empty chain name", config.ErrInvalidConfig)
		}
		if _, dup := r.chains[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate chain %q", config.ErrInvalidConfig, c.Name)
		}
		if c.ChainID <= 0 {
			return nil, fmt.Errorf("%w: chain %q has invalid chain id %d", config.ErrInvalidConfig, c.Name, c.ChainID)
		}
		if c.RPCURL == "" {
			return nil, fmt.Errorf("%w: chain %q has no rpc url", config.ErrInvalidConfig, c.Name)
		}
		for t, addr := range c.Tokens {
			if addr == (common.Address{}) {
				return nil, fmt.Errorf("%w: chain %q token %s has zero contract", config.ErrInvalidAddress, c.Name, t)
			}
		}
		if c.TokenGasLimit == 0 {
			c.TokenGasLimit = config.ERC20GasLimitDefault
		}
		if c.NativeDecimals == 0 {
			c.NativeDecimals = config.NativeDecimals
		}
		r.chains[c.Name] = c
		r.order = append(r.order, c.Name)
	}
	return r, nil
}

// GetChainConfig returns the configuration of a chain.
func (r *Registry) GetChainConfig(name models.Chain) (ChainConfig, error) {
	c, ok := r.chains[name]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %q", config.ErrUnknownChain, name)
	}
	return c, nil
}

// ListSupportedTokens returns the tokens configured on a chain, sorted.
func (r *Registry) ListSupportedTokens(name models.Chain) ([]models.Token, error) {
	c, err := r.GetChainConfig(name)
	if err != nil {
		return nil, err
	}
	tokens := make([]models.Token, 0, len(c.Tokens))
	for t := range c.Tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens, nil
}

// TokenContract returns the contract address of token on chain.
func (r *Registry) TokenContract(name models.Chain, token models.Token) (common.Address, error) {
	c, err := r.GetChainConfig(name)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := c.Tokens[token]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s on %s", config.ErrUnknownToken, token, name)
	}
	return addr, nil
}

// Chains returns chain names in registration order.
func (r *Registry) Chains() []models.Chain {
	out := make([]models.Chain, len(r.order))
	copy(out, r.order)
	return out
}

// ParseChain accepts a chain name in any case.
func ParseChain(s string) (models.Chain, error) {
	c := models.Chain(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range models.AllChains {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", config.ErrUnknownChain, s)
}

// ParseToken accepts a token symbol in any case.
func ParseToken(s string) (models.Token, error) {
	t := models.Token(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range models.AllTokens {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", config.ErrUnknownToken, s)
}
