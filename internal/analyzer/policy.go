package analyzer

import (
	"strings"

	"crossarb/internal/config"
)

const wildcard = "*"

type pathRule struct {
	asset, buy, sell, network string
}

func (r pathRule) matches(asset, buy, sell, network string) bool {
	field := func(rule, v string) bool { return rule == wildcard || rule == v }
	return field(r.asset, asset) && field(r.buy, buy) && field(r.sell, sell) && field(r.network, network)
}

// Policy holds the operator's blacklists and network restrictions, already
// normalized: assets and networks upper case, exchanges lower case.
type Policy struct {
	assets     map[string]bool
	exchanges  map[string]bool
	paths      []pathRule
	restricted map[string]bool
	perAsset   map[string]map[string]bool
	forced     map[string]string
}

// NewPolicy normalizes the configured policy.
func NewPolicy(cfg config.PolicyConfig) Policy {
	p := Policy{
		assets:     make(map[string]bool),
		exchanges:  make(map[string]bool),
		restricted: make(map[string]bool),
		perAsset:   make(map[string]map[string]bool),
		forced:     make(map[string]string),
	}
	for _, a := range cfg.BlacklistAssets {
		p.assets[strings.ToUpper(a)] = true
	}
	for _, e := range cfg.BlacklistExchanges {
		p.exchanges[strings.ToLower(e)] = true
	}
	for _, r := range cfg.BlacklistPaths {
		rule := pathRule{
			asset:   strings.ToUpper(r.Asset),
			buy:     strings.ToLower(r.Buy),
			sell:    strings.ToLower(r.Sell),
			network: strings.ToUpper(r.Network),
		}
		for _, f := range []*string{&rule.asset, &rule.buy, &rule.sell, &rule.network} {
			if *f == "" {
				*f = wildcard
			}
		}
		p.paths = append(p.paths, rule)
	}
	for _, n := range cfg.RestrictedNetworks {
		p.restricted[strings.ToUpper(n)] = true
	}
	for asset, nets := range cfg.AssetRestrictions {
		set := make(map[string]bool, len(nets))
		for _, n := range nets {
			set[strings.ToUpper(n)] = true
		}
		p.perAsset[strings.ToUpper(asset)] = set
	}
	for asset, n := range cfg.ForcedNetworks {
		p.forced[strings.ToUpper(asset)] = strings.ToUpper(n)
	}
	return p
}

// AssetBlocked reports a blacklisted asset.
func (p Policy) AssetBlocked(asset string) bool {
	return p.assets[asset]
}

// ExchangeBlocked reports a blacklisted exchange.
func (p Policy) ExchangeBlocked(exchange string) bool {
	return p.exchanges[exchange]
}

// PathBlocked reports a blacklisted (asset, buy, sell, network) path.
func (p Policy) PathBlocked(asset, buy, sell, network string) bool {
	for _, r := range p.paths {
		if r.matches(asset, buy, sell, network) {
			return true
		}
	}
	return false
}

// NetworkRestricted reports a network excluded globally or for asset.
func (p Policy) NetworkRestricted(asset, network string) bool {
	return p.restricted[network] || p.perAsset[asset][network]
}

// Forced returns the network pinned for asset, if any.
func (p Policy) Forced(asset string) (string, bool) {
	n, ok := p.forced[asset]
	return n, ok
}
