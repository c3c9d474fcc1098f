// Package feecatalog holds the per-token, per-exchange, per-network
// withdrawal metadata used for route selection.
package feecatalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"crossarb/internal/model"
)

// ErrUnsupportedFormat is returned for files that are not JSON, YAML or TOML.
var ErrUnsupportedFormat = errors.New("feecatalog: unsupported file format")

type routeKey struct {
	token    string
	exchange string
	network  string
}

type venueKey struct {
	token    string
	exchange string
}

// Catalog is an immutable lookup table built once per load.
type Catalog struct {
	routes  map[routeKey]model.NetworkRoute
	byVenue map[venueKey][]model.NetworkRoute
}

// entry is the on-disk shape of a single network.
type entry struct {
	Active            bool    `json:"active" yaml:"active" toml:"active"`
	DepositEnabled    bool    `json:"deposit_enabled" yaml:"deposit_enabled" toml:"deposit_enabled"`
	WithdrawEnabled   bool    `json:"withdraw_enabled" yaml:"withdraw_enabled" toml:"withdraw_enabled"`
	MinDeposit        float64 `json:"min_deposit" yaml:"min_deposit" toml:"min_deposit"`
	WithdrawFee       float64 `json:"withdraw_fee" yaml:"withdraw_fee" toml:"withdraw_fee"`
	MinWithdraw       float64 `json:"min_withdraw" yaml:"min_withdraw" toml:"min_withdraw"`
	WithdrawPrecision int32   `json:"withdraw_precision" yaml:"withdraw_precision" toml:"withdraw_precision"`
	Confirm           string  `json:"confirm" yaml:"confirm" toml:"confirm"`
}

// document is token -> exchange -> network -> entry.
type document struct {
	Tokens map[string]map[string]map[string]entry `json:"tokens" yaml:"tokens" toml:"tokens"`
}

// New builds a catalog from already-typed routes.
func New(routes []model.NetworkRoute) *Catalog {
	c := &Catalog{
		routes:  make(map[routeKey]model.NetworkRoute, len(routes)),
		byVenue: make(map[venueKey][]model.NetworkRoute),
	}
	for _, r := range routes {
		r.Token = normToken(r.Token)
		r.Exchange = normExchange(r.Exchange)
		r.Network = normNetwork(r.Network)
		c.routes[routeKey{r.Token, r.Exchange, r.Network}] = r
	}
	for k, r := range c.routes {
		vk := venueKey{k.token, k.exchange}
		c.byVenue[vk] = append(c.byVenue[vk], r)
	}
	for _, rs := range c.byVenue {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Network < rs[j].Network })
	}
	return c
}

// Load reads a catalog file. The format is chosen by extension.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feecatalog: read %s: %w", path, err)
	}
	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	case ".toml":
		err = toml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("feecatalog: parse %s: %w", path, err)
	}
	return fromDocument(doc)
}

func fromDocument(doc document) (*Catalog, error) {
	var routes []model.NetworkRoute
	for token, exchanges := range doc.Tokens {
		for exchange, networks := range exchanges {
			for network, e := range networks {
				if e.WithdrawFee < 0 || e.MinWithdraw < 0 || e.WithdrawPrecision < 0 {
					return nil, fmt.Errorf("feecatalog: %s/%s/%s: negative fee, minimum or precision", token, exchange, network)
				}
				routes = append(routes, model.NetworkRoute{
					Token:             token,
					Exchange:          exchange,
					Network:           network,
					Active:            e.Active,
					DepositEnabled:    e.DepositEnabled,
					WithdrawEnabled:   e.WithdrawEnabled,
					MinDeposit:        decimal.NewFromFloat(e.MinDeposit),
					WithdrawFee:       decimal.NewFromFloat(e.WithdrawFee),
					MinWithdraw:       decimal.NewFromFloat(e.MinWithdraw),
					WithdrawPrecision: e.WithdrawPrecision,
					Confirm:           model.ParseConfirmClass(e.Confirm),
				})
			}
		}
	}
	return New(routes), nil
}

// Lookup returns the route for token on exchange over network. The boolean is
// false when the catalog has no such entry.
func (c *Catalog) Lookup(token, exchange, network string) (model.NetworkRoute, bool) {
	r, ok := c.routes[routeKey{normToken(token), normExchange(exchange), normNetwork(network)}]
	return r, ok
}

// RoutesFor lists every network known for token on exchange, sorted by name.
func (c *Catalog) RoutesFor(token, exchange string) []model.NetworkRoute {
	rs := c.byVenue[venueKey{normToken(token), normExchange(exchange)}]
	out := make([]model.NetworkRoute, len(rs))
	copy(out, rs)
	return out
}

// CommonNetworks returns the networks listed for token on both exchanges.
func (c *Catalog) CommonNetworks(token, from, to string) []string {
	var out []string
	for _, r := range c.RoutesFor(token, from) {
		if _, ok := c.Lookup(token, to, r.Network); ok {
			out = append(out, r.Network)
		}
	}
	return out
}

// Len returns the number of routes.
func (c *Catalog) Len() int {
	return len(c.routes)
}

func normToken(s string) string    { return strings.ToUpper(strings.TrimSpace(s)) }
func normExchange(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
func normNetwork(s string) string  { return strings.ToUpper(strings.TrimSpace(s)) }
