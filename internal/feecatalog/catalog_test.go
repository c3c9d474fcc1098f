package feecatalog

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/model"
)

const yamlCatalog = `
tokens:
  USDT:
    binance:
      TRC20: {active: true, deposit_enabled: true, withdraw_enabled: true, withdraw_fee: 1, min_withdraw: 10, withdraw_precision: 6, confirm: fast}
      ERC20: {active: true, deposit_enabled: true, withdraw_enabled: false, withdraw_fee: 4.5, min_withdraw: 20, withdraw_precision: 6, confirm: slow}
    kraken:
      trc20: {active: true, deposit_enabled: true, withdraw_enabled: true, withdraw_fee: 2.5, min_withdraw: 5, withdraw_precision: 2, confirm: medium}
`

const tomlCatalog = `
[tokens.BTC.binance.BTC]
active = true
deposit_enabled = true
withdraw_enabled = true
withdraw_fee = 0.0002
min_withdraw = 0.001
withdraw_precision = 8
confirm = "medium"
`

const jsonCatalog = `{"tokens":{"ETH":{"okx":{"ARBITRUM":{"active":true,"deposit_enabled":true,"withdraw_enabled":true,"withdraw_fee":0.0001,"min_withdraw":0.01,"withdraw_precision":6,"confirm":"fast"}}}}}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Formats(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		c, err := Load(writeFile(t, "fees.yaml", yamlCatalog))
		require.NoError(t, err)
		assert.Equal(t, 3, c.Len())

		r, ok := c.Lookup("usdt", "BINANCE", "trc20")
		require.True(t, ok)
		assert.True(t, r.CanWithdraw())
		assert.True(t, decimal.NewFromInt(1).Equal(r.WithdrawFee))
		assert.Equal(t, model.ConfirmFast, r.Confirm)

		erc, ok := c.Lookup("USDT", "binance", "ERC20")
		require.True(t, ok)
		assert.False(t, erc.CanWithdraw())
	})

	t.Run("toml", func(t *testing.T) {
		c, err := Load(writeFile(t, "fees.toml", tomlCatalog))
		require.NoError(t, err)
		r, ok := c.Lookup("BTC", "binance", "BTC")
		require.True(t, ok)
		assert.Equal(t, "0.0002", r.WithdrawFee.String())
		assert.Equal(t, int32(8), r.WithdrawPrecision)
	})

	t.Run("json", func(t *testing.T) {
		c, err := Load(writeFile(t, "fees.json", jsonCatalog))
		require.NoError(t, err)
		r, ok := c.Lookup("ETH", "okx", "arbitrum")
		require.True(t, ok)
		assert.Equal(t, "0.0001", r.WithdrawFee.String())
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := Load(writeFile(t, "fees.csv", "a,b"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestCatalog_AbsentIsExplicit(t *testing.T) {
	c, err := Load(writeFile(t, "fees.yaml", yamlCatalog))
	require.NoError(t, err)

	_, ok := c.Lookup("USDT", "okx", "TRC20")
	assert.False(t, ok)
	assert.Empty(t, c.RoutesFor("DOGE", "binance"))
}

func TestCatalog_RoutesAndCommonNetworks(t *testing.T) {
	c, err := Load(writeFile(t, "fees.yaml", yamlCatalog))
	require.NoError(t, err)

	routes := c.RoutesFor("USDT", "binance")
	require.Len(t, routes, 2)
	assert.Equal(t, "ERC20", routes[0].Network)
	assert.Equal(t, "TRC20", routes[1].Network)

	assert.Equal(t, []string{"TRC20"}, c.CommonNetworks("USDT", "binance", "kraken"))
}

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, "fees.yaml", yamlCatalog)
	s, err := Open(path, slog.Default())
	require.NoError(t, err)
	require.Equal(t, 3, s.Catalog().Len())

	require.NoError(t, os.WriteFile(path, []byte("tokens: [not, a, map"), 0o600))
	assert.Error(t, s.Reload())
	assert.Equal(t, 3, s.Catalog().Len())

	_, ok := s.Lookup("USDT", "kraken", "TRC20")
	assert.True(t, ok)
}
