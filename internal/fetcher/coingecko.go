package fetcher

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"resty.dev/v3"
)

// CoinGeckoOptions parameterise the CoinGecko adapter.
type CoinGeckoOptions struct {
	HTTPOptions
	APIKey string
	// Platform is the asset platform used for contract lookups.
	Platform string
	// CoinIDs maps identifiers to CoinGecko coin ids. Mapped identifiers
	// are priced with /simple/price instead of the contract endpoint.
	CoinIDs map[string]string
}

// CoinGecko reads USD prices from CoinGecko.
type CoinGecko struct {
	opts   CoinGeckoOptions
	logger zerolog.Logger
	client *resty.Client
}

// NewCoinGecko constructs the adapter.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.Platform == "" {
		opts.Platform = "solana"
	}
	logger = logger.With().Str("component", "coingecko_fetcher").Logger()
	client := NewHTTPClient(opts.HTTPOptions, logger)
	if opts.APIKey != "" {
		client.SetHeader("x-cg-demo-api-key", opts.APIKey)
	}
	return &CoinGecko{opts: opts, logger: logger, client: client}
}

func (c *CoinGecko) Name() string { return NameCoinGecko }

// Fetch implements resolver.Source.
func (c *CoinGecko) Fetch(ctx context.Context, identifier string) (float64, error) {
	var payload map[string]map[string]decimal.Decimal

	req := c.client.R().SetContext(ctx).SetQueryParam("vs_currencies", "usd")
	key := identifier
	if coin, ok := c.opts.CoinIDs[identifier]; ok {
		key = coin
		req.SetQueryParam("ids", coin)
		if err := getJSON(req, NameCoinGecko, "/simple/price", &payload); err != nil {
			return 0, err
		}
	} else {
		req.SetQueryParam("contract_addresses", identifier).SetPathParam("platform", c.opts.Platform)
		if err := getJSON(req, NameCoinGecko, "/simple/token_price/{platform}", &payload); err != nil {
			return 0, err
		}
	}

	for k, quotes := range payload {
		if !strings.EqualFold(k, key) {
			continue
		}
		if usd, ok := quotes["usd"]; ok {
			return toValue(NameCoinGecko, usd)
		}
	}
	return 0, NewValidationError(NameCoinGecko, "no usd price for "+identifier)
}

// Close releases idle connections.
func (c *CoinGecko) Close() error { return c.client.Close() }
