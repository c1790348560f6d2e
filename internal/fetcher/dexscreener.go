package fetcher

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"resty.dev/v3"
)

// DexScreenerOptions parameterise the DexScreener adapter.
type DexScreenerOptions struct {
	HTTPOptions
	// ChainID filters pairs; defaults to solana.
	ChainID string
}

// DexScreener prices a token by its most liquid pair on one chain.
type DexScreener struct {
	opts   DexScreenerOptions
	logger zerolog.Logger
	client *resty.Client
}

// NewDexScreener constructs the adapter.
func NewDexScreener(opts DexScreenerOptions, logger zerolog.Logger) *DexScreener {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.dexscreener.com"
	}
	if opts.ChainID == "" {
		opts.ChainID = "solana"
	}
	logger = logger.With().Str("component", "dexscreener_fetcher").Logger()
	return &DexScreener{opts: opts, logger: logger, client: NewHTTPClient(opts.HTTPOptions, logger)}
}

func (d *DexScreener) Name() string { return NameDexScreener }

// Fetch implements resolver.Source.
func (d *DexScreener) Fetch(ctx context.Context, identifier string) (float64, error) {
	var payload dexTokensResponse
	req := d.client.R().SetContext(ctx).SetPathParam("token", identifier)
	if err := getJSON(req, NameDexScreener, "/latest/dex/tokens/{token}", &payload); err != nil {
		return 0, err
	}

	best, ok := payload.mostLiquid(d.opts.ChainID)
	if !ok {
		return 0, NewValidationError(NameDexScreener, "no "+d.opts.ChainID+" pairs for "+identifier)
	}
	price, err := decimal.NewFromString(best.PriceUSD)
	if err != nil {
		return 0, &FetchError{Source: NameDexScreener, Type: ErrorTypeValidation, Message: "parse priceUsd", Cause: err}
	}

	d.logger.Debug().Str("identifier", identifier).Str("pair", best.PairAddress).Str("price", price.String()).Msg("pair selected")
	return toValue(NameDexScreener, price)
}

// Close releases idle connections.
func (d *DexScreener) Close() error { return d.client.Close() }

type dexTokensResponse struct {
	Pairs []dexPair `json:"pairs"`
}

type dexPair struct {
	ChainID     string `json:"chainId"`
	PairAddress string `json:"pairAddress"`
	PriceUSD    string `json:"priceUsd"`
	Liquidity   *struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
}

func (p dexPair) liquidity() decimal.Decimal {
	if p.Liquidity == nil {
		return decimal.Zero
	}
	return p.Liquidity.USD
}

// mostLiquid picks the chain pair with the deepest USD liquidity. Pairs
// without a price are ignored.
func (r dexTokensResponse) mostLiquid(chain string) (dexPair, bool) {
	var (
		best  dexPair
		found bool
	)
	for _, p := range r.Pairs {
		if p.ChainID != chain || p.PriceUSD == "" {
			continue
		}
		if !found || p.liquidity().GreaterThan(best.liquidity()) {
			best, found = p, true
		}
	}
	return best, found
}
