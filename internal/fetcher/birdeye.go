package fetcher

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"resty.dev/v3"
)

// BirdeyeOptions parameterise the Birdeye adapter. The API rejects calls
// without a key.
type BirdeyeOptions struct {
	HTTPOptions
	APIKey string
	Chain  string
}

// Birdeye reads token prices from the Birdeye public API.
type Birdeye struct {
	opts   BirdeyeOptions
	logger zerolog.Logger
	client *resty.Client
}

// NewBirdeye constructs the adapter.
func NewBirdeye(opts BirdeyeOptions, logger zerolog.Logger) *Birdeye {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://public-api.birdeye.so"
	}
	if opts.Chain == "" {
		opts.Chain = "solana"
	}
	logger = logger.With().Str("component", "birdeye_fetcher").Logger()
	client := NewHTTPClient(opts.HTTPOptions, logger).
		SetHeader("X-API-KEY", opts.APIKey).
		SetHeader("x-chain", opts.Chain)
	return &Birdeye{opts: opts, logger: logger, client: client}
}

func (b *Birdeye) Name() string { return NameBirdeye }

// Fetch implements resolver.Source.
func (b *Birdeye) Fetch(ctx context.Context, identifier string) (float64, error) {
	if b.opts.APIKey == "" {
		return 0, NewConfigError(NameBirdeye, "api key not configured")
	}

	var payload struct {
		Success bool `json:"success"`
		Data    *struct {
			Value          decimal.Decimal `json:"value"`
			UpdateUnixTime int64           `json:"updateUnixTime"`
		} `json:"data"`
	}
	req := b.client.R().SetContext(ctx).SetQueryParam("address", identifier)
	if err := getJSON(req, NameBirdeye, "/defi/price", &payload); err != nil {
		return 0, err
	}

	if !payload.Success || payload.Data == nil {
		return 0, NewValidationError(NameBirdeye, "no price for "+identifier)
	}
	return toValue(NameBirdeye, payload.Data.Value)
}

// Close releases idle connections.
func (b *Birdeye) Close() error { return b.client.Close() }
