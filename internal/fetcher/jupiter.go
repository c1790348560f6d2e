package fetcher

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"resty.dev/v3"
)

// JupiterOptions parameterise the Jupiter price adapter.
type JupiterOptions struct {
	HTTPOptions
	APIKey string
}

// Jupiter reads prices from the Jupiter price API.
type Jupiter struct {
	opts   JupiterOptions
	logger zerolog.Logger
	client *resty.Client
}

// NewJupiter constructs the adapter.
func NewJupiter(opts JupiterOptions, logger zerolog.Logger) *Jupiter {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://lite-api.jup.ag/price/v2"
	}
	logger = logger.With().Str("component", "jupiter_fetcher").Logger()
	client := NewHTTPClient(opts.HTTPOptions, logger)
	if opts.APIKey != "" {
		client.SetHeader("x-api-key", opts.APIKey)
	}
	return &Jupiter{opts: opts, logger: logger, client: client}
}

func (j *Jupiter) Name() string { return NameJupiter }

// Fetch implements resolver.Source.
func (j *Jupiter) Fetch(ctx context.Context, identifier string) (float64, error) {
	var payload struct {
		Data map[string]*struct {
			ID    string          `json:"id"`
			Price decimal.Decimal `json:"price"`
		} `json:"data"`
	}
	req := j.client.R().SetContext(ctx).SetQueryParam("ids", identifier)
	if err := getJSON(req, NameJupiter, "", &payload); err != nil {
		return 0, err
	}

	entry := payload.Data[identifier]
	if entry == nil {
		return 0, NewValidationError(NameJupiter, "no price for "+identifier)
	}
	return toValue(NameJupiter, entry.Price)
}

// Close releases idle connections.
func (j *Jupiter) Close() error { return j.client.Close() }
