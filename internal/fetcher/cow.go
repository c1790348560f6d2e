package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"resty.dev/v3"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

// CowToken describes an ERC-20 the CoW adapter can price.
type CowToken struct {
	Address  string
	Decimals int32
}

// CowOptions parameterise the CoW Protocol quote adapter.
type CowOptions struct {
	HTTPOptions
	PriceQuality string
	// Notional is the amount of the priced token sold in each quote.
	Notional decimal.Decimal
	// Quote is the token the price is expressed in, usually USDC.
	Quote CowToken
	// Tokens maps identifiers to sellable tokens. Identifiers that look
	// like addresses but are not listed are assumed to have 18 decimals.
	Tokens map[string]CowToken
	Now    func() time.Time
}

// Cow derives a price from a CoW Protocol sell quote.
type Cow struct {
	opts   CowOptions
	logger zerolog.Logger
	client *resty.Client
}

// NewCow constructs the adapter.
func NewCow(opts CowOptions, logger zerolog.Logger) *Cow {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.cow.fi/mainnet/api/v1"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger = logger.With().Str("component", "cow_fetcher").Logger()
	client := NewHTTPClient(opts.HTTPOptions, logger).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-AppId", "pricewatcher")
	return &Cow{opts: opts, logger: logger, client: client}
}

func (m *Cow) Name() string { return NameCow }

// Fetch implements resolver.Source: price = bought quote units / sold units.
func (m *Cow) Fetch(ctx context.Context, identifier string) (float64, error) {
	if !m.opts.Notional.IsPositive() {
		return 0, NewConfigError(NameCow, "notional must be greater than zero")
	}
	if m.opts.Quote.Address == "" {
		return 0, NewConfigError(NameCow, "quote token address required")
	}

	sell, ok := m.opts.Tokens[identifier]
	if !ok {
		if !strings.HasPrefix(identifier, "0x") || len(identifier) != len(zeroAddressHex) {
			return 0, NewConfigError(NameCow, "no token configured for "+identifier)
		}
		sell = CowToken{Address: identifier, Decimals: 18}
	}

	sellAtoms := m.opts.Notional.Shift(sell.Decimals).Round(0)
	if sellAtoms.IsZero() {
		return 0, NewConfigError(NameCow, "sell amount rounded to zero")
	}

	reqPayload := quoteRequest{
		SellToken:           sell.Address,
		BuyToken:            m.opts.Quote.Address,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"pricewatcher","metadata":{}}`,
		PriceQuality:        m.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(m.opts.Now().Add(5 * time.Minute).Unix()),
	}

	var quoteRes quoteResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(reqPayload).
		SetExpectResponseContentType("application/json").
		SetResult(&quoteRes).
		Post(cowQuotePath)
	if err != nil {
		return 0, ClassifyTransportError(NameCow, err)
	}
	if !resp.IsSuccess() {
		return 0, parseHTTPError(resp.StatusCode(), resp.Bytes())
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return 0, &FetchError{Source: NameCow, Type: ErrorTypeValidation, Message: "parse buy amount", Cause: err}
	}
	if buyAtoms.IsZero() {
		return 0, NewValidationError(NameCow, "buy amount returned zero")
	}

	bought := buyAtoms.Shift(-m.opts.Quote.Decimals)
	price := bought.Div(m.opts.Notional)

	m.logger.Debug().
		Str("identifier", identifier).
		Str("price", price.String()).
		Str("quality", quoteRes.PriceQuality).
		Msg("quote received")
	return toValue(NameCow, price)
}

// Close releases idle connections.
func (m *Cow) Close() error { return m.client.Close() }

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			msg = apiErr.Description
		case apiErr.Message != "":
			msg = apiErr.Message
		case apiErr.ErrorType != "":
			msg = apiErr.ErrorType
		}
	}
	fe := ClassifyHTTPError(NameCow, status, msg)
	if fe.Message == "" {
		fe.Message = fmt.Sprintf("cow api error (%d)", status)
	}
	return fe
}
