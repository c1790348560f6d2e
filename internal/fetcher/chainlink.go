package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ContractCaller is the slice of ethclient the adapter needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain oracle adapter.
type ChainlinkOptions struct {
	RPCURL string
	// Feeds maps identifiers to AggregatorV3 proxy addresses.
	Feeds map[string]string
	// MaxAge rejects rounds last updated longer ago. Zero disables the check.
	MaxAge time.Duration
	Now    func() time.Time
}

// Chainlink reads USD prices from Chainlink aggregators over Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	caller    ContractCaller
	clientMux sync.Mutex

	decimalsMu sync.Mutex
	decimals   map[common.Address]int32
}

// NewChainlink builds the adapter. The RPC connection is dialled lazily.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_fetcher").Logger(),
		decimals: make(map[common.Address]int32),
	}
}

// NewChainlinkWithCaller builds the adapter on an existing caller.
func NewChainlinkWithCaller(opts ChainlinkOptions, caller ContractCaller, logger zerolog.Logger) *Chainlink {
	c := NewChainlink(opts, logger)
	c.caller = caller
	return c
}

func (c *Chainlink) Name() string { return NameChainlink }

// Fetch implements resolver.Source.
func (c *Chainlink) Fetch(ctx context.Context, identifier string) (float64, error) {
	feed, ok := c.opts.Feeds[identifier]
	if !ok || !common.IsHexAddress(feed) {
		return 0, NewConfigError(NameChainlink, "no aggregator configured for "+identifier)
	}
	addr := common.HexToAddress(feed)

	caller, err := c.getCaller(ctx)
	if err != nil {
		return 0, err
	}

	scale, err := c.feedDecimals(ctx, caller, addr)
	if err != nil {
		return 0, err
	}

	out, err := c.call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return 0, err
	}
	if len(out) != 5 {
		return 0, NewValidationError(NameChainlink, "unexpected latestRoundData response")
	}
	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return 0, NewValidationError(NameChainlink, "failed to decode latestRoundData output")
	}

	if c.opts.MaxAge > 0 {
		age := c.opts.Now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > c.opts.MaxAge {
			return 0, NewValidationError(NameChainlink, fmt.Sprintf("stale round for %s: updated %s ago", identifier, age.Truncate(time.Second)))
		}
	}

	return toValue(NameChainlink, decimal.NewFromBigInt(answer, -scale))
}

func (c *Chainlink) feedDecimals(ctx context.Context, caller ContractCaller, addr common.Address) (int32, error) {
	c.decimalsMu.Lock()
	d, ok := c.decimals[addr]
	c.decimalsMu.Unlock()
	if ok {
		return d, nil
	}

	out, err := c.call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, NewValidationError(NameChainlink, "unexpected decimals response")
	}
	raw, ok := out[0].(uint8)
	if !ok {
		return 0, NewValidationError(NameChainlink, "failed to decode decimals output")
	}

	c.decimalsMu.Lock()
	c.decimals[addr] = int32(raw)
	c.decimalsMu.Unlock()
	return int32(raw), nil
}

func (c *Chainlink) call(ctx context.Context, caller ContractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, ClassifyTransportError(NameChainlink, fmt.Errorf("call %s: %w", method, err))
	}
	out, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, &FetchError{Source: NameChainlink, Type: ErrorTypeValidation, Message: "unpack " + method, Cause: err}
	}
	return out, nil
}

func (c *Chainlink) getCaller(ctx context.Context) (ContractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, NewConfigError(NameChainlink, "ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, ClassifyTransportError(NameChainlink, err)
	}
	c.caller = client
	return client, nil
}

// Close drops the RPC connection if one was dialled.
func (c *Chainlink) Close() error {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if client, ok := c.caller.(*ethclient.Client); ok {
		client.Close()
	}
	c.caller = nil
	return nil
}

// Identifiers lists the identifiers with a configured feed.
func (c *Chainlink) Identifiers() []string {
	ids := make([]string, 0, len(c.opts.Feeds))
	for id := range c.opts.Feeds {
		ids = append(ids, id)
	}
	return ids
}
