package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
)

const solUSDFeed = "0x4ffC43a60e009B551865A93d232E33Fce9f01507"

type fakeAggregator struct {
	answer    *big.Int
	updatedAt time.Time
	decimals  uint8
	err       error
	calls     map[string]int
}

func (f *fakeAggregator) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	method, err := aggregatorV3ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method.Name]++

	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	default:
		return method.Outputs.Pack(
			big.NewInt(1),
			f.answer,
			big.NewInt(f.updatedAt.Unix()),
			big.NewInt(f.updatedAt.Unix()),
			big.NewInt(1),
		)
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	c := NewChainlink(ChainlinkOptions{}, noopLogger())
	if _, err := c.Fetch(context.Background(), solMint); !IsType(err, ErrorTypeConfig) {
		t.Fatalf("未配置 feed 时应报错, got %v", err)
	}

	c = NewChainlink(ChainlinkOptions{Feeds: map[string]string{solMint: solUSDFeed}}, noopLogger())
	if _, err := c.Fetch(context.Background(), solMint); !IsType(err, ErrorTypeConfig) {
		t.Fatalf("未配置 RPC 时应报错, got %v", err)
	}
}

func TestChainlinkScalesAnswer(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := &fakeAggregator{answer: big.NewInt(18_542_000_000), updatedAt: now.Add(-time.Minute), decimals: 8}
	c := NewChainlinkWithCaller(ChainlinkOptions{
		Feeds:  map[string]string{solMint: solUSDFeed},
		MaxAge: time.Hour,
		Now:    func() time.Time { return now },
	}, agg, noopLogger())

	for i := 0; i < 2; i++ {
		got, err := c.Fetch(context.Background(), solMint)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if got != 185.42 {
			t.Fatalf("expected 185.42, got %v", got)
		}
	}
	if agg.calls["decimals"] != 1 {
		t.Fatalf("decimals should be read once, got %d", agg.calls["decimals"])
	}
}

func TestChainlinkRejectsStaleRound(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	agg := &fakeAggregator{answer: big.NewInt(100_000_000), updatedAt: now.Add(-2 * time.Hour), decimals: 8}
	c := NewChainlinkWithCaller(ChainlinkOptions{
		Feeds:  map[string]string{solMint: solUSDFeed},
		MaxAge: time.Hour,
		Now:    func() time.Time { return now },
	}, agg, noopLogger())

	if _, err := c.Fetch(context.Background(), solMint); !IsType(err, ErrorTypeValidation) {
		t.Fatalf("stale round should fail validation, got %v", err)
	}
}

func TestChainlinkRejectsNonPositiveAnswer(t *testing.T) {
	agg := &fakeAggregator{answer: big.NewInt(-5), updatedAt: time.Now(), decimals: 8}
	c := NewChainlinkWithCaller(ChainlinkOptions{Feeds: map[string]string{solMint: solUSDFeed}}, agg, noopLogger())
	if _, err := c.Fetch(context.Background(), solMint); !IsType(err, ErrorTypeValidation) {
		t.Fatalf("negative answer should fail validation, got %v", err)
	}
}

func TestChainlinkRPCError(t *testing.T) {
	agg := &fakeAggregator{err: errors.New("connection reset")}
	c := NewChainlinkWithCaller(ChainlinkOptions{Feeds: map[string]string{solMint: solUSDFeed}}, agg, noopLogger())
	if _, err := c.Fetch(context.Background(), solMint); !IsType(err, ErrorTypeNetwork) {
		t.Fatalf("rpc failure should be a network error, got %v", err)
	}
}
