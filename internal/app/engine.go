package app

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"pricewatcher/internal/config"
	"pricewatcher/internal/fetcher"
	"pricewatcher/internal/resolver"
)

type closableSource interface {
	resolver.Source
	io.Closer
}

// engine is a configured resolver plus the adapters it owns.
type engine struct {
	resolver *resolver.Resolver
	// front is the resolver, or a coalescer wrapping it.
	front   resolver.ValueResolver
	sources map[string]closableSource
}

func (e *engine) Close() error {
	var errs []error
	for _, src := range e.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", src.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) newEngine(observer resolver.Observer) (*engine, error) {
	rc := a.Config.Resolver
	fixed, err := resolver.NewFixedTable(rc.FixedTag, rc.FixedTable())
	if err != nil {
		return nil, err
	}

	res := resolver.New(resolver.Options{
		CacheTTL:         rc.CacheTTL,
		MaxCacheSize:     rc.MaxCacheSize,
		FailureThreshold: rc.FailureThreshold,
		BaseBackoff:      rc.BaseBackoff,
		MaxBackoff:       rc.MaxBackoff,
		RequestTimeout:   rc.RequestTimeout,
		Fixed:            fixed,
		Observer:         observer,
	}, a.Logger)

	eng := &engine{resolver: res, front: res, sources: make(map[string]closableSource)}

	for _, name := range a.Config.Sources.Order {
		src, ok := a.source(eng, name)
		if !ok {
			continue
		}
		if err := res.Register(src); err != nil {
			eng.Close()
			return nil, err
		}
	}

	for _, pin := range rc.Pinned {
		src, ok := a.source(eng, pin.Source)
		if !ok {
			a.Logger.Warn().Str("identifier", pin.Identifier).Str("source", pin.Source).Msg("pinned source unavailable; pin ignored")
			continue
		}
		if err := res.Pin(pin.Identifier, src); err != nil {
			eng.Close()
			return nil, err
		}
	}

	if len(res.Sources()) == 0 {
		a.Logger.Warn().Msg("no general sources enabled; only fixed values and pins will resolve")
	}
	if rc.Coalesce {
		// a full scan: the pinned source plus every general one
		scan := time.Duration(len(res.Sources())+1) * rc.RequestTimeout
		eng.front = resolver.NewCoalescer(res, scan)
	}
	return eng, nil
}

// source returns the adapter for name, building it on first use so a
// pinned source and a general one share an instance.
func (a *App) source(eng *engine, name string) (closableSource, bool) {
	if src, ok := eng.sources[name]; ok {
		return src, true
	}
	src, reason := a.buildSource(name)
	if src == nil {
		a.Logger.Warn().Str("source", name).Str("reason", reason).Msg("source skipped")
		return nil, false
	}
	eng.sources[name] = src
	return src, true
}

func httpOptions(sc config.SourceConfig) fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		BaseURL:   sc.BaseURL,
		Timeout:   sc.Timeout,
		Retries:   sc.Retries,
		UserAgent: sc.UserAgent,
	}
}

func (a *App) buildSource(name string) (closableSource, string) {
	sc := a.Config.Sources
	switch name {
	case config.SourceDexScreener:
		if !sc.DexScreener.Enabled {
			return nil, "disabled"
		}
		return fetcher.NewDexScreener(fetcher.DexScreenerOptions{
			HTTPOptions: httpOptions(sc.DexScreener.SourceConfig),
			ChainID:     sc.DexScreener.ChainID,
		}, a.Logger), ""

	case config.SourceJupiter:
		if !sc.Jupiter.Enabled {
			return nil, "disabled"
		}
		return fetcher.NewJupiter(fetcher.JupiterOptions{
			HTTPOptions: httpOptions(sc.Jupiter),
			APIKey:      sc.Jupiter.APIKey,
		}, a.Logger), ""

	case config.SourceBirdeye:
		if !sc.Birdeye.Enabled {
			return nil, "disabled"
		}
		if sc.Birdeye.APIKey == "" {
			return nil, "api_key not configured"
		}
		return fetcher.NewBirdeye(fetcher.BirdeyeOptions{
			HTTPOptions: httpOptions(sc.Birdeye.SourceConfig),
			APIKey:      sc.Birdeye.APIKey,
			Chain:       sc.Birdeye.Chain,
		}, a.Logger), ""

	case config.SourceCoinGecko:
		if !sc.CoinGecko.Enabled {
			return nil, "disabled"
		}
		coins := make(map[string]string, len(sc.CoinGecko.CoinIDs))
		for _, c := range sc.CoinGecko.CoinIDs {
			coins[c.Identifier] = c.Coin
		}
		return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
			HTTPOptions: httpOptions(sc.CoinGecko.SourceConfig),
			APIKey:      sc.CoinGecko.APIKey,
			Platform:    sc.CoinGecko.Platform,
			CoinIDs:     coins,
		}, a.Logger), ""

	case config.SourceChainlink:
		if !sc.Chainlink.Enabled {
			return nil, "disabled"
		}
		feeds := make(map[string]string, len(sc.Chainlink.Feeds))
		for _, f := range sc.Chainlink.Feeds {
			feeds[f.Identifier] = f.Address
		}
		return fetcher.NewChainlink(fetcher.ChainlinkOptions{
			RPCURL: sc.Chainlink.RPCURL,
			Feeds:  feeds,
			MaxAge: sc.Chainlink.MaxAge,
		}, a.Logger), ""

	case config.SourceCow:
		if !sc.Cow.Enabled {
			return nil, "disabled"
		}
		tokens := make(map[string]fetcher.CowToken, len(sc.Cow.Tokens))
		for _, t := range sc.Cow.Tokens {
			tokens[t.Identifier] = fetcher.CowToken{Address: t.Address, Decimals: t.Decimals}
		}
		return fetcher.NewCow(fetcher.CowOptions{
			HTTPOptions:  httpOptions(sc.Cow.SourceConfig),
			PriceQuality: sc.Cow.PriceQuality,
			Notional:     decimal.NewFromFloat(sc.Cow.Notional),
			Quote:        fetcher.CowToken{Address: sc.Cow.QuoteToken, Decimals: sc.Cow.QuoteDecimals},
			Tokens:       tokens,
		}, a.Logger), ""
	}
	return nil, "unknown source"
}
