package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"pricewatcher/internal/resolver"
	"pricewatcher/internal/service"
)

type resolveOutput struct {
	Results []resolveEntry                   `json:"results"`
	Health  map[string]resolver.SourceStatus `json:"health,omitempty"`
}

type resolveEntry struct {
	Identifier string `json:"identifier"`
	resolver.ValueResult
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// Resolve resolves identifiers once and writes the results as JSON.
func (a *App) Resolve(ctx context.Context, opts ResolveOptions, out io.Writer) error {
	if len(opts.Identifiers) == 0 {
		return fmt.Errorf("at least one identifier is required")
	}

	eng, err := a.newEngine(nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	svc := service.New(service.Options{Workers: a.Config.Watch.Workers}, nil, eng.front, nil, a.Logger)
	outcomes, err := svc.ResolveAll(ctx, opts.Identifiers)
	if err != nil {
		return err
	}

	report := resolveOutput{Results: make([]resolveEntry, 0, len(outcomes))}
	rejected := 0
	for _, o := range outcomes {
		entry := resolveEntry{Identifier: o.Identifier, ValueResult: o.Result, Resolved: o.Err == nil && o.Result.IsResolved()}
		if o.Err != nil {
			entry.Error = o.Err.Error()
			rejected++
		}
		report.Results = append(report.Results, entry)
	}
	if opts.Health {
		report.Health = eng.resolver.HealthStatus()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if rejected > 0 {
		return fmt.Errorf("%d identifier(s) rejected", rejected)
	}
	return nil
}
