package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"pricewatcher/internal/storage"
)

// Show prints recent samples and, optionally, recent source events.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListRecentSamples(ctx, opts.Identifier, opts.Limit)
	if err != nil {
		return err
	}
	writeSamplesTable(out, samples)

	if !opts.Events {
		return nil
	}
	events, err := store.ListRecentSourceEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	writeEventsTable(out, events)
	return nil
}

func writeSamplesTable(out io.Writer, samples []storage.PriceSample) {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tIdentifier\tValue\tSource\tCached\tObserved (UTC)")
	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			sample.Identifier,
			sample.Value.String(),
			sample.Source,
			sample.FromCache,
			sample.ObservedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func writeEventsTable(out io.Writer, events []storage.SourceEvent) {
	if len(events) == 0 {
		fmt.Fprintln(out, "no source events found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tKind\tFailures\tDisabled Until\tChannels")
	for _, ev := range events {
		until := "-"
		if ev.DisabledUntil != nil {
			until = ev.DisabledUntil.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\n",
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.Source,
			ev.Kind,
			ev.ConsecutiveFailures,
			until,
			strings.Join(ev.Channels, ","),
		)
	}
	writer.Flush()
}
