// Command brokerctl runs one-shot broker queries and inspects the failure journal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/brokerdata/internal/control"
	"github.com/vietddude/brokerdata/internal/core/config"
	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
	"github.com/vietddude/brokerdata/internal/infra/storage"
)

const usage = `usage: brokerctl [-config path] [-debug] <command> [flags]

commands:
  query     run a single query and print the record as JSON
  failures  list recent entries of the failure journal
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found")
	}

	level := slog.LevelWarn
	if *isDebug {
		level = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{Level: level, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var run func(context.Context, *control.Service, []string) error
	switch cmd := flag.Arg(0); cmd {
	case "query":
		run = runQuery
	case "failures":
		run = runFailures
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	svc, err := control.NewService(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}

	err = run(ctx, svc, flag.Args()[1:])
	_ = svc.Close()
	cancel()
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func runQuery(ctx context.Context, svc *control.Service, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	kind := fs.String("kind", string(domain.KindQuote), "QUOTE, HISTORICAL_BAR or INSTRUMENT_META")
	brokerHint := fs.String("broker", "", "Preferred broker id")
	interval := fs.String("interval", "", "Bar interval (historical queries)")
	from := fs.String("from", "", "Range start, RFC 3339 or YYYY-MM-DD (historical queries)")
	to := fs.String("to", "", "Range end, RFC 3339 or YYYY-MM-DD (historical queries)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("query takes exactly one instrument id, e.g. NSE:RELIANCE")
	}

	q := domain.Query{
		InstrumentID: fs.Arg(0),
		Kind:         domain.QueryKind(*kind),
		Interval:     domain.BarInterval(*interval),
		BrokerHint:   domain.BrokerID(*brokerHint),
	}
	if *from != "" || *to != "" {
		start, err := parseTime(*from)
		if err != nil {
			return err
		}
		end, err := parseTime(*to)
		if err != nil {
			return err
		}
		q.Range = &domain.TimeRange{Start: start, End: end}
	}

	rec, err := svc.Client().Query(ctx, q)
	if err != nil {
		printAttempts(err)
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runFailures(ctx context.Context, svc *control.Service, args []string) error {
	fs := flag.NewFlagSet("failures", flag.ExitOnError)
	brokerID := fs.String("broker", "", "Only show this broker")
	errorKind := fs.String("error-kind", "", "Only show this error kind")
	since := fs.Duration("since", 0, "Only show entries newer than this, e.g. 24h")
	limit := fs.Int("limit", 20, "Maximum number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	journal := svc.Journal()
	if journal == nil {
		return fmt.Errorf("failure journal is disabled")
	}

	filter := storage.FailedQueryFilter{
		Broker:    domain.BrokerID(*brokerID),
		ErrorKind: *errorKind,
		Limit:     *limit,
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	list, err := journal.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list failures: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tBROKER\tKIND\tINSTRUMENT\tERROR\tATTEMPTS\tID")
	for _, fq := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			fq.CreatedAt.In(domain.IST).Format(time.DateTime),
			fq.Broker, fq.Kind, fq.InstrumentID, fq.ErrorKind, len(fq.Attempts), fq.ID)
	}
	return w.Flush()
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, domain.IST)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t, nil
}

// printAttempts writes the attempt history of a failed call to stderr.
func printAttempts(err error) {
	var ce *routing.CallError
	if !errors.As(err, &ce) {
		return
	}
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(w, "call %s via %s\n", ce.CallID, ce.Broker)
	_, _ = fmt.Fprintln(w, "#\tKIND\tLATENCY\tDELAY\tCAUSE")
	for _, a := range ce.Attempts {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.Number, a.Kind, a.Latency, a.Delay, a.Cause)
	}
	_ = w.Flush()
}
