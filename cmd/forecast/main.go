// Command forecast はデータセットファイルを読み込み、地域ごとの電力需要予測を表形式で出力します。
//
//	forecast --file data.csv --horizon 30 --unit days --region cal_mw --metric peak
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"energycast/pkg/logging"
	"energycast/pkg/models"
	"energycast/pkg/services"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type options struct {
	file     string
	horizon  int
	unit     string
	region   string
	metric   string
	interval string
	workers  int
	timeout  time.Duration
	logLevel string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("forecast", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVarP(&opts.file, "file", "f", os.Getenv("ENERGYCAST_DATASET_PATH"), "dataset file (CSV or XLSX)")
	fs.IntVarP(&opts.horizon, "horizon", "n", 30, "number of steps to forecast")
	fs.StringVarP(&opts.unit, "unit", "u", "days", "horizon unit: days or hours")
	fs.StringVarP(&opts.region, "region", "r", "", "region to forecast (default: all regions)")
	fs.StringVarP(&opts.metric, "metric", "m", "average", "summary metric: average, total or peak")
	fs.StringVar(&opts.interval, "interval", "", "force the series interval: hourly or daily")
	fs.IntVar(&opts.workers, "workers", 4, "number of regions fitted in parallel")
	fs.DurationVar(&opts.timeout, "fit-timeout", 20*time.Second, "time limit for a single model fit")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.file == "" {
		return nil, errors.New("--file is required")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	unit, err := services.ParseHorizonUnit(opts.unit)
	if err != nil {
		return err
	}
	var interval models.Interval
	if opts.interval != "" {
		if interval, err = models.ParseInterval(opts.interval); err != nil {
			return err
		}
	}
	if _, err := services.SummaryMetric(models.ForecastSummary{}, opts.metric); err != nil {
		return err
	}

	cfg := services.DefaultServiceConfig()
	cfg.Workers = opts.workers
	cfg.Engine.FitTimeout = opts.timeout
	if opts.horizon > cfg.MaxHorizon {
		cfg.MaxHorizon = opts.horizon
	}
	svc := services.NewForecastService(cfg, nil, nil, logging.NewWithOutput(opts.logLevel, "development", stderr))

	ds, err := svc.PrepareFile(ctx, opts.file, interval)
	if err != nil {
		return err
	}
	printDataset(stdout, ds)

	var results []models.RegionForecastResult
	if opts.region != "" {
		fc, err := svc.Forecast(ctx, ds.ID, opts.region, opts.horizon, unit)
		if err != nil {
			return err
		}
		summary := services.Summarize(fc)
		results = []models.RegionForecastResult{{Region: opts.region, Forecast: fc, Summary: &summary}}
	} else {
		batch, err := svc.ForecastAll(ctx, ds.ID, opts.horizon, unit)
		if err != nil {
			return err
		}
		results = batch.Results
	}

	return printResults(stdout, results, opts.metric)
}

func printDataset(w io.Writer, ds *services.PreparedDataset) {
	roles := ds.Classification.Roles
	fmt.Fprintf(w, "dataset:  %s (%s)\n", ds.Name, ds.ID[:12])
	fmt.Fprintf(w, "time:     %s\n", roles.TimeColumn)
	fmt.Fprintf(w, "demand:   %s\n", strings.Join(roles.DemandColumns, ", "))
	if roles.HasRegion() {
		fmt.Fprintf(w, "region:   %s\n", roles.RegionColumn)
	}
	fmt.Fprintf(w, "interval: %s\n", ds.Series.Interval)
	fmt.Fprintf(w, "regions:  %s\n\n", strings.Join(ds.Series.Regions(), ", "))
}

func printResults(w io.Writer, results []models.RegionForecastResult, metric string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "REGION\tTIMESTAMP\tFORECAST_MW\n")
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(tw, "%s\t-\tskipped: %s\n", r.Region, r.Error)
			continue
		}
		for _, p := range r.Forecast.Points {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\n", r.Region, p.Timestamp.Format(time.RFC3339), p.Value)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "REGION\t%s\n", strings.ToUpper(metric))
	for _, r := range results {
		if r.Summary == nil {
			continue
		}
		v, err := services.SummaryMetric(*r.Summary, metric)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%.2f\n", r.Region, v)
	}
	return tw.Flush()
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
