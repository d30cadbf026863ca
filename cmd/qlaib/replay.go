package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/config"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/plotting"
	"github.com/banshee-data/coincidence.report/internal/recorder"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func runReplay(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("replay", "[flags] <file>", stdout)
	f := addRunFlags(fs)
	timeseries := fs.Bool("timeseries", false, "analyse the whole file in chunks instead of replaying it")
	chunkSec := fs.Float64("chunk", 0, "time-series chunk length in seconds (default: file bucket or exposure)")
	plotDir := fs.String("plots", "", "write plots to this directory")
	historyPoints := fs.Int("history", config.EmptyRunConfig().GetHistoryPoints(), "points kept per series for the summary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.resolve()
	if err != nil {
		return err
	}
	path := fs.Arg(0)
	if path == "" {
		path = cfg.GetDemoFile()
	}
	if path == "" {
		return errors.New("replay needs a file")
	}
	once := false
	cfg.DemoFile, cfg.Mock, cfg.Port, cfg.Loop = &path, &once, nil, &once

	svc := correlator.NewNative()
	st, err := f.openSettings()
	if err != nil {
		return err
	}
	if *timeseries {
		return replayTimeSeries(stdout, cfg, svc, st, path, *chunkSec, *plotDir)
	}

	backend, _, err := openBackend(cfg, svc)
	if err != nil {
		return err
	}
	defer closeBackend(backend)

	reg := metrics.NewDefaultRegistry()
	names := reg.Names()
	hist := history.NewBuffer(*historyPoints)
	var p *pipeline.Pipeline
	var elapsed float64
	n := 0

	tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "CHUNK\tT S\tEVENTS\tCOINC\t%s\n", strings.Join(names, "\t"))
	for batch, err := range acquisition.Stream(ctx, backend, cfg.GetExposure()) {
		if errors.Is(err, acquisition.ErrReplayExhausted) {
			break
		}
		if err != nil {
			return err
		}
		if p == nil {
			specs, err := buildSpecs(cfg, svc, batch, st)
			if err != nil {
				return fmt.Errorf("failed to build coincidence specs: %w", err)
			}
			if p, err = pipeline.New(svc, specs); err != nil {
				return err
			}
		}
		res, err := p.Run(batch)
		if err != nil {
			return fmt.Errorf("failed to count chunk %d: %w", n+1, err)
		}
		values, errs := reg.ComputeAll(res)
		for _, e := range errs {
			log.Printf("[Replay] chunk %d: %v", n+1, e)
		}
		n++
		elapsed += batch.DurationSec()
		hist.Append(elapsed, batch.Counts(), res, values)

		fmt.Fprintf(tw, "%d\t%.2f\t%d\t%d", n, elapsed, batch.TotalEvents(), res.Total())
		for _, name := range names {
			fmt.Fprintf(tw, "\t%s", formatValue(metricValue(values, name), 4))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no detections in %s", path)
	}

	fmt.Fprintf(stdout, "\n%d chunks, %.2fs\n", n, elapsed)
	tw = tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "METRIC\tN\tMEAN\tSTD\n")
	for _, name := range hist.MetricNames() {
		s := history.Summarize(hist.Metric(name))
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", name, s.N, formatValue(s.Mean, 4), formatValue(s.StdDev, 4))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *plotDir != "" {
		figs, err := plotting.History(hist.Snapshot(), labeler(st))
		if err != nil {
			return err
		}
		return savePlots(stdout, *plotDir, figs)
	}
	return nil
}

// replayTimeSeries loads the whole file and runs the pipeline over
// consecutive chunks of it.
func replayTimeSeries(stdout io.Writer, cfg *config.RunConfig, svc correlator.Service, st *settings.Store, path string, chunkSec float64, plotDir string) error {
	if strings.EqualFold(filepath.Ext(path), recorder.Extension) {
		return fmt.Errorf("time-series analysis needs a BIN or CSV file, got %s", path)
	}
	bucket := chunkSec
	if bucket <= 0 {
		bucket = cfg.GetExposure().Seconds()
	}
	batch, err := svc.ReadFile(path, bucket)
	if err != nil {
		return err
	}

	specs, err := buildSpecs(cfg, svc, batch, st)
	if err != nil {
		return fmt.Errorf("failed to build coincidence specs: %w", err)
	}
	p, err := pipeline.New(svc, specs)
	if err != nil {
		return err
	}
	ts, err := p.TimeSeries(batch, chunkSec, metrics.NewDefaultRegistry())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "T S\tSINGLES\tCOINC\t%s\n", strings.Join(ts.MetricNames, "\t"))
	for i, t := range ts.Times {
		var singles, coinc float64
		for _, ch := range ts.Channels {
			singles += ts.Singles[ch][i]
		}
		for _, label := range ts.Labels {
			coinc += ts.Coincidences[label][i]
		}
		fmt.Fprintf(tw, "%.2f\t%.0f\t%.0f", t, singles, coinc)
		for _, name := range ts.MetricNames {
			fmt.Fprintf(tw, "\t%s", formatValue(ts.Metrics[name][i], 4))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n%d chunks of %.3fs\n", ts.Len(), ts.ChunkSec)

	if plotDir != "" {
		figs, err := plotting.TimeSeries(ts, labeler(st))
		if err != nil {
			return err
		}
		return savePlots(stdout, plotDir, figs)
	}
	return nil
}

func metricValue(values []timetag.MetricValue, name string) float64 {
	for _, v := range values {
		if v.Name == name {
			return v.Value
		}
	}
	return math.NaN()
}
