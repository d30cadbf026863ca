package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/banshee-data/coincidence.report/internal/config"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/metrics"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/plotting"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// captureOnce opens the configured source, takes one exposure and releases
// the source again.
func captureOnce(ctx context.Context, cfg *config.RunConfig, svc correlator.Service) (*timetag.Batch, string, error) {
	backend, source, err := openBackend(cfg, svc)
	if err != nil {
		return nil, "", err
	}
	defer closeBackend(backend)

	batch, err := backend.Capture(ctx, cfg.GetExposure())
	if err != nil {
		return nil, "", fmt.Errorf("failed to capture: %w", err)
	}
	return batch, source, nil
}

func runCount(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("count", "[flags]", stdout)
	f := addRunFlags(fs)
	plotDir := fs.String("plot", "", "write a singles plot to this directory")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.resolve()
	if err != nil {
		return err
	}
	svc := correlator.NewNative()
	batch, source, err := captureOnce(ctx, cfg, svc)
	if err != nil {
		return err
	}
	st, err := f.openSettings()
	if err != nil {
		return err
	}

	if *asJSON {
		if err := writeJSON(stdout, newCaptureReport(source, batch, nil, nil, nil)); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "%s, %.3fs\n", source, batch.DurationSec())
		if err := printSingles(stdout, batch, st); err != nil {
			return err
		}
	}

	if *plotDir != "" {
		p, err := plotting.Singles(batch, labeler(st))
		if err != nil {
			return err
		}
		return savePlots(stdout, *plotDir, []plotting.Figure{{Name: "singles", Plot: p}})
	}
	return nil
}

func runCoincide(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("coincide", "[flags]", stdout)
	f := addRunFlags(fs)
	plotDir := fs.String("plot", "", "write singles, coincidence and metric plots to this directory")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	saveDelays := fs.Bool("save-delays", false, "store the calibrated delays in the settings document")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.resolve()
	if err != nil {
		return err
	}
	svc := correlator.NewNative()
	batch, source, err := captureOnce(ctx, cfg, svc)
	if err != nil {
		return err
	}
	st, err := f.openSettings()
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
	res, err := p.Run(batch)
	if err != nil {
		return fmt.Errorf("failed to count coincidences: %w", err)
	}
	values, errs := metrics.NewDefaultRegistry().ComputeAll(res)

	if *saveDelays {
		if err := saveSpecDelays(st, specs); err != nil {
			log.Printf("warning: %v", err)
		}
	}

	if *asJSON {
		if err := writeJSON(stdout, newCaptureReport(source, batch, res, values, errs)); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "%s, %.3fs\n\n", source, batch.DurationSec())
		if err := printSingles(stdout, batch, st); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		if err := printCoincidences(stdout, res, st); err != nil {
			return err
		}
		if err := printMetrics(stdout, values, errs); err != nil {
			return err
		}
	}

	if *plotDir != "" {
		figs, err := plotting.Snapshot(batch, res, values, labeler(st))
		if err != nil {
			return err
		}
		return savePlots(stdout, *plotDir, figs)
	}
	return nil
}

// saveSpecDelays merges the pair delays of specs into the settings document.
func saveSpecDelays(st *settings.Store, specs []timetag.CoincidenceSpec) error {
	if st == nil {
		return errors.New("no settings document")
	}
	delays := st.Delays()
	for _, s := range specs {
		if d, ok := s.Delay(); ok {
			delays[s.Label()] = d
		}
	}
	if err := st.SetDelays(delays); err != nil {
		return fmt.Errorf("failed to save delays: %w", err)
	}
	return nil
}
