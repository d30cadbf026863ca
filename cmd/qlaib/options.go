package main

import (
	"fmt"
	"io"
	"log"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/calibration"
	"github.com/banshee-data/coincidence.report/internal/config"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/qutag"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// mockPairedFraction is the share of like-basis detections mirrored onto
// the partner channel by the mock source.
const mockPairedFraction = 0.3

// runFlags are the acquisition and counting flags shared by every capture
// command. Flags override the YAML file given with --config.
type runFlags struct {
	fs *pflag.FlagSet

	configPath   string
	settingsPath string

	exposure        time.Duration
	mock            bool
	demoFile        string
	port            string
	baudRate        int
	seed            uint64
	loop            bool
	windowPs        float64
	tripletWindowPs float64
	useDefaultSpecs bool
	autoCalibrate   bool
	delayStartPs    float64
	delayEndPs      float64
	delayStepPs     float64
}

func newFlagSet(name, usage string, stdout io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.Usage = func() {
		fmt.Fprintf(stdout, "Usage: qlaib %s %s\n\nFlags:\n", name, usage)
		fs.PrintDefaults()
	}
	return fs
}

func addRunFlags(fs *pflag.FlagSet) *runFlags {
	d := config.EmptyRunConfig()
	f := &runFlags{fs: fs}
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML run configuration (see "+config.DefaultConfigPath+")")
	fs.StringVar(&f.settingsPath, "settings", "", "settings document (default ~/.qlaiblib/settings.json)")
	fs.DurationVarP(&f.exposure, "exposure", "e", d.GetExposure(), "exposure per capture")
	fs.BoolVar(&f.mock, "mock", d.GetMock(), "use the synthetic source")
	fs.StringVar(&f.demoFile, "demo-file", d.GetDemoFile(), "replay a BIN, CSV or .qrec file")
	fs.StringVar(&f.port, "port", d.GetPort(), "serial port of the quTAG control bridge")
	fs.IntVar(&f.baudRate, "baud", d.GetBaudRate(), "serial baud rate")
	fs.Uint64Var(&f.seed, "seed", d.GetSeed(), "seed of the synthetic source")
	fs.BoolVar(&f.loop, "loop", d.GetLoop(), "restart a replayed file after its last chunk")
	fs.Float64Var(&f.windowPs, "window", d.GetWindowPs(), "pair coincidence window in ps")
	fs.Float64Var(&f.tripletWindowPs, "triplet-window", d.GetTripletWindowPs(), "triplet coincidence window in ps")
	fs.BoolVar(&f.useDefaultSpecs, "use-default-specs", d.GetUseDefaultSpecs(), "count the default pairs with zero delay instead of calibrating")
	fs.BoolVar(&f.autoCalibrate, "auto-calibrate", d.GetAutoCalibrate(), "find pair delays on the first capture")
	fs.Float64Var(&f.delayStartPs, "delay-start", d.GetDelayStartPs(), "delay scan start in ps")
	fs.Float64Var(&f.delayEndPs, "delay-end", d.GetDelayEndPs(), "delay scan end in ps")
	fs.Float64Var(&f.delayStepPs, "delay-step", d.GetDelayStepPs(), "delay scan step in ps")
	return f
}

func override[T any](fs *pflag.FlagSet, name string, dst **T, v T) {
	if fs.Changed(name) {
		*dst = &v
	}
}

// resolve merges the config file and any flags set on the command line.
func (f *runFlags) resolve() (*config.RunConfig, error) {
	cfg := config.EmptyRunConfig()
	if f.configPath != "" {
		loaded, err := config.LoadRunConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	exposure := f.exposure.String()
	override(f.fs, "exposure", &cfg.Exposure, exposure)
	override(f.fs, "mock", &cfg.Mock, f.mock)
	override(f.fs, "demo-file", &cfg.DemoFile, f.demoFile)
	override(f.fs, "port", &cfg.Port, f.port)
	override(f.fs, "baud", &cfg.BaudRate, f.baudRate)
	override(f.fs, "seed", &cfg.Seed, f.seed)
	override(f.fs, "loop", &cfg.Loop, f.loop)
	override(f.fs, "window", &cfg.WindowPs, f.windowPs)
	override(f.fs, "triplet-window", &cfg.TripletWindowPs, f.tripletWindowPs)
	override(f.fs, "use-default-specs", &cfg.UseDefaultSpecs, f.useDefaultSpecs)
	override(f.fs, "auto-calibrate", &cfg.AutoCalibrate, f.autoCalibrate)
	override(f.fs, "delay-start", &cfg.DelayStartPs, f.delayStartPs)
	override(f.fs, "delay-end", &cfg.DelayEndPs, f.delayEndPs)
	override(f.fs, "delay-step", &cfg.DelayStepPs, f.delayStepPs)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openSettings opens the settings document at f.settingsPath or the
// per-user default.
func (f *runFlags) openSettings() (*settings.Store, error) {
	path := f.settingsPath
	if path == "" {
		var err error
		if path, err = settings.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return settings.Open(path), nil
}

func scanRange(cfg *config.RunConfig) calibration.ScanRange {
	return calibration.ScanRange{
		WindowPs: cfg.GetWindowPs(),
		StartPs:  cfg.GetDelayStartPs(),
		EndPs:    cfg.GetDelayEndPs(),
		StepPs:   cfg.GetDelayStepPs(),
	}
}

// openBackend builds the acquisition source selected by cfg and a short
// description of it. Without --demo-file or --port the synthetic source is
// used.
func openBackend(cfg *config.RunConfig, svc correlator.Service) (acquisition.Backend, string, error) {
	switch {
	case cfg.GetDemoFile() != "":
		b, err := acquisition.NewFileReplayBackend(cfg.GetDemoFile(), acquisition.FileReplayOptions{
			Service:  svc,
			Exposure: cfg.GetExposure(),
			Loop:     cfg.GetLoop(),
		})
		if err != nil {
			return nil, "", err
		}
		return b, "file:" + cfg.GetDemoFile(), nil

	case cfg.GetPort() != "":
		driver, err := qutag.OpenSerial(cfg.GetPort(), qutag.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			return nil, "", err
		}
		hw, err := acquisition.NewHardwareBackend(driver, svc, acquisition.HardwareOptions{
			DefaultExposure: cfg.GetExposure(),
		})
		if err != nil {
			return nil, "", err
		}
		return hw, "qutag:" + cfg.GetPort(), nil
	}

	return acquisition.NewSyntheticBackend(acquisition.SyntheticOptions{
		Seed:            cfg.GetSeed(),
		DefaultExposure: cfg.GetExposure(),
		Pairs:           acquisition.DemoPairs(),
		PairedFraction:  mockPairedFraction,
	}), "mock", nil
}

// buildSpecs chooses the coincidence specs for a run. Default specs use the
// configured windows with zero delay. Otherwise pair delays come from a
// calibration on batch when enabled, else from the saved settings. The GHZ
// triplets are always counted.
func buildSpecs(cfg *config.RunConfig, svc correlator.Service, batch *timetag.Batch, st *settings.Store) ([]timetag.CoincidenceSpec, error) {
	if cfg.GetUseDefaultSpecs() {
		var specs []timetag.CoincidenceSpec
		for _, s := range pipeline.DefaultSpecs() {
			w := cfg.GetWindowPs()
			if s.Arity() > 2 {
				w = cfg.GetTripletWindowPs()
			}
			ws, err := s.WithWindow(w)
			if err != nil {
				return nil, err
			}
			specs = append(specs, ws)
		}
		return specs, nil
	}

	delays := map[string]float64{}
	switch {
	case cfg.GetAutoCalibrate() && batch != nil:
		found, err := calibration.AutoCalibrate(svc, batch, calibration.DefaultLikePairs, scanRange(cfg))
		if err != nil {
			return nil, err
		}
		delays = found
	case st != nil:
		delays = st.Delays()
	}

	specs, err := calibration.SpecsFromDelays(cfg.GetWindowPs(), calibration.DefaultLikePairs, calibration.DefaultCrossPairs, delays)
	if err != nil {
		return nil, err
	}
	for _, g := range pipeline.GHZTriplets {
		s, err := timetag.NewSpec(g.Label, slices.Clone(g.Channels), cfg.GetTripletWindowPs())
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// closeBackend logs instead of failing so a capture result is not lost to a
// release error.
func closeBackend(b acquisition.Backend) {
	if err := b.Close(); err != nil {
		log.Printf("warning: failed to release source: %v", err)
	}
}
