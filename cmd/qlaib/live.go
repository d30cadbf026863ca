package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/coincidence.report/internal/config"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/db"
	"github.com/banshee-data/coincidence.report/internal/feed"
	"github.com/banshee-data/coincidence.report/internal/history"
	"github.com/banshee-data/coincidence.report/internal/live"
	"github.com/banshee-data/coincidence.report/internal/monitor"
	"github.com/banshee-data/coincidence.report/internal/pipeline"
	"github.com/banshee-data/coincidence.report/internal/recorder"
	"github.com/banshee-data/coincidence.report/internal/session"
	"github.com/banshee-data/coincidence.report/internal/settings"
	"github.com/banshee-data/coincidence.report/internal/timetag"
	"github.com/banshee-data/coincidence.report/internal/timeutil"
	"github.com/banshee-data/coincidence.report/internal/tui"
)

// liveApp is the set of components behind the live command.
type liveApp struct {
	source  string
	ctrl    *live.Controller
	session *session.Session
	web     *monitor.WebServer
	feed    *feed.Publisher
	db      *db.DB
	runID   string
	rec     *recorder.Recorder
}

func runLive(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("live", "[flags]", stdout)
	f := addRunFlags(fs)
	d := config.EmptyRunConfig()
	listen := fs.String("listen", d.GetListen(), "dashboard listen address (empty disables the dashboard)")
	feedListen := fs.String("feed-listen", d.GetFeedListen(), "gRPC feed listen address (empty disables the feed)")
	dbPath := fs.String("db", d.GetDBPath(), "SQLite telemetry database (empty disables logging)")
	recordPath := fs.String("record", d.GetRecordPath(), "write every batch to this "+recorder.Extension+" recording")
	compression := fs.String("compression", d.GetCompression(), "recording compression: none, lz4 or zstd")
	historyPoints := fs.Int("history", d.GetHistoryPoints(), "points kept per history series")
	note := fs.String("note", "", "note stored with the telemetry run")
	useTUI := fs.Bool("tui", false, "show the terminal dashboard")
	logFile := fs.String("log-file", "qlaib.log", "log destination while the terminal dashboard is shown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.resolve()
	if err != nil {
		return err
	}
	override(fs, "listen", &cfg.Listen, *listen)
	override(fs, "feed-listen", &cfg.FeedListen, *feedListen)
	override(fs, "db", &cfg.DBPath, *dbPath)
	override(fs, "record", &cfg.RecordPath, *recordPath)
	override(fs, "compression", &cfg.Compression, *compression)
	override(fs, "history", &cfg.HistoryPoints, *historyPoints)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	st, err := f.openSettings()
	if err != nil {
		return err
	}

	app, err := newLiveApp(ctx, cfg, st, *note)
	if err != nil {
		return err
	}
	defer app.close()

	var logOut io.Writer
	if *useTUI {
		lf, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer lf.Close()
		logOut = lf
	}
	return app.run(ctx, logOut)
}

// newLiveApp opens the source, settles the coincidence specs and wires every
// enabled output to the controller.
func newLiveApp(ctx context.Context, cfg *config.RunConfig, st *settings.Store, note string) (*liveApp, error) {
	svc := correlator.NewNative()
	backend, source, err := openBackend(cfg, svc)
	if err != nil {
		return nil, err
	}

	var calib *timetag.Batch
	if cfg.GetAutoCalibrate() && !cfg.GetUseDefaultSpecs() {
		calib, err = backend.Capture(ctx, cfg.GetExposure())
		if err != nil {
			log.Printf("[Live] calibration capture failed, using saved delays: %v", err)
			calib = nil
		}
	}
	specs, err := buildSpecs(cfg, svc, calib, st)
	if err != nil {
		closeBackend(backend)
		return nil, fmt.Errorf("failed to build coincidence specs: %w", err)
	}
	p, err := pipeline.New(svc, specs)
	if err != nil {
		closeBackend(backend)
		return nil, err
	}

	app := &liveApp{source: source}
	app.ctrl = live.NewController(backend, p, live.Options{Exposure: cfg.GetExposure()})
	app.session = session.New(session.Config{
		Controller: app.ctrl,
		Service:    svc,
		Settings:   st,
		History:    history.NewBuffer(cfg.GetHistoryPoints()),
	})

	if path := cfg.GetDBPath(); path != "" {
		if app.db, err = db.NewDB(path); err != nil {
			app.close()
			return nil, err
		}
		run, err := app.db.StartRun(ctx, source, cfg.GetExposure(), specs, note)
		if err != nil {
			app.close()
			return nil, err
		}
		app.runID = run.ID
		app.ctrl.Subscribe(app.db.Subscriber(context.Background(), run.ID))
		log.Printf("[Live] logging telemetry to %s as run %s", path, run.ID)
	}

	if path := cfg.GetRecordPath(); path != "" {
		tag, err := recorder.ParseCompressionTag(cfg.GetCompression())
		if err != nil {
			app.close()
			return nil, err
		}
		if app.rec, err = recorder.Create(path, tag, source); err != nil {
			app.close()
			return nil, err
		}
		rec := app.rec
		app.ctrl.Subscribe(func(u *live.Update) error { return rec.Record(u.Batch) })
	}

	if addr := cfg.GetFeedListen(); addr != "" {
		fc := feed.DefaultConfig()
		fc.ListenAddr = addr
		fc.Status = app.feedStatus
		app.feed = feed.NewPublisher(fc)
		if err := app.feed.Start(); err != nil {
			app.feed = nil
			app.close()
			return nil, err
		}
		app.ctrl.Subscribe(app.feed.Subscriber())
	}

	if addr := cfg.GetListen(); addr != "" {
		app.web = monitor.NewWebServer(monitor.WebServerConfig{
			Address: addr,
			Session: app.session,
			DB:      app.db,
			RunID:   app.runID,
			Source:  source,
		})
	}
	return app, nil
}

func (app *liveApp) feedStatus() map[string]any {
	stats := app.ctrl.Stats()
	return map[string]any{
		"source":       app.source,
		"run_id":       app.runID,
		"running":      app.ctrl.Running(),
		"exposure_sec": app.ctrl.Exposure().Seconds(),
		"cycles":       float64(stats.Cycles),
		"failures":     float64(stats.Failures),
	}
}

// run starts acquisition and serves until ctx is done or the terminal
// dashboard quits. A nil logOut runs without the terminal dashboard.
func (app *liveApp) run(ctx context.Context, logOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if err := app.ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start acquisition: %w", err)
	}
	if app.web != nil {
		g.Go(func() error { return app.web.Start(gctx) })
	}
	if logOut != nil {
		g.Go(func() error {
			defer cancel()
			return tui.Run(gctx, app.session, session.DefaultPollInterval, logOut)
		})
	} else {
		g.Go(func() error {
			return app.session.Run(gctx, timeutil.RealClock{}, session.DefaultPollInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if err := app.ctrl.Stop(); err != nil && !errors.Is(err, live.ErrStopTimeout) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// close releases everything newLiveApp opened.
func (app *liveApp) close() {
	if app.session != nil {
		app.session.Close()
	}
	if app.ctrl != nil {
		if err := app.ctrl.Close(); err != nil {
			log.Printf("[Live] failed to close controller: %v", err)
		}
	}
	if app.feed != nil {
		app.feed.Stop()
	}
	if app.rec != nil {
		if err := app.rec.Close(); err != nil {
			log.Printf("[Live] failed to close recording: %v", err)
		}
	}
	if app.db != nil {
		if app.runID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := app.db.FinishRun(ctx, app.runID); err != nil {
				log.Printf("[Live] failed to finish run: %v", err)
			}
			cancel()
		}
		if err := app.db.Close(); err != nil {
			log.Printf("[Live] failed to close database: %v", err)
		}
	}
}
