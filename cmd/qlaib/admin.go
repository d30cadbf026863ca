package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/coincidence.report/internal/config"
	"github.com/banshee-data/coincidence.report/internal/db"
	"github.com/banshee-data/coincidence.report/internal/monitor"
	"github.com/banshee-data/coincidence.report/internal/version"
)

func runMigrate(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("migrate", "[flags] up|down|version|status|force <version>", stdout)
	dbPath := fs.String("db", "qlaib.db", "SQLite telemetry database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	action := fs.Arg(0)
	if action == "" {
		action = "status"
	}

	database, err := db.OpenWithoutMigrations(*dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
	case "force":
		v, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("force needs a version number: %w", err)
		}
		if err := database.MigrateForce(v); err != nil {
			return err
		}
	case "version":
		v, dirty, err := database.MigrateVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d", v)
		if dirty {
			fmt.Fprint(stdout, " (dirty)")
		}
		fmt.Fprintln(stdout)
		return nil
	case "status":
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}

	st, err := database.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: version %d of %d", database.Path(), st.CurrentVersion, st.LatestVersion)
	switch {
	case st.Dirty:
		fmt.Fprint(stdout, ", dirty")
	case st.NeedsMigration:
		fmt.Fprint(stdout, ", migration pending")
	}
	fmt.Fprintln(stdout)
	return nil
}

func runStatus(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("status", "[flags]", stdout)
	addr := fs.String("addr", "localhost"+config.EmptyRunConfig().GetListen(), "dashboard address")
	start := fs.Bool("start", false, "resume acquisition")
	stop := fs.Bool("stop", false, "pause acquisition")
	exposure := fs.Duration("exposure", 0, "change the exposure")
	calibrate := fs.Bool("calibrate", false, "calibrate delays on the latest batch")
	delay := fs.String("delay", "", "set one delay as LABEL=PS")
	asJSON := fs.Bool("json", false, "print the status as JSON")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *start && *stop {
		return errors.New("--start and --stop are mutually exclusive")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c := monitor.NewClient(*addr, nil)

	switch {
	case *start:
		if err := c.Start(ctx); err != nil {
			return err
		}
	case *stop:
		if err := c.Stop(ctx); err != nil {
			return err
		}
	}
	if *exposure > 0 {
		if err := c.SetExposure(ctx, *exposure); err != nil {
			return err
		}
	}
	if *delay != "" {
		label, value, ok := strings.Cut(*delay, "=")
		ps, err := strconv.ParseFloat(value, 64)
		if !ok || err != nil {
			return fmt.Errorf("--delay wants LABEL=PS, got %q", *delay)
		}
		if err := c.SetDelay(ctx, label, ps); err != nil {
			return err
		}
	}
	if *calibrate {
		applied, err := c.Calibrate(ctx)
		if err != nil {
			return err
		}
		for _, label := range slices.Sorted(maps.Keys(applied)) {
			fmt.Fprintf(stdout, "%s\t%.0f ps\n", label, applied[label])
		}
	}

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(stdout, st)
	}

	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(stdout, "%s, %s, exposure %gs, seq %d, elapsed %.1fs\n", st.Source, state, st.ExposureSec, st.Seq, st.ElapsedSec)
	fmt.Fprintf(stdout, "cycles %d, failures %d, dropped %d, history %d/%d\n", st.Cycles, st.Failures, st.Dropped, st.HistoryPoints, st.MaxPoints)
	if st.LastError != "" {
		fmt.Fprintf(stdout, "last error: %s\n", st.LastError)
	}
	tw := tabwriter.NewWriter(stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "PAIR\tNAME\tCHANNELS\tWINDOW PS\tDELAY PS\n")
	for _, s := range st.Specs {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%g\t%s\n", s.Label, s.Name, s.Channels, s.WindowPs, formatValue(s.DelayPs, 0))
	}
	return tw.Flush()
}

func runVersion(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("version", "[flags]", stdout)
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(stdout, version.Get())
	}
	fmt.Fprintln(stdout, version.Get())
	return nil
}
