package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"leakwatch/internal/addrutil"
	"leakwatch/internal/agent"
	"leakwatch/internal/config"
	"leakwatch/internal/devbackend"
	"leakwatch/internal/metrics"
	"leakwatch/internal/model"
	"leakwatch/internal/stunutil"
	"leakwatch/internal/telemetry"
	"leakwatch/internal/visit"
)

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	o := addCommonFlags(fs)
	manual := fs.String("manual", "", "skip discovery and record this public IPv4 address")
	resolution := fs.String("resolution", "", "where geolocation happens (server or client)")
	policy := fs.String("no-leak-policy", "", "how a probe without a public address settles (error or secure)")
	session := fs.String("session", "", "candidate source (webrtc or stun)")
	_ = fs.Parse(args)

	a, err := newApp(o, func(cfg *config.Config) {
		if *resolution != "" {
			cfg.Orchestrator.Resolution = *resolution
		}
		if *policy != "" {
			cfg.Orchestrator.NoLeakPolicy = *policy
		}
		if *session != "" {
			cfg.Probe.Session = *session
		}
	})
	fatal(err)
	defer a.logger.Sync() //nolint:errcheck

	ctx, cancel := signalContext()
	defer cancel()

	client, err := a.backend(ctx)
	fatal(err)
	orch, err := a.orchestrator(client)
	fatal(err)

	var out visit.Outcome
	if *manual != "" {
		out = orch.RunWithAddress(ctx, *manual)
	} else {
		out = orch.Run(ctx)
	}
	if out.Err != nil {
		if out.Err.Kind.Recoverable() && *manual == "" {
			fmt.Fprintln(os.Stderr, "automatic discovery did not settle; rerun with --manual <ip> to record an address by hand")
		}
		fatal(out.Err)
	}
	if !out.LeakDetected && out.Source == visit.SourceProbe {
		fmt.Fprintln(os.Stdout, "no public address exposed")
		return
	}
	printRecord(os.Stdout, out.Record)
}

func handleProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	o := addCommonFlags(fs)
	session := fs.String("session", "", "candidate source (webrtc or stun)")
	timeout := fs.Duration("timeout", 0, "probe deadline")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	nat := fs.Bool("nat", false, "also classify the NAT from direct binding requests")
	_ = fs.Parse(args)

	a, err := newApp(o, func(cfg *config.Config) {
		if *session != "" {
			cfg.Probe.Session = *session
		}
		if *timeout > 0 {
			cfg.Probe.ProbeTimeoutMs = int(timeout.Milliseconds())
		}
		if *stunList != "" {
			cfg.Probe.STUNServers = splitList(*stunList)
		}
	})
	fatal(err)
	defer a.logger.Sync() //nolint:errcheck

	ctx, cancel := signalContext()
	defer cancel()

	addr, err := a.prober().Discover(ctx).Unwrap()
	fatal(err)
	fmt.Fprintf(os.Stdout, "public_address=%s\n", addr)

	if *nat {
		_, natType, err := stunutil.Probe(ctx, a.cfg.Probe.STUNServers, a.cfg.Probe.ProbeTimeout())
		if err != nil {
			fmt.Fprintf(os.Stdout, "nat_type=%s (%v)\n", stunutil.NATTypeUnknown, err)
			return
		}
		fmt.Fprintf(os.Stdout, "nat_type=%s\n", natType)
	}
}

func handleLocate(args []string) {
	fs := flag.NewFlagSet("locate", flag.ExitOnError)
	o := addCommonFlags(fs)
	ip := fs.String("ip", "", "address to locate (default: the caller's own address)")
	_ = fs.Parse(args)

	a, err := newApp(o, nil)
	fatal(err)
	defer a.logger.Sync() //nolint:errcheck

	agg, err := a.aggregator()
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	rec, err := agg.Lookup(ctx, *ip)
	if err != nil {
		a.logger.Warn("every provider failed", zap.Error(err))
		rec = model.UnknownRecord(*ip, time.Now())
	}
	printRecord(os.Stdout, rec)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	o := addCommonFlags(fs)
	_ = fs.Parse(args)

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		stats, err := client.FetchStats(ctx).Unwrap()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "total_visits=%d unique_countries=%d\n", stats.TotalVisits, stats.UniqueCountries)
		return nil
	})
}

func handleRecent(args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	o := addCommonFlags(fs)
	count := fs.Int("count", 10, "number of visits")
	_ = fs.Parse(args)

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		visits, err := client.FetchRecentVisits(ctx, *count).Unwrap()
		if err != nil {
			return err
		}
		printVisits(os.Stdout, visits)
		return nil
	})
}

func handleVisits(args []string) {
	fs := flag.NewFlagSet("visits", flag.ExitOnError)
	o := addCommonFlags(fs)
	page := fs.Int("page", 1, "page number")
	size := fs.Int("size", 10, "page size")
	_ = fs.Parse(args)

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		p, err := client.FetchVisitsPage(ctx, *page, *size).Unwrap()
		if err != nil {
			return err
		}
		printVisits(os.Stdout, p.Visits)
		fmt.Fprintf(os.Stdout, "page %d/%d (%d visits)\n", p.CurrentPage, p.TotalPages, p.TotalItems)
		return nil
	})
}

func handleCountries(args []string) {
	fs := flag.NewFlagSet("countries", flag.ExitOnError)
	o := addCommonFlags(fs)
	_ = fs.Parse(args)

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		stats, err := client.FetchCountryStats(ctx).Unwrap()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "COUNTRY\tVISITS")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\n", s.Country, s.VisitCount)
		}
		return tw.Flush()
	})
}

func handleMap(args []string) {
	fs := flag.NewFlagSet("map", flag.ExitOnError)
	o := addCommonFlags(fs)
	lat := fs.String("lat", "", "center latitude (default: latest visit)")
	lon := fs.String("lon", "", "center longitude (default: latest visit)")
	zoom := fs.Uint("zoom", 0, "zoom level 1..18")
	width := fs.Uint("width", 0, "width in pixels")
	height := fs.Uint("height", 0, "height in pixels")
	_ = fs.Parse(args)

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		req := model.MapRequest{Lat: *lat, Lon: *lon}
		if req.Lat == "" || req.Lon == "" {
			latest, err := client.FetchRecentVisits(ctx, 1).Unwrap()
			if err != nil {
				return err
			}
			if len(latest) == 0 {
				return errors.New("no visits recorded yet; pass --lat and --lon")
			}
			req.Lat, req.Lon = latest[0].Latitude, latest[0].Longitude
		}
		req.Markers = []model.Marker{{Lat: req.Lat, Lon: req.Lon, Color: "red"}}
		if *zoom > 0 {
			z := uint8(*zoom)
			req.Zoom = &z
		}
		if *width > 0 {
			w := uint16(*width)
			req.Width = &w
		}
		if *height > 0 {
			h := uint16(*height)
			req.Height = &h
		}
		handle, err := client.FetchRenderedMap(ctx, req).Unwrap()
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, handle)
		return nil
	})
}

func handleHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	o := addCommonFlags(fs)
	_ = fs.Parse(args)

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		h, err := client.HealthCheck(ctx).Unwrap()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "identity=%s buffered=%d/%d unique_countries=%d\n",
			h.Identity, h.Memory.TotalVisits, h.Memory.BufferCapacity, h.Memory.UniqueCountries)
		return nil
	})
}

func handleIPInfo(args []string) {
	fs := flag.NewFlagSet("ip-info", flag.ExitOnError)
	o := addCommonFlags(fs)
	ip := fs.String("ip", "", "address to resolve on the remote")
	_ = fs.Parse(args)

	address, err := addrutil.ValidateManualAddress(*ip)
	fatal(err)

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		rec, err := client.FetchIPInfo(ctx, address).Unwrap()
		if err != nil {
			return err
		}
		printRecord(os.Stdout, rec)
		return nil
	})
}

func handleClear(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	o := addCommonFlags(fs)
	yes := fs.Bool("yes", false, "confirm wiping every stored visit")
	_ = fs.Parse(args)

	if !*yes {
		fatal(errors.New("clear wipes the remote visit log; pass --yes to confirm"))
	}

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		cleared, err := client.ClearAllData(ctx).Unwrap()
		if err != nil {
			return err
		}
		if !cleared {
			return errors.New("remote refused to clear the visit log")
		}
		a.logger.Info("visit log cleared", zap.String("backend", a.cfg.Backend.URL))
		return nil
	})
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	o := addCommonFlags(fs)
	out := fs.String("out", "", "output file")
	pageSize := fs.Int("page-size", 100, "visits per request")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	withBackend(o, func(ctx context.Context, a *app) error {
		client, err := a.backend(ctx)
		if err != nil {
			return err
		}
		var all []model.LocationRecord
		for page := 1; ; page++ {
			p, err := client.FetchVisitsPage(ctx, page, *pageSize).Unwrap()
			if err != nil {
				return err
			}
			all = append(all, p.Visits...)
			if uint64(page) >= p.TotalPages || len(p.Visits) == 0 {
				break
			}
		}
		file, err := os.OpenFile(*out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		if err := metrics.WriteCSV(file, all); err != nil {
			_ = file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "exported %d visits to %s\n", len(all), *out)
		return nil
	})
}

func handleSummary(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	in := fs.String("in", "", "visit CSV written by export or watch")
	window := fs.Duration("window", 24*time.Hour, "time window")
	_ = fs.Parse(args)

	if *in == "" {
		fatal(errors.New("--in is required"))
	}
	items, err := metrics.ReadCSV(*in)
	fatal(err)

	summary := metrics.Summarize(items, time.Now().UTC().Add(-*window))
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no visits in window")
		return
	}
	fmt.Fprintf(os.Stdout, "visits=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "addresses=%d countries=%d unresolved=%d\n", summary.UniqueAddresses, summary.UniqueCountries, summary.Unresolved)
	if summary.TopCountry != "" {
		fmt.Fprintf(os.Stdout, "top_country=%s visits=%d\n", summary.TopCountry, summary.TopCountryVisits)
	}
}

func handleWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	o := addCommonFlags(fs)
	metricsListen := fs.String("metrics-listen", "", "serve Prometheus metrics on this address")
	exportPath := fs.String("export", "", "append every successful check to this CSV file")
	statePath := fs.String("state", "", "remember the last observed address in this file")
	_ = fs.Parse(args)

	a, err := newApp(o, func(cfg *config.Config) {
		if *metricsListen != "" {
			cfg.Agent.MetricsListen = *metricsListen
		}
		if *exportPath != "" {
			cfg.Agent.ExportPath = *exportPath
		}
		if *statePath != "" {
			cfg.Agent.StatePath = *statePath
		}
	})
	fatal(err)
	defer a.logger.Sync() //nolint:errcheck

	registry := prometheus.NewRegistry()
	rec, err := telemetry.NewPrometheus(registry)
	fatal(err)
	a.recorder = rec

	ctx, cancel := signalContext()
	defer cancel()

	client, err := a.backend(ctx)
	fatal(err)
	orch, err := a.orchestrator(client)
	fatal(err)

	w := agent.New(a.cfg.Agent.Intervals(), orch, client, agent.WithLogger(a.logger.Named("agent")))

	g, gctx := errgroup.WithContext(ctx)
	if listen := a.cfg.Agent.MetricsListen; listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.logger.Info("metrics listening", zap.String("listen", listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		err := w.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			err = errors.New("watch stopped")
		}
		return err
	})
	fatal(g.Wait())
}

func handleDevBackend(args []string) {
	fs := flag.NewFlagSet("dev-backend", flag.ExitOnError)
	o := addCommonFlags(fs)
	listen := fs.String("listen", "", "listen address")
	capacity := fs.Int("capacity", 0, "visits kept in memory")
	resolve := fs.Bool("resolve", false, "geolocate submitted addresses through the configured providers")
	_ = fs.Parse(args)

	a, err := newApp(o, func(cfg *config.Config) {
		if *listen != "" {
			cfg.DevBackend.Listen = *listen
		}
		if *capacity > 0 {
			cfg.DevBackend.Capacity = *capacity
		}
	})
	fatal(err)
	defer a.logger.Sync() //nolint:errcheck

	var resolver devbackend.Resolver
	if *resolve {
		agg, err := a.aggregator()
		fatal(err)
		resolver = agg
	}

	srv := devbackend.New(devbackend.Config{
		Listen:   a.cfg.DevBackend.Listen,
		Capacity: a.cfg.DevBackend.Capacity,
	}, resolver, devbackend.WithLogger(a.logger.Named("devbackend")))

	ctx, cancel := signalContext()
	defer cancel()
	fatal(srv.ListenAndServe(ctx))
}

func handleConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprint(os.Stderr, "config subcommand required: init\n")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	out := fs.String("out", "leakwatch.yaml", "output path")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args[1:])

	if _, err := os.Stat(*out); err == nil && !*force {
		fatal(fmt.Errorf("%s exists; pass --force to overwrite", *out))
	}
	fatal(config.Save(*out, config.Default()))
	fmt.Fprintf(os.Stdout, "wrote %s\n", *out)
}

// withBackend builds the app, runs fn under a signal-aware context and exits
// on error.
func withBackend(o *commonOpts, fn func(context.Context, *app) error) {
	a, err := newApp(o, nil)
	fatal(err)
	defer a.logger.Sync() //nolint:errcheck

	ctx, cancel := signalContext()
	defer cancel()
	if err := fn(ctx, a); err != nil {
		_ = a.logger.Sync()
		cancel()
		fatal(err)
	}
}

func printRecord(w io.Writer, rec model.LocationRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ip\t%s\n", rec.Address)
	fmt.Fprintf(tw, "country\t%s\n", rec.Country)
	fmt.Fprintf(tw, "region\t%s\n", rec.Region)
	fmt.Fprintf(tw, "city\t%s\n", rec.City)
	fmt.Fprintf(tw, "coordinates\t%s\n", model.FormatCoordinates(rec.Latitude, rec.Longitude))
	fmt.Fprintf(tw, "timezone\t%s\n", rec.Timezone)
	fmt.Fprintf(tw, "isp\t%s\n", rec.ISP)
	if rec.ObservedAt != 0 {
		fmt.Fprintf(tw, "observed\t%s\n", rec.Observed().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printVisits(w io.Writer, visits []model.LocationRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OBSERVED\tIP\tCOUNTRY\tCITY\tISP")
	for _, v := range visits {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			v.Observed().Format(time.RFC3339), model.MaskAddress(v.Address), v.Country, v.City, v.ISP)
	}
	_ = tw.Flush()
}
