package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dmksnnk/lobby/internal/discovery"
	"github.com/dmksnnk/lobby/internal/identity"
	"github.com/dmksnnk/lobby/internal/metrics"
	"github.com/dmksnnk/lobby/internal/p2p"
	"github.com/dmksnnk/lobby/internal/platform/httpplatform"
	"github.com/dmksnnk/lobby/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const tickInterval = 50 * time.Millisecond

func main() {
	ctx, close := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer close()

	var cmdCfg commandConfig
	if err := cmdCfg.Parse(os.Args[1:]); err != nil {
		usageAbort(cmdCfg.FS, err)
	}

	cfg := parseConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.DebugContext(ctx, "load config", slog.Any("config", cfg))

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsListen != "" {
		srv := newMetricsServer(cfg.MetricsListen, logger)
		eg.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen and serve metrics: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		logger.Info("serving metrics", slog.String("address", cfg.MetricsListen))
	}

	args := cmdCfg.FS.Args()[1:]
	switch cmdCfg.Command {
	case "host":
		var hostCfg hostConfig
		if err := hostCfg.Parse(args); err != nil {
			usageAbort(hostCfg.FS, err)
		}
		eg.Go(func() error {
			return runHost(ctx, cfg, cmdCfg, hostCfg, logger)
		})
	case "find":
		var findCfg findConfig
		if err := findCfg.Parse(args); err != nil {
			usageAbort(findCfg.FS, err)
		}
		eg.Go(func() error {
			defer close()
			return runFind(ctx, cfg, cmdCfg, findCfg, logger)
		})
	case "addr":
		if err := printAddrs(args); err != nil {
			abort("parse address", err)
		}
		return
	default:
		usageAbort(cmdCfg.FS, fmt.Errorf("unknown command: %s", cmdCfg.Command))
	}

	if err := eg.Wait(); err != nil {
		abort(cmdCfg.Command, err)
	}
}

func newSubsystem(cfg config, nickname string, logger *slog.Logger) *session.Subsystem {
	users := identity.NewLocal()
	users.Login(0, nickname)

	beacon := discovery.New(cfg.beaconOptions(logger)...)
	sub := session.New(users,
		session.WithBeacon(beacon),
		session.WithBuildID(cfg.buildID()),
		session.WithGamePort(cfg.GamePort),
		session.WithLogger(logger.With(slog.String("component", "session"))),
		session.WithHooks(session.Hooks{
			OnCreateComplete: func(name string, ok bool) {
				logger.Info("session created", slog.String("session", name), slog.Bool("ok", ok))
			},
			OnDestroyComplete: func(name string, ok bool) {
				logger.Info("session destroyed", slog.String("session", name), slog.Bool("ok", ok))
			},
		}),
	)

	return sub
}

func runHost(ctx context.Context, cfg config, cmdCfg commandConfig, hostCfg hostConfig, logger *slog.Logger) error {
	settings, err := decodeSettings(newFormDecoder(), hostCfg.Settings)
	if err != nil {
		return err
	}

	sub := newSubsystem(cfg, cmdCfg.Nickname, logger)
	defer sub.Close()

	if err := sub.CreateSession(0, hostCfg.Name, settings); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sub.DumpSessionState()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := sub.DestroySession(hostCfg.Name, nil); err != nil {
				return fmt.Errorf("destroy session: %w", err)
			}
			return nil
		case now := <-ticker.C:
			sub.Tick(now)
		}
	}
}

func runFind(ctx context.Context, cfg config, cmdCfg commandConfig, findCfg findConfig, logger *slog.Logger) error {
	filter, err := decodeFilter(findCfg.Filter)
	if err != nil {
		return err
	}

	sub := newSubsystem(cfg, cmdCfg.Nickname, logger)
	defer sub.Close()

	search := &session.Search{IsLANQuery: true, MaxResults: findCfg.Max}
	if err := sub.FindSessions(0, search); err != nil {
		return fmt.Errorf("find sessions: %w", err)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for search.State == session.SearchInProgress {
		select {
		case <-ctx.Done():
			return sub.CancelFindSessions()
		case now := <-ticker.C:
			sub.Tick(now)
		}
	}

	if search.State != session.SearchDone {
		return fmt.Errorf("search %s", search.State)
	}

	return printResults(sub, search.Results, filter)
}

func printResults(sub *session.Subsystem, results []session.SearchResult, filter map[string]session.Value) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OWNER\tADDRESS\tOPEN\tPING\tSETTINGS")

	for _, r := range results {
		if !matchesFilter(r.Session.Settings, filter) {
			continue
		}

		addr, _ := sub.ResolvedConnectStringFor(r, session.GamePort)
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			r.Session.OwningUserName,
			addr,
			r.Session.NumOpenPublicConnections,
			r.Session.Settings.NumPublicConnections,
			r.Ping.Round(time.Millisecond),
			customSettings(r.Session.Settings),
		)
	}

	return w.Flush()
}

func matchesFilter(s session.Settings, filter map[string]session.Value) bool {
	for key, want := range filter {
		got, ok := s.Get(key)
		if !ok || got.Text() != want.Text() {
			return false
		}
	}
	return true
}

func customSettings(s session.Settings) string {
	pairs := make([]string, 0, len(s.Settings))
	for _, key := range slices.Sorted(maps.Keys(s.Settings)) {
		pairs = append(pairs, key+"="+s.Settings[key].Value.Text())
	}
	return strings.Join(pairs, " ")
}

func printAddrs(args []string) error {
	if len(args) == 0 {
		return errors.New("no addresses given")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNETWORK\tPEER\tSOCKET\tPORT")
	for _, arg := range args {
		addr, err := p2p.ParseAddr(arg)
		if err != nil {
			return err
		}

		peer, socket := "-", "-"
		if addr.IsP2P() {
			peer, socket = addr.Peer().String(), addr.SocketName()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", addr, addr.Network(), peer, socket, addr.Port())
	}

	return w.Flush()
}

func newMetricsServer(addr string, logger *slog.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/-/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr: addr,
		Handler: httpplatform.Wrap(
			mux,
			httpplatform.AllowMethods(http.MethodGet, http.MethodHead),
			httpplatform.LogRequests(logger.With(slog.String("component", "metrics"))),
			httpplatform.CountRequests(),
		),
	}
}
