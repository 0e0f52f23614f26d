// Command sessiontest is a peer of the LAN discovery integration test.
// It reads a gob encoded config.Config from stdin.
package main

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dmksnnk/lobby/internal/discovery"
	"github.com/dmksnnk/lobby/internal/identity"
	"github.com/dmksnnk/lobby/internal/session"
	"github.com/dmksnnk/lobby/internal/session/sessiontest/config"
)

func main() {
	var cfg config.Config
	if err := gob.NewDecoder(os.Stdin).Decode(&cfg); err != nil {
		slog.Error("decode config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	users := identity.NewLocal()
	users.Login(0, cfg.Nickname)

	beacon := discovery.New(
		discovery.WithPort(cfg.Port),
		discovery.WithBroadcastAddr(cfg.Broadcast),
		discovery.WithTimeout(cfg.Duration),
		discovery.WithLogger(logger),
	)
	sub := session.New(users, session.WithBeacon(beacon), session.WithLogger(logger))
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration+5*time.Second)
	defer cancel()

	var err error
	switch cfg.Mode {
	case "host":
		err = host(ctx, sub, cfg)
	case "find":
		err = find(ctx, sub, cfg)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil {
		slog.Error(cfg.Mode+" failed", "err", err)
		os.Exit(1)
	}
}

func host(ctx context.Context, sub *session.Subsystem, cfg config.Config) error {
	settings := session.Settings{
		NumPublicConnections: 4,
		ShouldAdvertise:      true,
		IsLANMatch:           true,
		IsDedicated:          true,
	}
	if err := sub.CreateSession(0, cfg.Session, settings); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	deadline := time.Now().Add(cfg.Duration)
	return tickUntil(ctx, sub, func() bool { return time.Now().After(deadline) })
}

func find(ctx context.Context, sub *session.Subsystem, cfg config.Config) error {
	search := &session.Search{IsLANQuery: true}
	if err := sub.FindSessions(0, search); err != nil {
		return fmt.Errorf("find sessions: %w", err)
	}

	err := tickUntil(ctx, sub, func() bool { return search.State != session.SearchInProgress })
	if err != nil {
		return err
	}
	if search.State != session.SearchDone {
		return fmt.Errorf("search %s", search.State)
	}

	var got []string
	for _, r := range search.Results {
		addr, _ := sub.ResolvedConnectStringFor(r, session.GamePort)
		slog.Info("found session",
			slog.String("owner", r.Session.OwningUserName),
			slog.String("address", addr),
			slog.Duration("ping", r.Ping),
		)
		got = append(got, r.Session.OwningUserName)
	}

	slices.Sort(got)
	want := slices.Sorted(slices.Values(cfg.WantHosts))
	if !slices.Equal(want, got) {
		return fmt.Errorf("want hosts %v, got %v", want, got)
	}

	return nil
}

func tickUntil(ctx context.Context, sub *session.Subsystem, done func() bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			sub.Tick(now)
		}
	}

	return nil
}
