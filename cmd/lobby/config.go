package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dmksnnk/lobby/internal/discovery"
	"github.com/dmksnnk/lobby/internal/session"
)

const commandsUsage = `
Commands:
  host - create a LAN session and advertise it until interrupted
  find - search for LAN sessions and print them
  addr - parse peer or IP addresses and print their parts`

// config is read from the environment once at start.
type config struct {
	LogLevel      slog.Level    `env:"LOG_LEVEL" envDefault:"INFO"`
	BuildVersion  string        `env:"BUILD_VERSION" envDefault:"dev"`
	LANPort       uint16        `env:"LAN_PORT" envDefault:"14001"`
	BroadcastAddr netip.Addr    `env:"BROADCAST_ADDR" envDefault:"255.255.255.255"`
	SearchTimeout time.Duration `env:"SEARCH_TIMEOUT" envDefault:"5s"`
	GamePort      uint16        `env:"GAME_PORT" envDefault:"7777"`
	// MetricsListen is the address of the metrics endpoint, disabled if empty.
	MetricsListen string `env:"METRICS_LISTEN"`
}

func parseConfig() config {
	cfg, err := env.ParseAsWithOptions[config](env.Options{Prefix: "LOBBY_"})
	if err != nil {
		abort("parse config", err)
	}

	return cfg
}

func (c config) buildID() int32 {
	return session.BuildID(c.BuildVersion)
}

func (c config) beaconOptions(logger *slog.Logger) []discovery.Option {
	return []discovery.Option{
		discovery.WithPort(c.LANPort),
		discovery.WithBroadcastAddr(c.BroadcastAddr),
		discovery.WithBucketID(uint32(c.buildID())),
		discovery.WithTimeout(c.SearchTimeout),
		discovery.WithLogger(logger.With(slog.String("component", "beacon"))),
	}
}

type commandConfig struct {
	FS *flag.FlagSet

	Command  string
	Nickname string
}

func (c *commandConfig) Parse(args []string) error {
	c.FS = flag.NewFlagSet("lobby", flag.ExitOnError)
	c.FS.StringVar(&c.Nickname, "nickname", hostname(), "name shown to other players")
	c.FS.Usage = func() {
		fmt.Fprintln(c.FS.Output()) // newline
		fmt.Fprintln(c.FS.Output(), "Usage: lobby [OPTIONS] COMMAND")
		fmt.Fprintln(c.FS.Output(), commandsUsage)

		fmt.Fprintln(c.FS.Output()) // newline
		fmt.Fprintln(c.FS.Output(), "Global options:")
		c.FS.PrintDefaults()
	}

	if err := c.FS.Parse(args); err != nil {
		return err
	}

	if len(c.FS.Args()) < 1 {
		return errors.New("missing command")
	}

	c.Command = c.FS.Args()[0]

	if c.Nickname == "" {
		return errors.New("missing nickname")
	}

	return nil
}

type hostConfig struct {
	FS       *flag.FlagSet
	Name     string
	Settings string
}

func (c *hostConfig) Parse(args []string) error {
	c.FS = flag.NewFlagSet("host", flag.ExitOnError)
	c.FS.Usage = func() {
		fmt.Fprintln(c.FS.Output())
		fmt.Fprintln(c.FS.Output(), "Usage: lobby host [OPTIONS]")
		fmt.Fprintln(c.FS.Output(), "Options:")
		c.FS.PrintDefaults()
	}

	c.FS.StringVar(&c.Name, "name", session.NameGameSession, "the name of the session")
	c.FS.StringVar(&c.Settings, "settings", "public=4&advertise=true",
		"session settings as a query string, e.g. public=4&private=1&join-in-progress=true&custom[MAPNAME]=Forest")

	if err := c.FS.Parse(args); err != nil {
		return err
	}

	if c.Name == "" {
		return errors.New("missing session name")
	}

	return nil
}

type findConfig struct {
	FS     *flag.FlagSet
	Max    int
	Filter string
}

func (c *findConfig) Parse(args []string) error {
	c.FS = flag.NewFlagSet("find", flag.ExitOnError)
	c.FS.Usage = func() {
		fmt.Fprintln(c.FS.Output())
		fmt.Fprintln(c.FS.Output(), "Usage: lobby find [OPTIONS]")
		fmt.Fprintln(c.FS.Output(), "Options:")
		c.FS.PrintDefaults()
	}

	c.FS.IntVar(&c.Max, "max", 0, "maximum number of results, 0 for no limit")
	c.FS.StringVar(&c.Filter, "filter", "", "only print sessions with these custom settings, e.g. MAPNAME=Forest")

	if err := c.FS.Parse(args); err != nil {
		return err
	}

	if c.Max < 0 {
		return errors.New("negative max results")
	}

	return nil
}

func usageAbort(fs *flag.FlagSet, err error) {
	fmt.Fprintf(fs.Output(), "Error: %v\n", err)
	fs.Usage()
	os.Exit(2)
}

func abort(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "player"
	}
	return name
}
