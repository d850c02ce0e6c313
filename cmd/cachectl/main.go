// Command cachectl inspects and maintains the durable event cache of feedr.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Hubmakerlabs/feedr/pkg/config"
	"github.com/Hubmakerlabs/feedr/pkg/durable"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var app = &cli.App{
	Name:  "cachectl",
	Usage: "inspect, import and export the durable event cache",
	Commands: []*cli.Command{
		find,
		importEvents,
		exportEvents,
		deleteEvents,
		stats,
	},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "feedr.yaml",
			Usage:   "configuration file",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "environment files to load",
		},
		&cli.StringFlag{
			Name:    "datadir",
			Aliases: []string{"d"},
			Usage:   "directory of the durable cache",
		},
		&cli.StringFlag{
			Name:  "durable",
			Usage: "durable cache backend [badger,eventstore]",
		},
		&cli.BoolFlag{
			Name:    "silent",
			Aliases: []string{"s"},
			Usage:   "do not print logs to stderr",
			Action: func(ctx *cli.Context, b bool) error {
				if b {
					slog.SetLogLevel(slog.Off)
				}
				return nil
			},
		},
	},
}

var errNoStore = errors.New("the configuration has no durable store")

// open loads the configuration the flags point at and opens its store.
func open(c *cli.Context) (store durable.Store, err error) {
	var cfg *config.T
	if cfg, err = config.Load(c.String("config"), c.StringSlice("env")...); err != nil {
		return
	}
	if err = cfg.Overlay(config.Args{
		DataDir: c.String("datadir"),
		Durable: c.String("durable"),
	}); err != nil {
		return
	}
	if store = cfg.Store(); store == nil {
		return nil, errNoStore
	}
	if err = store.Init(); err != nil {
		return nil, fmt.Errorf("failed to open %s store in %s: %w", cfg.Durable,
			cfg.DataDir, err)
	}
	log.D.F("opened %s store in %s", cfg.Durable, cfg.DataDir)
	return
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
