package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dejobratic/purchasesync/internal/config"
	"github.com/dejobratic/purchasesync/internal/devicecache"
	"github.com/dejobratic/purchasesync/internal/storage"
	"github.com/dejobratic/purchasesync/internal/telemetry"
	"github.com/urfave/cli"
)

var version = "dev"

type metadata struct {
	handle  *storage.Handle
	cache   *devicecache.Cache
	logger  *slog.Logger
	verbose bool
	w       io.Writer
	e       io.Writer
}

// opener returns the store the commands operate on.
type opener func(ctx context.Context, c *cli.Context) (*storage.Handle, error)

func main() {
	app := newApp(openConfigured)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp(open opener) *cli.App {
	app := cli.NewApp()
	app.Name = "purchasectl"
	app.Usage = "inspect and repair persisted purchase state"
	app.Version = version

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " verbose result",
		},
		cli.StringFlag{
			Name:  "driver, d",
			Usage: " storage `DRIVER` overriding PURCHASESYNC_STORAGE_DRIVER",
		},
		cli.StringFlag{
			Name:  "path, p",
			Usage: " storage `PATH` overriding PURCHASESYNC_STORAGE_PATH",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "whoami",
			Usage:  "show the active app user id and its cached subscriber state",
			Action: runWhoAmI,
		},
		{
			Name:      "attributes",
			Usage:     "list subscriber attributes of an owner",
			ArgsUsage: "[OWNER]",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "unsynced, u",
					Usage: " only attributes not yet synced",
				},
			},
			Action: runAttributes,
		},
		{
			Name:   "posted",
			Usage:  "list transaction ids whose receipt post completed",
			Action: runPosted,
		},
		{
			Name:   "clear-validators",
			Usage:  "drop every stored ETag so the next requests fetch full bodies",
			Action: runClearValidators,
		},
		{
			Name:      "clear-subscriber",
			Usage:     "drop the cached subscriber state of an owner",
			ArgsUsage: "OWNER",
			Action:    runClearSubscriber,
		},
	}

	app.Before = func(c *cli.Context) error {
		verbose := c.GlobalBool("verbose")
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := telemetry.NewLogger(c.App.ErrWriter, level)

		ctx := context.Background()
		handle, err := open(ctx, c)
		if err != nil {
			return err
		}

		dc, err := devicecache.Open(ctx, handle.Store, devicecache.WithLogger(logger))
		if err != nil {
			_ = handle.Close()
			return err
		}

		if verbose {
			fmt.Fprintf(c.App.ErrWriter, "storage: %s\n", handle.Driver)
		}

		c.App.Metadata["config"] = &metadata{
			handle:  handle,
			cache:   dc,
			logger:  logger,
			verbose: verbose,
			w:       c.App.Writer,
			e:       c.App.ErrWriter,
		}
		return nil
	}

	app.After = func(c *cli.Context) error {
		m, ok := c.App.Metadata["config"].(*metadata)
		if !ok {
			return nil
		}
		return m.handle.Close()
	}

	return app
}

func openConfigured(ctx context.Context, c *cli.Context) (*storage.Handle, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	storageCfg := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DatabaseURL: cfg.Storage.DatabaseURL,
		AutoMigrate: false,
		RedisAddr:   cfg.Storage.RedisAddr,
		RedisDB:     cfg.Storage.RedisDB,
		RedisPrefix: cfg.Storage.RedisPrefix,
	}
	if driver := c.GlobalString("driver"); driver != "" {
		storageCfg.Driver = driver
	}
	if path := c.GlobalString("path"); path != "" {
		storageCfg.Path = path
	}
	return storage.Open(ctx, storageCfg)
}
