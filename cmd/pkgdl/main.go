package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"
	"github.com/rcrowley/go-metrics"
	"github.com/urfave/cli"

	"github.com/cenkalti/pkgdl"
	"github.com/cenkalti/pkgdl/internal/jsonutil"
	"github.com/cenkalti/pkgdl/internal/license"
	"github.com/cenkalti/pkgdl/internal/logger"
	"github.com/cenkalti/pkgdl/internal/verifier"
)

const defaultConfig = "~/.pkgdl.yaml"

var version = "0.0.0"

func main() {
	app := cli.NewApp()
	app.Name = "pkgdl"
	app.Usage = "Resumable package downloader"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: defaultConfig,
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug log",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log messages at `LEVEL` and above",
			Value: "info",
		},
		cli.BoolFlag{
			Name:  "metrics",
			Usage: "print metrics after download",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logger.SetLevel(log.DEBUG)
			return nil
		}
		l, err := logger.ParseLevel(c.GlobalString("log-level"))
		if err != nil {
			return err
		}
		logger.SetLevel(l)
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "download",
			Usage: "download a package",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:     "content-id",
					Usage:    "content id of the package",
					Required: true,
				},
				cli.StringFlag{
					Name:     "url",
					Usage:    "URL of the package",
					Required: true,
				},
				cli.StringFlag{
					Name:  "digest",
					Usage: "expected SHA-256 of the package as hex or multihash",
				},
				cli.StringFlag{
					Name:  "license",
					Usage: "license (RAP) as hex",
				},
				cli.BoolFlag{
					Name:  "retry",
					Usage: "retry on network errors",
				},
			},
			Action: handleDownload,
		},
		{
			Name:   "pending",
			Usage:  "list interrupted downloads",
			Action: handlePending,
		},
		{
			Name:   "config",
			Usage:  "print effective config",
			Action: handleConfig,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*pkgdl.Config, error) {
	filename, err := homedir.Expand(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	return pkgdl.LoadConfig(filename)
}

func handleDownload(c *cli.Context) error {
	digest, err := verifier.ParseDigest(c.String("digest"))
	if err != nil {
		return err
	}
	var lic []byte
	if s := c.String("license"); s != "" {
		lic, err = hex.DecodeString(s)
		if err != nil {
			return err
		}
		if len(lic) != license.Size {
			return fmt.Errorf("license must be %d bytes", license.Size)
		}
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ui := &consoleUI{ctx: ctx}
	d, err := pkgdl.New(*cfg, ui)
	if err != nil {
		return err
	}
	defer d.Close()

	contentID, url := c.String("content-id"), c.String("url")
	download := func() error {
		err := d.Fetch(ctx, contentID, url, lic, digest)
		var derr *pkgdl.Error
		if errors.As(err, &derr) && !derr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	if c.Bool("retry") {
		err = backoff.RetryNotify(download, newBackOff(ctx, cfg), func(err error, wait time.Duration) {
			fmt.Fprintf(os.Stderr, "retrying in %s\n", wait.Truncate(time.Second))
		})
	} else {
		err = download()
	}
	if c.GlobalBool("metrics") {
		metrics.WriteOnce(d.Metrics(), os.Stderr)
	}
	if errors.Is(err, pkgdl.ErrCancelled) {
		fmt.Fprintln(os.Stderr, "\ndownload cancelled")
	}
	if err != nil {
		// Errors are already shown by the UI.
		return cli.NewExitError("", 1)
	}
	fmt.Fprintln(os.Stderr, "\ndownload complete")
	return nil
}

func newBackOff(ctx context.Context, cfg *pkgdl.Config) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = cfg.Retry.MaxElapsedTime
	var b backoff.BackOff = eb
	if cfg.Retry.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.Retry.MaxAttempts))
	}
	return backoff.WithContext(b, ctx)
}

func handlePending(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	d, err := pkgdl.New(*cfg, nil)
	if err != nil {
		return err
	}
	defer d.Close()
	pending, err := d.Pending()
	if err != nil {
		return err
	}
	for _, p := range pending {
		fmt.Printf("%s\t%s\t%s\t%s\n", p.TitleID, p.SavedAt.Format(time.RFC3339), p.ContentID, p.URL)
	}
	return nil
}

func handleConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	b, err := jsonutil.MarshalCompactPretty(cfg, true)
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(b)
	return nil
}
