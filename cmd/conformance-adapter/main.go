// conformance-adapter speaks the conformance runner's line-delimited
// JSON protocol over stdin/stdout, driving the Go durable streams client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/durable-streams/durable-streams/internal/adapter"
)

type options struct {
	Config    string `long:"config" description:"path to a YAML config file"`
	ServerURL string `long:"server-url" description:"default server URL (init commands override)"`
	TimeoutMS int    `long:"timeout-ms" description:"default command timeout in milliseconds"`
	LogLevel  string `long:"log-level" description:"log level (debug|info|warning|error)"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg := adapter.DefaultConfig()
	if opts.Config != "" {
		var err error
		cfg, err = adapter.LoadConfig(opts.Config)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if opts.ServerURL != "" {
		cfg.ServerURL = opts.ServerURL
	}
	if opts.TimeoutMS > 0 {
		cfg.DefaultTimeout = time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	// Stdout carries protocol lines; everything else goes to stderr.
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapter.New(cfg, log).Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.WithError(err).Error("adapter terminated")
		os.Exit(1)
	}
}
