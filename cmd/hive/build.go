package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/container"
)

func runBuildImage(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fs := flag.NewFlagSet("build-image", flag.ContinueOnError)
	contextDir := fs.String("context", ".", "build context directory")
	dockerfile := fs.String("dockerfile", "Dockerfile.worker", "dockerfile path inside the context")
	tag := fs.String("tag", cfg.Defaults.Image, "image tag")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tag == "" {
		return fmt.Errorf("no image tag: set -tag or defaults.image")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := container.NewDocker(slog.Default())
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Fprintf(os.Stderr, "Building %s from %s/%s\n", *tag, *contextDir, *dockerfile)
	return d.BuildImage(ctx, *contextDir, *dockerfile, *tag)
}
