package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rennerdo30/vcpkg-harbor/pkg/config"
)

// setupLogger builds the process logger. With a log file configured, records
// go to both stdout and the file; the returned func closes the file.
func setupLogger(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, func(), error) {
	out := stdout
	closeFn := func() {}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // operator supplied path
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler).With("service", "vcpkg-harbor"), closeFn, nil
}
