package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/vcpkg-harbor/pkg/config"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"harbor", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "vcpkg-harbor "+version)
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"harbor", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	for _, cmd := range []string{"serve", "health", "version"} {
		assert.Contains(t, out.String(), cmd)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"harbor", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
}

func TestRunServeRejectsBadConfig(t *testing.T) {
	t.Setenv("VCPKG_STORAGE_TYPE", "floppy")
	t.Setenv(config.FileEnvVar, "")

	var out, errOut bytes.Buffer
	code := Run([]string{"harbor", "serve"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "unsupported storage type")
}

func TestRunServeRejectsBadFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"harbor", "serve", "--no-such-flag"}, &out, &errOut)
	assert.Equal(t, 2, code)
}

func TestHealthCommand(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","version":"1.2.3","storage_type":"minio"}`))
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"harbor", "health", "--url", ok.URL}, &out, &errOut))
	assert.Equal(t, "OK version=1.2.3 storage=minio\n", out.String())

	errOut.Reset()
	assert.Equal(t, 1, Run([]string{"harbor", "health", "--url", down.URL}, &out, &errOut))
	assert.Contains(t, errOut.String(), "harbor api 404")
}

func TestSetupLoggerWritesFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "harbor.log")
	var stdout bytes.Buffer

	logger, closeLog, err := setupLogger(config.LogConfig{Level: "DEBUG", JSON: true, File: logFile}, &stdout)
	require.NoError(t, err)
	logger.Debug("hello", "component", "test")
	closeLog()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Equal(t, string(data), stdout.String())
}

func TestSetupLoggerTextLevel(t *testing.T) {
	var stdout bytes.Buffer
	logger, closeLog, err := setupLogger(config.LogConfig{Level: "WARN"}, &stdout)
	require.NoError(t, err)
	defer closeLog()

	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, stdout.String(), "dropped")
	assert.Contains(t, stdout.String(), "msg=kept")
}

func TestServeEndToEnd(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Storage.File.Path = filepath.Join(t.TempDir(), "cache")
	cfg.Storage.File.WorkDir = filepath.Join(cfg.Storage.File.Path, ".work")

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}
	base := "http://" + addr

	req, err := http.NewRequest(http.MethodPut, base+"/zlib/1.3.1/abcdef1234567890", strings.NewReader("zlib"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(base + "/zlib/1.3.1/abcdef1234567890")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "zlib", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(metrics), "artifacts.put")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	entries, err := os.ReadDir(cfg.Storage.File.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "cleanup runs on shutdown")
}
