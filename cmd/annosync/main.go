package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/annostore/internal/logger"
	"github.com/agentworkforce/annostore/internal/project"
	"github.com/agentworkforce/annostore/internal/share"
)

func main() {
	endpoint := flag.String("endpoint", envOrDefault("ANNOSYNC_ENDPOINT", "http://127.0.0.1:8080"), "revision store endpoint")
	projectFile := flag.String("project-file", envOrDefault("ANNOSYNC_PROJECT_FILE", "project.json"), "local project snapshot file")
	backends := flag.String("backends", strings.TrimSpace(os.Getenv("ANNOSYNC_BACKENDS")), "comma-separated persistence backend DSNs")
	interval := flag.Duration("interval", durationEnv("ANNOSYNC_INTERVAL", 30*time.Second), "watch push interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("ANNOSYNC_INTERVAL_JITTER", 0.2), "watch interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("ANNOSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	logLevel := flag.String("log-level", envOrDefault("ANNOSYNC_LOG_LEVEL", "info"), "log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: annosync [flags] push | pull <pid> | exists <pid> | watch\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log.Logger = logger.New(logger.Config{Level: *logLevel, Service: "annosync"})
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newRunner(rootCtx, runnerOptions{
		Endpoint:    *endpoint,
		ProjectFile: *projectFile,
		BackendDSNs: splitDSNs(*backends),
		Timeout:     *timeout,
		Logger:      log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize annosync")
	}
	code := runCommand(rootCtx, r, args, *interval, *intervalJitter)
	if err := r.close(); err != nil {
		log.Warn().Err(err).Msg("close failed")
	}
	os.Exit(code)
}

// runCommand executes one subcommand and returns the process exit code.
func runCommand(ctx context.Context, r *runner, args []string, interval time.Duration, jitter float64) int {
	if len(args) == 0 {
		flag.Usage()
		return 2
	}
	switch args[0] {
	case "push":
		if _, err := r.push(ctx); err != nil {
			return reportFailure(err)
		}
	case "pull":
		if len(args) < 2 {
			flag.Usage()
			return 2
		}
		if err := r.pull(ctx, args[1]); err != nil {
			return reportFailure(err)
		}
	case "exists":
		if len(args) < 2 {
			flag.Usage()
			return 2
		}
		ok, err := r.exists(ctx, args[1])
		if err != nil {
			return reportFailure(err)
		}
		fmt.Println(ok)
		if !ok {
			return 1
		}
	case "watch":
		if err := r.watch(ctx, interval, jitter); err != nil && !errors.Is(err, context.Canceled) {
			return reportFailure(err)
		}
	default:
		flag.Usage()
		return 2
	}
	return 0
}

func reportFailure(err error) int {
	var syncErr *share.SyncError
	if errors.As(err, &syncErr) {
		log.Error().Err(syncErr.Err).Str("pid", syncErr.PID).Str("stage", string(syncErr.Stage)).Msg("sync failed")
	} else {
		log.Error().Err(err).Msg("annosync failed")
	}
	return 1
}

type runnerOptions struct {
	Endpoint    string
	ProjectFile string
	BackendDSNs []string
	Timeout     time.Duration
	Logger      zerolog.Logger
	HTTPClient  *http.Client
}

// runner owns the store and share client. All of its methods must be
// called from one goroutine.
type runner struct {
	store     *project.Store
	client    *share.Client
	path      string
	timeout   time.Duration
	log       zerolog.Logger
	lastSaved []byte
}

func newRunner(ctx context.Context, opts runnerOptions) (*runner, error) {
	if strings.TrimSpace(opts.ProjectFile) == "" {
		return nil, fmt.Errorf("project file is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	store := project.NewStoreWithOptions(project.StoreOptions{Logger: opts.Logger})
	for i, dsn := range opts.BackendDSNs {
		backend, err := project.BuildBackendFromDSN(dsn)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("backend %q: %w", dsn, err)
		}
		id := fmt.Sprintf("%s-%d", project.BackendName(dsn), i)
		if err := store.RegisterBackend(id, backend); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	client, err := share.NewClient(store, share.NewHTTPClient(opts.Endpoint, httpClient), share.ClientOptions{Logger: opts.Logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	r := &runner{
		store:   store,
		client:  client,
		path:    opts.ProjectFile,
		timeout: opts.Timeout,
		log:     logger.Component(opts.Logger, "annosync"),
	}
	if r.timeout <= 0 {
		r.timeout = 15 * time.Second
	}
	if _, err := r.reload(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return r, nil
}

// reload loads the project file unless it matches what this runner last
// wrote. A missing file keeps the current project.
func (r *runner) reload(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if bytes.Equal(data, r.lastSaved) {
		return false, nil
	}
	if err := r.store.LoadSnapshotJSON(ctx, data); err != nil {
		return false, fmt.Errorf("load %s: %w", r.path, err)
	}
	r.lastSaved = data
	r.log.Info().Str("path", r.path).Str("project_id", r.store.Project().ProjectID).Msg("project loaded")
	return true, nil
}

func (r *runner) save() error {
	data, err := r.store.MarshalSnapshot()
	if err != nil {
		return err
	}
	if err := r.store.SaveFile(r.path); err != nil {
		return err
	}
	r.lastSaved = data
	return nil
}

func (r *runner) push(ctx context.Context) (share.PushResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	result, err := r.client.Push(ctx)
	if err != nil {
		return result, err
	}
	if result.Outcome != share.OutcomeNoChanges {
		if err := r.save(); err != nil {
			return result, err
		}
	}
	r.log.Info().Str("pid", result.PID).Str("rev", result.Rev).Str("outcome", string(result.Outcome)).Msg("push completed")
	return result, nil
}

func (r *runner) pull(ctx context.Context, pid string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.client.Pull(ctx, pid); err != nil {
		return err
	}
	return r.save()
}

func (r *runner) exists(ctx context.Context, pid string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Exists(ctx, pid)
}

func (r *runner) close() error {
	return r.store.Close()
}

// watch pushes on every jittered tick and right after the project file
// changes on disk. A stale push is reported and left for the user to pull.
func (r *runner) watch(ctx context.Context, interval time.Duration, jitter float64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	target := filepath.Clean(r.path)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	next := func(extra time.Duration) time.Duration {
		return jitteredIntervalWithSample(interval, jitter, rng.Float64()) + extra
	}
	runPush := func() time.Duration {
		_, err := r.push(ctx)
		if err == nil {
			return 0
		}
		var httpErr *share.HTTPError
		switch {
		case share.IsStale(err):
			r.log.Warn().Err(err).Msg("remote has newer revision, pull required")
		case errors.As(err, &httpErr) && httpErr.RetryAfter > 0:
			r.log.Warn().Err(err).Dur("retry_after", httpErr.RetryAfter).Msg("push throttled")
			return httpErr.RetryAfter
		default:
			r.log.Warn().Err(err).Str("class", share.Classify(err)).Msg("push failed")
		}
		return 0
	}

	timer := time.NewTimer(next(runPush()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Err(ctx.Err()).Msg("watch stopping")
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			changed, err := r.reload(ctx)
			if err != nil {
				r.log.Warn().Err(err).Msg("reload failed")
				continue
			}
			if changed {
				runPush()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("watcher error")
		case <-timer.C:
			timer.Reset(next(runPush()))
		}
	}
}

func splitDSNs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid float, using fallback")
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
