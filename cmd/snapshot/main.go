// Command snapshot records and replays portal network snapshots.
//
// Usage:
//
//	snapshot capture -url https://portal.example -key portal-a [-xhr] [-wait 5s]
//	snapshot replay  -key portal-a [-url https://portal.example/page] [-permissive]
//	snapshot token   -user u1 -store store-1 [-ttl 24h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dhruvsoni1802/portal-gateway/internal/api"
	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/config"
	"github.com/dhruvsoni1802/portal-gateway/internal/snapshot"
)

const usage = "usage: snapshot capture|replay|token [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Flag defaults come from the same env/YAML config the server reads
	cfg, err := config.Load()
	if err != nil {
		logger.Error("snapshot: failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "capture":
		err = runCapture(ctx, logger, cfg, os.Args[2:])
	case "replay":
		err = runReplay(ctx, logger, cfg, os.Args[2:])
	case "token":
		err = runToken(cfg, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("snapshot: fatal", "error", err)
		os.Exit(1)
	}
}

// engineFlags are shared by the commands that need a browser
type engineFlags struct {
	bin      *string
	remote   *string
	headless *bool
	dir      *string
}

func addEngineFlags(fs *flag.FlagSet, cfg *config.Config) engineFlags {
	return engineFlags{
		bin:      fs.String("chromium", cfg.ChromiumPath, "chromium binary (empty lets the launcher resolve one)"),
		remote:   fs.String("remote", cfg.BrowserRemoteURL, "DevTools URL of a running browser"),
		headless: fs.Bool("headless", cfg.BrowserHeadless, "run the browser headless"),
		dir:      fs.String("dir", cfg.SnapshotDir, "snapshot base directory"),
	}
}

func (f engineFlags) open(logger *slog.Logger) (*snapshot.Store, *browser.RodEngine, error) {
	store, err := snapshot.NewStore(*f.dir, logger)
	if err != nil {
		return nil, nil, err
	}
	engine, err := browser.Launch(browser.EngineOptions{
		Bin:       *f.bin,
		RemoteURL: *f.remote,
		Headless:  *f.headless,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, engine, nil
}

func runCapture(ctx context.Context, logger *slog.Logger, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	url := fs.String("url", "", "page to record (required)")
	key := fs.String("key", "", "snapshot key (required)")
	xhr := fs.Bool("xhr", false, "also record xhr/fetch exchanges")
	maxBody := fs.Int("max-body", cfg.SnapshotMaxBodyBytes, "largest body kept, in bytes (SNAPSHOT_MAX_BODY_BYTES)")
	drop := fs.Bool("drop-oversize", false, "drop oversized bodies instead of truncating them")
	wait := fs.Duration("wait", 3*time.Second, "time to let the page run after load")
	force := fs.Bool("force", false, "replace an existing snapshot with the same key")
	ef := addEngineFlags(fs, cfg)
	_ = fs.Parse(args)

	if *url == "" || *key == "" {
		return fmt.Errorf("capture: -url and -key are required")
	}

	store, engine, err := ef.open(logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if *force {
		if err := store.Remove(*key); err != nil {
			return err
		}
	}

	opts := snapshot.Options{IncludeXHR: *xhr, MaxBodyBytes: *maxBody}
	if *drop {
		opts.Oversize = snapshot.OversizeDrop
	}
	rec, err := snapshot.NewRecorder(store, *key, opts, logger)
	if err != nil {
		return err
	}
	effective := rec.Options()
	logger.Info("snapshot: capturing",
		"key", *key,
		"url", *url,
		"xhr", effective.IncludeXHR,
		"max_body", effective.MaxBodyBytes,
		"drop_oversize", effective.Oversize == snapshot.OversizeDrop)

	bctx, err := engine.NewContext(ctx)
	if err != nil {
		return err
	}
	defer bctx.Close()

	page, err := bctx.NewPage(ctx)
	if err != nil {
		return err
	}

	capture, err := snapshot.StartCapture(ctx, page, rec)
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Navigate(*url); err != nil {
		return fmt.Errorf("capture: navigate: %w", err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("capture: wait load: %w", err)
	}

	select {
	case <-time.After(*wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	summary, err := capture.Finish(ctx, *url)
	if err != nil {
		return err
	}
	fmt.Println(summary.String())
	return nil
}

func runReplay(ctx context.Context, logger *slog.Logger, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	key := fs.String("key", "", "snapshot key (required)")
	url := fs.String("url", "", "page to open (defaults to the recorded root URL)")
	permissive := fs.Bool("permissive", false, "let unrecorded requests reach the network")
	ef := addEngineFlags(fs, cfg)
	_ = fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("replay: -key is required")
	}

	store, engine, err := ef.open(logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	snap, err := snapshot.Open(store, *key)
	if err != nil {
		return err
	}

	mode := snapshot.Strict
	if *permissive {
		mode = snapshot.Permissive
	}

	bctx, err := engine.NewContext(ctx)
	if err != nil {
		return err
	}
	defer bctx.Close()

	replay, err := snapshot.NewReplayer(snap, mode, logger).Launch(ctx, bctx, *url)
	if err != nil {
		return err
	}
	defer replay.Close()

	info, err := replay.Page.Context(ctx).Info()
	if err != nil {
		return err
	}
	fmt.Printf("replayed %s: %q at %s (%d recorded requests)\n", *key, info.Title, info.URL, len(snap.Manifest.Entries))
	return nil
}

func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "userId claim (required)")
	store := fs.String("store", "", "storeId claim (required)")
	secret := fs.String("secret", cfg.JWTSecret, "HS256 signing secret")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	if *user == "" || *store == "" || *secret == "" {
		return fmt.Errorf("token: -user, -store and -secret are required")
	}

	tok, err := api.SignToken([]byte(*secret), *user, *store, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
