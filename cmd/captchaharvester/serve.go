package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/captchaharvester/internal/actor"
	"github.com/codefionn/captchaharvester/internal/config"
	"github.com/codefionn/captchaharvester/internal/harvest"
	"github.com/codefionn/captchaharvester/internal/logger"
	"github.com/codefionn/captchaharvester/internal/pidfile"
	"github.com/codefionn/captchaharvester/internal/presenter"
	"github.com/codefionn/captchaharvester/internal/session"
	"github.com/codefionn/captchaharvester/internal/surface/browser"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var (
	serveHarvestAddr string
	serveViewAddr    string
	serveNoBrowser   bool
	serveLogLevel    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the harvest and view servers",
	Long: `Serve accepts captcha requests on the harvest address and shows each one in
the browser. Presented pages report back through the view address.

The configuration file is watched; log_level and session_timeout_seconds
changes apply without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHarvestAddr, "harvest-addr", "", "Address for requester connections (overrides harvest_addr)")
	serveCmd.Flags().StringVar(&serveViewAddr, "view-addr", "", "Address presented pages connect back to (overrides view_addr)")
	serveCmd.Flags().BoolVar(&serveNoBrowser, "no-browser", false, "Log challenge URLs instead of opening a browser")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error, none (overrides log_level)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHarvestAddr != "" {
		cfg.HarvestAddr = serveHarvestAddr
	}
	if serveViewAddr != "" {
		cfg.ViewAddr = serveViewAddr
	}
	if serveNoBrowser {
		cfg.OpenBrowser = false
	}
	if serveLogLevel != "" {
		cfg.LogLevel = serveLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()
	defer log.Close()

	if cfg.PidPath != "" {
		pf := pidfile.New(cfg.PidPath)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				logger.Warn("Failed to remove pidfile: %v", err)
			}
		}()
	}

	// Bind both listeners first so a port clash fails the command
	harvestLn, err := net.Listen("tcp", cfg.HarvestAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HarvestAddr, err)
	}
	viewLn, err := net.Listen("tcp", cfg.ViewAddr)
	if err != nil {
		harvestLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.ViewAddr, err)
	}

	opener := browser.SystemOpener
	if !cfg.OpenBrowser {
		opener = browser.LogOpener(log.WithPrefix("browser"))
	}
	surf := browser.New(opener)

	registry := session.NewRegistry(cfg.RegistryShards)
	dispatcher := presenter.New(registry, surf, presenter.Options{
		Timeout:     cfg.SessionTimeout(),
		MailboxSize: cfg.MailboxSize,
	})

	// Stopped explicitly during shutdown, not by the signal
	system := actor.NewSystem()
	if err := dispatcher.Start(context.Background(), system); err != nil {
		harvestLn.Close()
		viewLn.Close()
		return err
	}
	harvestSrv := harvest.NewServer(cfg, registry, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(cmd, cfg)

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return harvestSrv.Serve(serveCtx, harvestLn)
	})
	g.Go(func() error {
		return serveView(serveCtx, viewLn, surf.Handler(), log)
	})
	g.Go(func() error {
		return watchConfig(gctx, configPath(), dispatcher, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		// Answer pending requesters before their connections close
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := system.StopAll(stopCtx)
		if derr := dispatcher.Stop(stopCtx); err == nil {
			err = derr
		}
		stopServing()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveView(ctx context.Context, ln net.Listener, handler http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(log.WithPrefix("view"), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("View server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("view server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown view server: %w", err)
	}
	return nil
}

// watchConfig applies log level and session timeout changes until ctx is done.
// A config file that does not exist yet is not watched.
func watchConfig(ctx context.Context, path string, dispatcher *presenter.Dispatcher, log *logger.Logger) error {
	w, err := config.Watch(ctx, path, func(cfg *config.Config) {
		level := logger.ParseLevel(cfg.LogLevel)
		if level != log.GetLevel() {
			log.Info("Log level changed to %s", level)
			log.SetLevel(level)
		}
		if timeout := cfg.SessionTimeout(); timeout != dispatcher.Timeout() {
			log.Info("Session timeout changed to %s", timeout)
			dispatcher.SetTimeout(timeout)
		}
	})
	if err != nil {
		logger.Debug("Not watching %s: %v", path, err)
		return nil
	}
	<-w.Done()
	return nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, color.CyanString("captchaharvester"))
	fmt.Fprintf(out, "  %s ws://%s\n", color.GreenString("requesters"), cfg.HarvestAddr)
	fmt.Fprintf(out, "  %s http://%s%s\n", color.GreenString("pages     "), cfg.ViewAddr, browser.RelayPath)
	timeout := "disabled"
	if d := cfg.SessionTimeout(); d > 0 {
		timeout = d.String()
	}
	fmt.Fprintf(out, "  %s %s\n", color.GreenString("timeout   "), timeout)
	if !cfg.OpenBrowser {
		fmt.Fprintln(out, color.YellowString("  browser disabled, challenge URLs are logged"))
	}
}
