package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/ledgerdesk/internal/config"
	"github.com/rcourtman/ledgerdesk/internal/deeplink"
	"github.com/rcourtman/ledgerdesk/internal/entitlement"
	"github.com/rcourtman/ledgerdesk/internal/logging"
)

var statusAddr string

var runCmd = &cobra.Command{
	Use:   "run [callback-url...]",
	Short: "Boot, then follow deep links and the trial countdown until stopped",
	Long: `Resolve the entitlement at startup, then keep running: callback URLs
dropped into the inbox (or passed as arguments) are resolved as they arrive,
the trial countdown is re-evaluated, and .env log-level edits apply live.
SIGHUP re-runs the startup resolution.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runLoop(ctx, a, args)
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /metrics and /state on this address")
}

func runLoop(parent context.Context, a *app, args []string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	unsubscribe := a.machine.Subscribe(func(st entitlement.State) {
		log.Info().
			Str("phase", string(st.Phase)).
			Str("mode", st.Mode.String()).
			Bool("pro", st.IsProUser).
			Bool("trial_active", st.IsTrialActive).
			Str("error", string(st.Error)).
			Msg("Entitlement changed")
	})
	defer unsubscribe()

	if statusAddr != "" {
		startStatusServer(ctx, statusAddr, a.machine)
	}

	bootCtx, _ := logging.WithResolutionID(ctx, "")
	a.machine.Boot(bootCtx)

	handle := func(ctx context.Context, rawURL string) error {
		ctx, _ = logging.WithResolutionID(ctx, "")
		_, err := a.machine.HandleCallback(ctx, rawURL)
		return err
	}

	for _, rawURL := range deeplink.FromArgs(args, callbackSchemes(a.cfg)...) {
		if err := handle(ctx, rawURL); err != nil {
			log.Warn().Err(err).Msg("Callback from arguments failed")
		}
	}

	inbox, err := deeplink.NewWatcher(a.cfg.InboxDir(), handle)
	if err != nil {
		return err
	}
	if err := inbox.Start(ctx); err != nil {
		return err
	}
	defer inbox.Stop()

	a.machine.StartCountdown(ctx)

	cfgWatcher, err := config.NewWatcher(a.cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		cfgWatcher.OnChange(func(c *config.Config) {
			logging.SetGlobalLevel(c.LogLevel)
		})
		if err := cfgWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer cfgWatcher.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	defer signal.Stop(reloadChan)

	log.Info().Str("inbox", inbox.Dir()).Msg("Entitlement core running")
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, resolving entitlement again")
			bootCtx, _ := logging.WithResolutionID(ctx, "")
			a.machine.Boot(bootCtx)
		case <-sigChan:
			log.Info().Msg("Shutting down")
			return nil
		case <-parent.Done():
			return nil
		}
	}
}

// callbackSchemes lists the URL schemes a second instance may be launched
// with: the redirect URL's scheme when it is a custom one.
func callbackSchemes(cfg *config.Config) []string {
	u, err := url.Parse(cfg.RedirectURL)
	if err != nil || u.Scheme == "" || u.Scheme == "http" || u.Scheme == "https" {
		return nil
	}
	return []string{u.Scheme}
}
