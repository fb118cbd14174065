package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/ledgerdesk/internal/deeplink"
	"github.com/rcourtman/ledgerdesk/internal/entitlement"
	"github.com/rcourtman/ledgerdesk/internal/logging"
)

var jsonOutput bool

var (
	loginMode  string
	loginTrial bool
	loginPaste bool
	dropToRun  bool
)

// withApp builds the app, runs fn, and tears everything down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Resolve and print the effective plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ctx, _ = logging.WithResolutionID(ctx, "")
			return printState(cmd.OutOrStdout(), a.machine.Boot(ctx))
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Choose free or pro and sign in",
	Long: `Persist the chosen mode and start the OAuth sign-in. The callback URL
arrives through the deep-link inbox of a running "run" process, or can be
pasted here with --paste.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, ok := entitlement.ParseMode(loginMode)
		if !ok {
			return fmt.Errorf("invalid --mode %q: must be free or pro", loginMode)
		}
		intent := entitlement.IntentNone
		if loginTrial {
			if mode != entitlement.ModePro {
				return errors.New("--trial requires --mode pro")
			}
			intent = entitlement.IntentTrial
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.machine.Login(ctx, mode, intent); err != nil {
				return err
			}
			if !loginPaste {
				fmt.Fprintln(cmd.OutOrStdout(), "Sign-in started; complete it in the browser.")
				return nil
			}

			fmt.Fprint(cmd.OutOrStdout(), "Paste the callback URL: ")
			rawURL, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return handleCallback(ctx, cmd.OutOrStdout(), a, rawURL)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the selected mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.machine.Logout(ctx); err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), a.machine.State())
		})
	},
}

var trialCmd = &cobra.Command{
	Use:   "trial",
	Short: "Start the pro trial for the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ctx, _ = logging.WithResolutionID(ctx, "")
			a.machine.Boot(ctx)
			st, err := a.machine.ActivateTrial(ctx, nil)
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), st)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return to the plan choice and stop remembering it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.machine.ResetSelection()
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), st)
		})
	},
}

var rememberCmd = &cobra.Command{
	Use:   "remember <true|false>",
	Short: "Choose whether the plan selection survives restarts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remember, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[0], err)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.machine.SetRememberSelection(remember)
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), st)
		})
	},
}

var callbackCmd = &cobra.Command{
	Use:   "callback <url>",
	Short: "Complete sign-in from a callback URL",
	Long: `Resolve a sign-in callback URL in this process, or with --drop hand it to
a running "run" process through its deep-link inbox.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if dropToRun {
			return withApp(cmd, func(_ context.Context, a *app) error {
				path, err := deeplink.Drop(a.cfg.InboxDir(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued callback in %s\n", path)
				return nil
			})
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return handleCallback(ctx, cmd.OutOrStdout(), a, args[0])
		})
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginMode, "mode", "pro", "plan to use: free or pro")
	loginCmd.Flags().BoolVar(&loginTrial, "trial", false, "start the pro trial after sign-in")
	loginCmd.Flags().BoolVar(&loginPaste, "paste", false, "read the callback URL from stdin")
	callbackCmd.Flags().BoolVar(&dropToRun, "drop", false, "deliver to a running instance instead")
}

func handleCallback(ctx context.Context, out io.Writer, a *app, rawURL string) error {
	ctx, _ = logging.WithResolutionID(ctx, "")
	st, err := a.machine.HandleCallback(ctx, strings.TrimSpace(rawURL))
	if err != nil {
		return err
	}
	return printState(out, st)
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read callback URL: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no callback URL given")
	}
	return line, nil
}

func printState(out io.Writer, st entitlement.State) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	user := "-"
	if st.User != nil {
		user = st.User.Email
	}
	fmt.Fprintf(out, "Phase:     %s\n", st.Phase)
	fmt.Fprintf(out, "User:      %s\n", user)
	fmt.Fprintf(out, "Mode:      %s\n", st.Mode)
	fmt.Fprintf(out, "License:   %s\n", st.License)
	if st.LicenseExpiry != nil {
		fmt.Fprintf(out, "Expires:   %s\n", st.LicenseExpiry.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Pro:       %t\n", st.IsProUser)
	fmt.Fprintf(out, "Free:      %t\n", st.IsFreeUser)
	if st.TrialStartedAt != nil {
		fmt.Fprintf(out, "Trial:     active=%t left=%s\n", st.IsTrialActive, st.TimeLeft.Round(time.Minute))
	}
	fmt.Fprintf(out, "Remember:  %t\n", st.RememberSelection)
	if st.FromCache {
		fmt.Fprintln(out, "Source:    cache")
	}
	if st.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", st.Error)
	}
	return nil
}
