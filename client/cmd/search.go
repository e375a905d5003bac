package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ddworken/lookupguard/client/backend"
	"github.com/ddworken/lookupguard/client/data"
	"github.com/ddworken/lookupguard/client/hctx"
	"github.com/ddworken/lookupguard/client/lib"
	"github.com/ddworken/lookupguard/client/tui"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/ledger"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/ddworken/lookupguard/shared"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var searchKind *string

var claimCmd = &cobra.Command{
	Use:     "claim [USERNAME]",
	Short:   "Claim a username for this machine's address, searches are attributed to it",
	GroupID: GROUP_ID_SEARCHING,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		username := config.Username
		if len(args) == 1 {
			username = args[0]
		}
		if strings.TrimSpace(username) == "" {
			lib.CheckFatalError(fmt.Errorf("no username given and none is configured"))
		}
		b := makeBackend(ctx)
		defer b.Close()
		view, err := b.Session(ctx)
		lib.CheckFatalError(err)
		record, err := b.Claim(ctx, username)
		if errors.Is(err, identity.ErrUsernameTaken) {
			fmt.Fprintf(os.Stderr, "The username %#v is already used from another address, pick a different one\n", username)
			os.Exit(1)
		}
		lib.CheckFatalError(err)
		fmt.Println(claimMessage(view.Username, record))
		config.Username = record.Username
		lib.CheckFatalError(hctx.SetConfig(config))
	},
}

var searchCmd = &cobra.Command{
	Use:     "search VALUE",
	Short:   "Look up a phone number or vehicle plate, using one of today's searches",
	GroupID: GROUP_ID_SEARCHING,
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		kind, value, err := data.NormalizeQuery(*searchKind, strings.Join(args, " "))
		lib.CheckFatalError(err)
		b := makeBackend(ctx)
		defer b.Close()
		lib.CheckFatalError(ensureClaimed(ctx, b))

		res, err := b.Search(ctx, kind, value)
		var perr *providers.ProviderError
		switch {
		case errors.Is(err, ledger.ErrQuotaExceeded):
			fmt.Fprintln(os.Stderr, color.RedString("Daily search limit reached, try again tomorrow"))
			os.Exit(1)
		case errors.Is(err, identity.ErrIdentityRequired):
			fmt.Fprintln(os.Stderr, "Claim a username first with `lookupguard claim USERNAME`")
			os.Exit(1)
		case errors.As(err, &perr) && perr.Responded:
			fmt.Fprintf(os.Stderr, "The %s lookup service said: %s\n", perr.Provider, perr.Message)
			os.Exit(1)
		}
		lib.CheckFatalError(err)
		lib.DisplaySearchResult(os.Stdout, res, lib.TerminalWidth())
	},
}

func claimMessage(previous string, record *shared.UsageRecord) string {
	if previous != "" && previous != record.Username {
		return fmt.Sprintf("Renamed %s from %#v to %#v", record.Address, previous, record.Username)
	}
	return fmt.Sprintf("Claimed %#v for %s", record.Username, record.Address)
}

// ensureClaimed claims the configured username when the address does not have one yet.
func ensureClaimed(ctx context.Context, b backend.Backend) error {
	config := hctx.GetConf(ctx)
	if config.Username == "" {
		return nil
	}
	view, err := b.Session(ctx)
	if err != nil {
		return err
	}
	if view.Username != "" {
		return nil
	}
	_, err = b.Claim(ctx, config.Username)
	return err
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "View this address's username, remaining searches and recent history",
	GroupID: GROUP_ID_SEARCHING,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		b := makeBackend(ctx)
		defer b.Close()
		fmt.Printf("lookupguard: v0.%s\n", lib.Version)
		fmt.Printf("Backend: %s\n", b.Type())
		if b.Type() == string(backend.BackendTypeHTTP) && config.ServerURL != "" {
			fmt.Printf("Server: %s\n", config.ServerURL)
		}
		view, err := b.Session(ctx)
		lib.CheckFatalError(err)
		printStatus(view)
		if *verbose && len(view.History) > 0 {
			fmt.Println()
			lib.DisplayHistory(os.Stdout, historyPointers(view), false, lib.TerminalWidth())
		}
		fmt.Printf("Commit Hash: %s\n", lib.GitCommit)
		if *configFlag {
			printFullConfig(config)
		}
	},
}

func printStatus(view *propagator.View) {
	fmt.Printf("Address: %s\n", view.Address)
	if view.Username == "" {
		fmt.Println("Username: (unclaimed)")
	} else {
		fmt.Printf("Username: %s\n", view.Username)
	}
	remaining := fmt.Sprintf("%d of %d", view.Remaining, view.DailyLimit)
	if view.Remaining == 0 {
		remaining = color.RedString(remaining)
	} else {
		remaining = color.GreenString(remaining)
	}
	fmt.Printf("Searches remaining today: %s\n", remaining)
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Follow this address's remaining searches and history as they change",
	GroupID: GROUP_ID_SEARCHING,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(hctx.MakeContext(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		b := makeBackend(ctx)
		defer b.Close()
		if !lib.IsTerminal(os.Stdout) {
			// One JSON document per line, for piping into other tools.
			enc := json.NewEncoder(os.Stdout)
			lib.CheckFatalError(b.Watch(ctx, func(v propagator.View) {
				if err := enc.Encode(v); err != nil {
					hctx.GetLogger().Warnf("failed to write view: %v", err)
				}
			}))
			return
		}
		lib.CheckFatalError(tui.WatchSession(ctx, b))
	},
}

var (
	verbose    *bool
	configFlag *bool
)

func init() {
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	searchKind = searchCmd.Flags().StringP("kind", "k", "", "Query kind, either 'phone' or 'vehicle'. Guessed from the value when omitted")
	verbose = statusCmd.Flags().BoolP("verbose", "v", false, "Also display recent search history")
	configFlag = statusCmd.Flags().Bool("full-config", false, "Display lookupguard's full config")
}
