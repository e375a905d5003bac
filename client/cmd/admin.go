package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ddworken/lookupguard/client/data"
	"github.com/ddworken/lookupguard/client/hctx"
	"github.com/ddworken/lookupguard/client/lib"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/ledger"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	historySince   *string
	historySearch  *string
	historyAddress *string
	historyLimit   *int
	blacklistKind  *string
	blacklistNote  *string
)

var adminCmd = &cobra.Command{
	Use:     "admin",
	Short:   "Manage users, limits, history and the interdiction list",
	GroupID: GROUP_ID_ADMIN,
	Run: func(cmd *cobra.Command, args []string) {
		lib.CheckFatalError(cmd.Help())
		os.Exit(1)
	},
}

var adminUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List every address with its username and quota",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		b := makeBackend(ctx)
		defer b.Close()
		users, err := b.ListUsers(ctx)
		lib.CheckFatalError(err)
		lib.DisplayUsers(os.Stdout, users)
	},
}

var adminDeleteUserCmd = &cobra.Command{
	Use:   "delete-user ADDRESS",
	Short: "Delete the usage record of an address",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		b := makeBackend(ctx)
		defer b.Close()
		err := b.DeleteUser(ctx, args[0])
		if errors.Is(err, database.ErrNotFound) {
			fmt.Printf("No usage record for %s\n", args[0])
			return
		}
		lib.CheckFatalError(err)
		fmt.Printf("Deleted the usage record for %s\n", args[0])
	},
}

func parseDelta(s string) int {
	delta, err := strconv.Atoi(s)
	if err != nil {
		lib.CheckFatalError(fmt.Errorf("limit change must be an integer like 5 or -2, got %#v", s))
	}
	return delta
}

var adminLimitCmd = &cobra.Command{
	Use:   "limit ADDRESS DELTA",
	Short: "Raise or lower one address's daily limit by DELTA",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		delta := parseDelta(args[1])
		b := makeBackend(ctx)
		defer b.Close()
		record, err := b.AdjustLimit(ctx, args[0], delta)
		if errors.Is(err, ledger.ErrNoRecord) {
			fmt.Fprintf(os.Stderr, "No usage record for %s\n", args[0])
			os.Exit(1)
		}
		lib.CheckFatalError(err)
		fmt.Printf("Daily limit for %s is now %d\n", record.Address, record.DailyLimit)
	},
}

var adminLimitAllCmd = &cobra.Command{
	Use:   "limit-all DELTA",
	Short: "Raise or lower every address's daily limit by DELTA",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		delta := parseDelta(args[0])
		b := makeBackend(ctx)
		defer b.Close()
		var bar *progressbar.ProgressBar
		adjusted, err := b.AdjustAllLimits(ctx, delta, func(done, total int) {
			if bar == nil {
				bar = progressbar.Default(int64(total))
			}
			_ = bar.Set(done)
		})
		if bar != nil {
			_ = bar.Finish()
		}
		lib.CheckFatalError(err)
		fmt.Printf("Adjusted the daily limit of %d users by %d\n", adjusted, delta)
	},
}

var adminResetAllCmd = &cobra.Command{
	Use:   "reset-all",
	Short: "Zero every address's search count for today",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		b := makeBackend(ctx)
		defer b.Close()
		n, err := b.ResetAll(ctx)
		lib.CheckFatalError(err)
		fmt.Printf("Reset the search count of %d users\n", n)
	},
}

func historyFilter() database.HistoryFilter {
	since, err := lib.ParseSince(*historySince, time.Now())
	lib.CheckFatalError(err)
	return database.HistoryFilter{
		Search:  *historySearch,
		Address: *historyAddress,
		Since:   since,
		Limit:   *historyLimit,
	}
}

var adminHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded searches across every address",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		filter := historyFilter()
		b := makeBackend(ctx)
		defer b.Close()
		entries, err := b.ListHistory(ctx, filter)
		lib.CheckFatalError(err)
		lib.DisplayHistory(os.Stdout, entries, true, lib.TerminalWidth())
	},
}

var adminHistoryPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the searches matching the history filters",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		filter := historyFilter()
		b := makeBackend(ctx)
		defer b.Close()
		n, err := b.PurgeHistory(ctx, filter)
		lib.CheckFatalError(err)
		fmt.Printf("Deleted %d history entries\n", n)
	},
}

var adminHistoryDeleteCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete one history entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		b := makeBackend(ctx)
		defer b.Close()
		lib.CheckFatalError(b.DeleteHistory(ctx, args[0]))
	},
}

var adminBlacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "List interdicted values",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		b := makeBackend(ctx)
		defer b.Close()
		entries, err := b.ListBlacklist(ctx)
		lib.CheckFatalError(err)
		lib.DisplayBlacklist(os.Stdout, entries, lib.TerminalWidth())
	},
}

var adminBlacklistAddCmd = &cobra.Command{
	Use:   "add VALUE",
	Short: "Interdict a phone number or plate. Searches for it look normal but never reach the provider",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		kind, value, err := data.NormalizeQuery(*blacklistKind, args[0])
		lib.CheckFatalError(err)
		b := makeBackend(ctx)
		defer b.Close()
		entry, err := b.AddBlacklist(ctx, value, kind, *blacklistNote)
		lib.CheckFatalError(err)
		fmt.Printf("Interdicted %s %#v (id=%s)\n", entry.Kind, entry.Value, entry.Id)
	},
}

var adminBlacklistRemoveCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Lift an interdiction",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		b := makeBackend(ctx)
		defer b.Close()
		lib.CheckFatalError(b.RemoveBlacklist(ctx, args[0]))
	},
}

var adminStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate counts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		b := makeBackend(ctx)
		defer b.Close()
		stats, err := b.Stats(ctx)
		lib.CheckFatalError(err)
		fmt.Printf("Num users: %d\n", stats.TotalUsers)
		fmt.Printf("Active today: %d\n", stats.ActiveToday)
		fmt.Printf("Num history entries: %d\n", stats.HistoryEntries)
		fmt.Printf("Num blacklist entries: %d\n", stats.BlacklistEntries)
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminUsersCmd)
	adminCmd.AddCommand(adminDeleteUserCmd)
	adminCmd.AddCommand(adminLimitCmd)
	adminCmd.AddCommand(adminLimitAllCmd)
	adminCmd.AddCommand(adminResetAllCmd)
	adminCmd.AddCommand(adminHistoryCmd)
	adminHistoryCmd.AddCommand(adminHistoryDeleteCmd)
	adminHistoryCmd.AddCommand(adminHistoryPurgeCmd)
	adminCmd.AddCommand(adminBlacklistCmd)
	adminBlacklistCmd.AddCommand(adminBlacklistAddCmd)
	adminBlacklistCmd.AddCommand(adminBlacklistRemoveCmd)
	adminCmd.AddCommand(adminStatsCmd)

	historySince = adminHistoryCmd.PersistentFlags().String("since", "", "Only match searches after this time, e.g. '2024-05-01' or '3d'")
	historySearch = adminHistoryCmd.PersistentFlags().StringP("search", "s", "", "Only match searches whose value or username contains this")
	historyAddress = adminHistoryCmd.PersistentFlags().String("address", "", "Only match searches from this address")
	historyLimit = adminHistoryCmd.PersistentFlags().IntP("limit", "n", database.DefaultHistoryLimit, "Maximum number of entries to match")
	blacklistKind = adminBlacklistAddCmd.Flags().StringP("kind", "k", "", "Either 'phone' or 'vehicle'. Guessed from the value when omitted")
	blacklistNote = adminBlacklistAddCmd.Flags().String("reason", "", "Why the value is interdicted")
}
