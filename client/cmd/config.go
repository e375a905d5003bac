package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ddworken/lookupguard/client/hctx"
	"github.com/ddworken/lookupguard/client/lib"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/shared"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configField is one user settable config option.
type configField struct {
	help     string
	get      func(*hctx.ClientConfig) string
	set      func(*hctx.ClientConfig, string) error
	isSecret bool
}

func stringField(help string, ptr func(*hctx.ClientConfig) *string) configField {
	return configField{
		help: help,
		get:  func(c *hctx.ClientConfig) string { return *ptr(c) },
		set: func(c *hctx.ClientConfig, v string) error {
			*ptr(c) = v
			return nil
		},
	}
}

var configFields = map[string]configField{
	"username": stringField("The username searches are attributed to", func(c *hctx.ClientConfig) *string { return &c.Username }),
	"backend": {
		help: "Either 'http' to go through a lookupguard server or 'local' to run in process",
		get:  func(c *hctx.ClientConfig) string { return c.Backend },
		set: func(c *hctx.ClientConfig, v string) error {
			if v != hctx.BackendHTTP && v != hctx.BackendLocal {
				return fmt.Errorf("unexpected backend %#v, must be one of: %s, %s", v, hctx.BackendHTTP, hctx.BackendLocal)
			}
			c.Backend = v
			return nil
		},
	},
	"server-url": stringField("The lookupguard server used by the http backend", func(c *hctx.ClientConfig) *string { return &c.ServerURL }),
	"admin-token": func() configField {
		f := stringField("Bearer token for admin commands against a server", func(c *hctx.ClientConfig) *string { return &c.AdminToken })
		f.isSecret = true
		return f
	}(),
	"database-dsn":  stringField("Store for the local backend, a SQLite path or a postgres:// DSN", func(c *hctx.ClientConfig) *string { return &c.DatabaseDSN }),
	"discovery-url": stringField("Service reporting this machine's public address, for the local backend", func(c *hctx.ClientConfig) *string { return &c.DiscoveryURL }),
	"phone-api":     stringField("Phone lookup endpoint for the local backend", func(c *hctx.ClientConfig) *string { return &c.PhoneAPI }),
	"vehicle-api":   stringField("Vehicle lookup endpoint for the local backend", func(c *hctx.ClientConfig) *string { return &c.VehicleAPI }),
	"vehicle-proxy": stringField("Proxy wrapping vehicle lookups for the local backend", func(c *hctx.ClientConfig) *string { return &c.VehicleProxy }),
	"geoip-db":      stringField("MaxMind country database for the local backend's user listing", func(c *hctx.ClientConfig) *string { return &c.GeoIPDB }),
	"stealth-delay": {
		help: "Latency added to interdicted searches in the local backend, e.g. 1.5s",
		get:  func(c *hctx.ClientConfig) string { return c.StealthDelay },
		set: func(c *hctx.ClientConfig, v string) error {
			if v != "" {
				if _, err := time.ParseDuration(v); err != nil {
					return fmt.Errorf("invalid duration %#v: %w", v, err)
				}
			}
			c.StealthDelay = v
			return nil
		},
	},
}

func configFieldNames() []string {
	names := lo.Keys(configFields)
	sort.Strings(names)
	return names
}

var configGetCmd = &cobra.Command{
	Use:       "config-get KEY",
	Short:     "Get the value of a config option",
	GroupID:   GROUP_ID_CONFIG,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: configFieldNames(),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		fmt.Println(configFields[args[0]].get(config))
	},
}

var configSetCmd = &cobra.Command{
	Use:       "config-set KEY VALUE",
	Short:     "Set the value of a config option",
	GroupID:   GROUP_ID_CONFIG,
	Args:      cobra.ExactArgs(2),
	ValidArgs: configFieldNames(),
	Run: func(cmd *cobra.Command, args []string) {
		field, ok := configFields[args[0]]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown config option %#v, must be one of: %s\n", args[0], strings.Join(configFieldNames(), ", "))
			os.Exit(1)
		}
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		lib.CheckFatalError(field.set(config, args[1]))
		lib.CheckFatalError(hctx.SetConfig(config))
	},
}

var configListCmd = &cobra.Command{
	Use:     "config-list",
	Short:   "List the available config options",
	GroupID: GROUP_ID_CONFIG,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range configFieldNames() {
			fmt.Printf("%-14s %s\n", name, configFields[name].help)
		}
	},
}

// redactedConfig is config with secrets masked, for display.
func redactedConfig(config *hctx.ClientConfig) hctx.ClientConfig {
	redacted := *config
	for _, name := range configFieldNames() {
		field := configFields[name]
		if field.isSecret && field.get(&redacted) != "" {
			_ = field.set(&redacted, "********")
		}
	}
	return redacted
}

func printFullConfig(config *hctx.ClientConfig) {
	redacted := redactedConfig(config)
	y, err := yaml.Marshal(&redacted)
	if err != nil {
		lib.CheckFatalError(fmt.Errorf("failed to marshal config to yaml: %w", err))
	}
	indented := "\t" + strings.ReplaceAll(string(y), "\n", "\n\t")
	fmt.Printf("Full Config:\n%s\n", indented)
}

func historyPointers(view *propagator.View) []*shared.HistoryEntry {
	return lo.Map(view.History, func(e shared.HistoryEntry, _ int) *shared.HistoryEntry {
		return &e
	})
}

func init() {
	rootCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configListCmd)
}
