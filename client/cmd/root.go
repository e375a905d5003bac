package cmd

import (
	"context"
	"os"

	"github.com/ddworken/lookupguard/client/backend"
	"github.com/ddworken/lookupguard/client/hctx"
	"github.com/ddworken/lookupguard/client/lib"

	"github.com/spf13/cobra"
)

var (
	GROUP_ID_SEARCHING string = "group_id:searching"
	GROUP_ID_ADMIN     string = "group_id:admin"
	GROUP_ID_CONFIG    string = "group_id:config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lookupguard",
	Short: "lookupguard: Quota-guarded phone and vehicle lookups",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		lib.CheckFatalError(hctx.InitConfig())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// makeBackend builds the backend selected in the config. The caller must Close it.
func makeBackend(ctx context.Context) backend.Backend {
	config := hctx.GetConf(ctx)
	b, err := backend.NewBackendFromConfig(ctx, backend.Config{
		BackendType:  config.Backend,
		Version:      lib.Version,
		ServerURL:    config.ServerURL,
		AdminToken:   config.AdminToken,
		DatabaseDSN:  config.DatabaseDSN,
		DiscoveryURL: config.DiscoveryURL,
		PhoneAPI:     config.PhoneAPI,
		VehicleAPI:   config.VehicleAPI,
		VehicleProxy: config.VehicleProxy,
		StealthDelay: config.StealthDelay,
		GeoIPDB:      config.GeoIPDB,
		OpenStore:    hctx.OpenLocalStore,
		Logger:       hctx.GetLog(ctx),
	})
	lib.CheckFatalError(err)
	return b
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: GROUP_ID_SEARCHING, Title: "Searching"})
	rootCmd.AddGroup(&cobra.Group{ID: GROUP_ID_ADMIN, Title: "Administration"})
	rootCmd.AddGroup(&cobra.Group{ID: GROUP_ID_CONFIG, Title: "Configuration"})
	rootCmd.Version = "v0." + lib.Version
}
