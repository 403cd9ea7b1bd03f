// Command fieldsync is the offline-first sync engine for the field
// auditor client. It maintains the durable local mutation queue and
// reconciles it with the audit server when connectivity allows.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conforma/fieldsync/internal/api"
	"github.com/conforma/fieldsync/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync engine for field audits",
	Long: `fieldsync manages the local mutation queue of the field auditor client.

Audits started, answered, photographed, and finalized while offline are
recorded durably in a local SQLite database and replayed against the
audit server in dependency order once connectivity returns.`,
}

func main() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./fieldsync.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fieldsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
	}

	viper.SetEnvPrefix("FIELDSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("data_dir", ".fieldsync")
	viper.SetDefault("spool_dir", ".fieldsync/spool")
	viper.SetDefault("api.timeout", "30s")
	viper.SetDefault("dashboard.port", 8770)
	viper.SetDefault("probe.interval", "15s")
	viper.SetDefault("sync.settle_delay", "3s")

	// Missing config file is fine; env and defaults cover everything.
	_ = viper.ReadInConfig()
}

// openStore opens the local database and initializes its schema.
func openStore() (*store.Store, error) {
	path := filepath.Join(viper.GetString("data_dir"), "sync.db")

	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return st, nil
}

// newClient builds the remote API client from configuration.
func newClient() (*api.Client, error) {
	baseURL := viper.GetString("api.base_url")
	if baseURL == "" {
		return nil, fmt.Errorf("api.base_url is not configured (set FIELDSYNC_API_BASE_URL or fieldsync.yaml)")
	}

	timeout := viper.GetDuration("api.timeout")
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return api.NewClient(api.ClientConfig{
		BaseURL: baseURL,
		Token:   viper.GetString("api.token"),
		Timeout: timeout,
	}), nil
}
