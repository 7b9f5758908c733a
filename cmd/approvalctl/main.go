// Command approvalctl administers the approvals service: schema migrations,
// template imports, stuck request inspection and development tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

var (
	version = "dev"

	configFile string
	outputFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "approvalctl",
		Short:        "Administer the approvals service",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv(config.EnvPrefix+"_CONFIG_FILE"), "Config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newTemplatesCmd())
	rootCmd.AddCommand(newRequestsCmd())
	rootCmd.AddCommand(newTokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: "development",
		ServiceName: "approvalctl",
		Version:     version,
	})
	return cfg, log, nil
}

// printOutput renders data as JSON or as a table of headers and rows.
func printOutput(w io.Writer, data any, headers []string, rows [][]string) error {
	switch strings.ToLower(outputFlag) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.ToUpper(strings.Join(headers, "\t")))
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported output format %q (supported: table, json)", outputFlag)
	}
}
