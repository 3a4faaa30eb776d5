// Package commands implements the offline0 command line.
package commands

import (
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var (
	// Version is the binary version, injected at build time.
	Version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "offline0",
	Short: "Offline caching edge for a content website",
	Long: `offline0 sits between browsers and a website's origin server. It keeps a
versioned cache of the site's pages and assets, serves them when the origin is
unreachable, and queues writes for replay once it comes back.

Use "offline0 [command] --help" for more information about a command.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bucketsCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(installCmd)
}

func loadConfig() (offline0.Config, error) {
	return offline0.LoadConfig(cfgFile)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
}
