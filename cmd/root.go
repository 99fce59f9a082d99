package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	nodeConfigPath    string
	centralConfigPath string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fabricd",
	Short: "fabricd link-state discovery and gossip key-value daemon",
	Long: `fabricd runs the neighbor-discovery (Spark) and gossip key-value (KvStore/KvClient)
core of an IPv6 data-center fabric on the current host.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "fabricd", Title: "fabricd Commands"})
	rootCmd.PersistentFlags().StringVarP(&nodeConfigPath, "node-config", "n", "node.yaml", "node-specific config")
	rootCmd.PersistentFlags().StringVarP(&centralConfigPath, "central-config", "c", "central.yaml", "fabric-wide config")
}
