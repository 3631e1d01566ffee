package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "elastic-scout",
	Short: "Keep search indexes in sync with MongoDB collections",
	Long: `elastic-scout mirrors MongoDB collections into Elasticsearch, OpenSearch
or an embedded bleve index and serves searches whose hits are loaded back
from MongoDB.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}
