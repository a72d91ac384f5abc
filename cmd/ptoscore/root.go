// Package main is the ptoscore command-line front end (spec §4.10): a
// disk-image formatter, a FUSE mount command, a free-standing consistency
// checker, and a metrics HTTP endpoint. Grounded on gcsfuse's cmd/root.go
// for the cobra+viper wiring shape. viper reads an optional config file
// and PTOSCORE_-prefixed environment variables; no command flag is bound
// to it, and rootCmd itself has no RunE.
package main

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ptoscore",
	Short: "A demand-paged virtual memory and indexed file system core",
	Long: `ptoscore hosts the storage and memory core of a small teaching
operating system: a write-back buffer cache, a multi-level indexed inode
file system, and a demand-paged virtual memory layer, exposed over FUSE.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.ptoscore.yaml)")
	rootCmd.AddCommand(formatCmd, mountCmd, fsckCmd, serveMetricsCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".ptoscore")
		viper.AddConfigPath("$HOME")
	}
	viper.SetEnvPrefix("PTOSCORE")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Printf("ptoscore: config file error: %v", err)
		}
	}
}
