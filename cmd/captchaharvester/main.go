package main

import (
	"fmt"
	"os"

	"github.com/codefionn/captchaharvester/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "captchaharvester",
	Short: "Hand captchas to a human and return the solved tokens",
	Long: `captchaharvester accepts captcha requests over a websocket, shows each
challenge in the browser and sends the solved token back to the requester.

Requesters connect to ws://localhost:8457 and send
  {"type":"CaptchaRequest","data":{"pageUrl":"…","sitekey":"…","captchaId":"…"}}

If no subcommand is specified, the harvester is served.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON or TOML, defaults to "+config.GetConfigPath()+")")
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetConfigPath()
}

// loadConfig loads the configuration file and applies environment overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
