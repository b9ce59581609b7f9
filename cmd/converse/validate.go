package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/converse/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: OK (cache backend %s, capacity %d, %d quota limiter(s))\n",
				configPath, cfg.Cache.Backend, cfg.Cache.Capacity, len(cfg.Quota.Limiters))
			return nil
		},
	}
}
