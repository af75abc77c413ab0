package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/agentctx/internal/contextconfig"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [files...]",
		Short: "Validate context configuration files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed bool
			for _, file := range args {
				cfg, err := loadContextConfig(file)
				if err != nil {
					fmt.Printf("%s: %v\n", file, err)
					failed = true
					continue
				}
				if err := contextconfig.Validate(cfg); err != nil {
					fmt.Printf("%s: %v\n", file, err)
					failed = true
					continue
				}
				fmt.Printf("%s: ok (%d variables)\n", file, len(cfg.Variables))
			}
			if failed {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}
