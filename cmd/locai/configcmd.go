package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/locai/pkg/locai"
	"github.com/scrypster/locai/pkg/types"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return types.Wrap(types.KindSerialization, err, "encode config")
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a .toml, .yaml or .json file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := locai.DefaultConfig().SaveConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(show, initCmd)
	return cmd
}
