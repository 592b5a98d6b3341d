// Copyright 2016 Symantec, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Package cli is the operator command tree of dao-ctl. Every command builds
// a coordinator parameter and executes the matching workflow on the master
// task queue.
package cli

import (
	"context"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Symantec/dao-control/internal/daemon"
)

func RootCmd(ctx context.Context) *cobra.Command {
	var (
		configPath string
		ctl        *Client
	)

	cmd := &cobra.Command{
		Use:               "dao-ctl",
		Short:             "DAO ctl - drive the server lifecycle from your terminal.",
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := daemon.LoadConfig(afero.NewOsFs(), configPath)
			if err != nil {
				return err
			}

			ctl, err = dialClient(cfg)

			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctl.Close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file path (default /etc/dao/dao.yaml)")
	cmd.PersistentFlags().BoolP("help", "h", false,
		"Help information about a command")

	cmd.AddCommand(serverCmd(ctx, &ctl))
	cmd.AddCommand(rackCmd(ctx, &ctl))
	cmd.AddCommand(assetCmd(ctx, &ctl))
	cmd.AddCommand(skuCmd(ctx, &ctl))
	cmd.AddCommand(osCmd(ctx, &ctl))
	cmd.AddCommand(discoveryCmd(ctx, &ctl))
	cmd.AddCommand(dhcpCmd(ctx, &ctl))
	cmd.AddCommand(healthCmd(ctx, &ctl))

	cmd.InitDefaultHelpCmd()

	return cmd
}
