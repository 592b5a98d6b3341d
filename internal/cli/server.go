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

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/master"
)

func serverCmd(ctx context.Context, ctl **Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Inspect and drive servers.",
		SilenceUsage: true,
	}

	cmd.AddCommand(serverListCmd(ctx, ctl))
	cmd.AddCommand(serverValidateCmd(ctx, ctl))
	cmd.AddCommand(serverProvisionCmd(ctx, ctl))
	cmd.AddCommand(serverStopCmd(ctx, ctl))
	cmd.AddCommand(serverDeleteCmd(ctx, ctl))

	return cmd
}

func serverListCmd(ctx context.Context, ctl **Client) *cobra.Command {
	var rack, status string

	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List servers, optionally scoped to a rack or status.",
		Example:      "dao-ctl server list --rack trr1 --status Validated",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var servers []*db.Server

			err := (*ctl).call(ctx, "server-list", "", master.ServerListParam{
				Context: (*ctl).opCtx(),
				Rack:    rack,
				Status:  status,
			}, &servers)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), servers)
		},
	}

	cmd.Flags().StringVar(&rack, "rack", "", "Limit to one rack")
	cmd.Flags().StringVar(&status, "status", "", "Limit to one lifecycle status")

	return cmd
}

func serverValidateCmd(ctx context.Context, ctl **Client) *cobra.Command {
	return &cobra.Command{
		Use:          "validate <server>",
		Short:        "Start validation of an idle server.",
		Example:      "dao-ctl server validate trr1-u9",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*ctl).call(ctx, "server-validate", args[0],
				master.ServerValidateParam{
					Context: (*ctl).opCtx(),
					Server:  args[0],
				}, nil)
		},
	}
}

func serverProvisionCmd(ctx context.Context, ctl **Client) *cobra.Command {
	var cluster, role, osName string

	cmd := &cobra.Command{
		Use:          "provision <server>",
		Short:        "Provision a validated server into a cluster role.",
		Example:      "dao-ctl server provision trr1-u9 --cluster web-east --role web --os CentOS",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*ctl).call(ctx, "server-provision", args[0],
				master.ServerProvisionParam{
					Context: (*ctl).opCtx(),
					Server:  args[0],
					Cluster: cluster,
					Role:    role,
					OS:      osName,
				}, nil)
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", "", "Destination cluster")
	cmd.Flags().StringVar(&role, "role", "", "Destination role")
	cmd.Flags().StringVar(&osName, "os", "", "Operating system to install")

	return cmd
}

func serverStopCmd(ctx context.Context, ctl **Client) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:          "stop <server>",
		Short:        "Stop the running stage of a server.",
		Example:      "dao-ctl server stop trr1-u9 --force",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := (*ctl).call(ctx, "server-stop", args[0],
				master.ServerStopParam{
					Context: (*ctl).opCtx(),
					Server:  args[0],
					Force:   force,
				}, nil)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false,
		"Unlock the server even when no task is running")

	return cmd
}

func serverDeleteCmd(ctx context.Context, ctl **Client) *cobra.Command {
	return &cobra.Command{
		Use:          "delete <server>",
		Short:        "Decommission a server and release its resources.",
		Example:      "dao-ctl server delete trr1-u9",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*ctl).call(ctx, "server-delete", args[0],
				master.ServerDeleteParam{
					Context: (*ctl).opCtx(),
					Server:  args[0],
				}, nil)
		},
	}
}
