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
	"github.com/Symantec/dao-control/internal/processor"
)

func rackCmd(ctx context.Context, ctl **Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "rack",
		Short:        "Inspect and drive whole racks.",
		SilenceUsage: true,
	}

	cmd.AddCommand(rackListCmd(ctx, ctl))
	cmd.AddCommand(rackTriggerCmd(ctx, ctl))
	cmd.AddCommand(rackRenumberCmd(ctx, ctl))
	cmd.AddCommand(rackDiscoverCmd(ctx, ctl))

	return cmd
}

func rackListCmd(ctx context.Context, ctl **Client) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List the racks of this location.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var racks []*db.Rack

			err := (*ctl).call(ctx, "rack-list", "",
				master.RackListParam{Context: (*ctl).opCtx()}, &racks)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), racks)
		},
	}
}

func rackTriggerCmd(ctx context.Context, ctl **Client) *cobra.Command {
	var (
		target, cluster, role, hddType string
		osArgs                         map[string]string
	)

	cmd := &cobra.Command{
		Use:          "trigger <rack>",
		Short:        "Drive every eligible server of a rack towards a target status.",
		Example:      "dao-ctl rack trigger trr1 --target Validated",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []processor.TriggerResult

			err := (*ctl).call(ctx, "rack-trigger", args[0],
				master.RackTriggerParam{
					Context: (*ctl).opCtx(),
					Rack:    args[0],
					Target:  target,
					Cluster: cluster,
					Role:    role,
					HDDType: hddType,
					OSArgs:  osArgs,
				}, &results)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().StringVar(&target, "target", "",
		"Target status (Unmanaged, Validated, Provisioned or Deployed)")
	cmd.Flags().StringVar(&cluster, "cluster", "",
		"Destination cluster, required for Provisioned and beyond")
	cmd.Flags().StringVar(&role, "role", "",
		"Destination role, required for Provisioned and beyond")
	cmd.Flags().StringVar(&hddType, "hdd-type", "",
		"Override the disk layout used by provisioning")
	cmd.Flags().StringToStringVar(&osArgs, "os-arg", nil,
		"Build parameter key=value passed to the provisioning driver, repeatable")

	return cmd
}

func rackDiscoverCmd(ctx context.Context, ctl **Client) *cobra.Command {
	return &cobra.Command{
		Use:          "discover <rack>",
		Short:        "Enumerate the switches of a rack and record them as assets.",
		Example:      "dao-ctl rack discover trr1",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := (*ctl).call(ctx, "switch-discover", args[0],
				master.SwitchDiscoverParam{
					Context: (*ctl).opCtx(),
					Rack:    args[0],
				}, nil)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "switch discovery done")

			return nil
		},
	}
}

func rackRenumberCmd(ctx context.Context, ctl **Client) *cobra.Command {
	return &cobra.Command{
		Use:          "renumber <rack>",
		Short:        "Recompute server numbers and names from switch placement.",
		Example:      "dao-ctl rack renumber trr1",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var updated int

			err := (*ctl).call(ctx, "rack-renumber", args[0],
				master.RackRenumberParam{
					Context: (*ctl).opCtx(),
					Rack:    args[0],
				}, &updated)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "renumbered %d servers\n", updated)

			return nil
		},
	}
}
