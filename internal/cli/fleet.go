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

	"github.com/spf13/cobra"

	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/master"
	"github.com/Symantec/dao-control/internal/provision"
)

func assetCmd(ctx context.Context, ctl **Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "asset",
		Short:        "Inventory asset maintenance.",
		SilenceUsage: true,
	}

	var off bool

	protect := &cobra.Command{
		Use:          "protect <serial>",
		Short:        "Exempt an asset from all automated changes.",
		Example:      "dao-ctl asset protect SER0042",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*ctl).call(ctx, "asset-protect", args[0],
				master.AssetProtectParam{
					Context: (*ctl).opCtx(),
					Serial:  args[0],
					On:      !off,
				}, nil)
		},
	}

	protect.Flags().BoolVar(&off, "off", false, "Clear the protected flag")

	cmd.AddCommand(protect)

	return cmd
}

func skuCmd(ctx context.Context, ctl **Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sku",
		Short:        "Hardware catalog.",
		SilenceUsage: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "list",
		Short:        "List the hardware SKUs of this location.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var skus []*db.SKU

			err := (*ctl).call(ctx, "sku-list", "",
				master.SKUListParam{Context: (*ctl).opCtx()}, &skus)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), skus)
		},
	})

	return cmd
}

func osCmd(ctx context.Context, ctl **Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "os",
		Short:        "Provisioning back-end catalog.",
		SilenceUsage: true,
	}

	var workerName string

	list := &cobra.Command{
		Use:          "list",
		Short:        "List the operating systems the back-end can install.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var oses []provision.OS

			err := (*ctl).call(ctx, "os-list", "",
				master.OSListParam{
					Context: (*ctl).opCtx(),
					Worker:  workerName,
				}, &oses)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), oses)
		},
	}

	list.Flags().StringVar(&workerName, "worker", "",
		"Worker whose back-end is asked (default: any)")

	cmd.AddCommand(list)

	return cmd
}

func discoveryCmd(ctx context.Context, ctl **Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "discovery",
		Short:        "Discovery engine maintenance.",
		SilenceUsage: true,
	}

	var workerName, mac string

	reset := &cobra.Command{
		Use:          "reset",
		Short:        "Flush discovery caches so sightings are reprocessed.",
		Example:      "dao-ctl discovery reset --mac aa:bb:cc:dd:ee:ff",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*ctl).call(ctx, "discovery-reset", "",
				master.DiscoveryResetParam{
					Context: (*ctl).opCtx(),
					Worker:  workerName,
					MAC:     mac,
				}, nil)
		},
	}

	reset.Flags().StringVar(&workerName, "worker", "",
		"Reset one worker only (default: all of them)")
	reset.Flags().StringVar(&mac, "mac", "",
		"Forget one MAC only (default: everything)")

	cmd.AddCommand(reset)

	return cmd
}

func dhcpCmd(ctx context.Context, ctl **Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dhcp",
		Short:        "DHCP plane maintenance.",
		SilenceUsage: true,
	}

	var force bool

	hook := &cobra.Command{
		Use:          "hook <ip> <mac>",
		Short:        "Inject a DHCP sighting, as the DHCP server's commit hook does.",
		Example:      "dao-ctl dhcp hook 10.0.1.20 aa:bb:cc:dd:ee:ff",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*ctl).call(ctx, "dhcp-hook", args[1],
				master.DHCPHookParam{
					Context: (*ctl).opCtx(),
					IP:      args[0],
					MAC:     args[1],
					Force:   force,
				}, nil)
		},
	}

	hook.Flags().BoolVar(&force, "force", false,
		"Reprocess the MAC even when it was already seen")

	cmd.AddCommand(hook)

	return cmd
}

func healthCmd(ctx context.Context, ctl **Client) *cobra.Command {
	return &cobra.Command{
		Use:          "health",
		Short:        "Ping every worker of this location.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result master.HealthResult

			err := (*ctl).call(ctx, "health-check", "",
				master.HealthParam{Context: (*ctl).opCtx()}, &result)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), &result)
		},
	}
}
