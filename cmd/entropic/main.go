// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Command entropic is the entropic demo and configuration tool.
package main

import (
	"github.com/spf13/cobra"

	"github.com/katzenpost/entropic/common"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entropic",
		Short: "Post-quantum ratchet messaging over a managed entropy cache",
		Long: `entropic encrypts chat messages with a post-quantum ratchet. The first
message to a peer is keyed by a KEM encapsulation and every later message
advances the chain with salt withdrawn from a local entropy cache. The
cache is filled from remote entropy services and a quorum of QDEA servers,
and is sealed at rest under a device secret.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newDemoCommand())
	cmd.AddCommand(newGenconfigCommand())
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
