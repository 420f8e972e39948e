// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides the command line plumbing shared by the
// entropic tools.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// usageErrors are the error fragments that get the usage text printed
// after the error.
var usageErrors = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
	"config file must be specified",
}

// ExecuteWithFang runs cmd under fang with the version and error handler
// every entropic tool uses. The context passed to the command is
// cancelled on SIGINT or SIGTERM.
func ExecuteWithFang(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := fang.Execute(
		ctx,
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage returns a fang.ErrorHandler printing the styled
// error, followed by the usage text for command line mistakes or a hint
// to use --help otherwise.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if !IsUsageError(err) {
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
			return
		}

		cmd.SetOut(colorprofile.NewWriter(w, os.Environ()))
		if helpFunc := cmd.HelpFunc(); helpFunc != nil {
			helpFunc(cmd, []string{})
		}
	}
}

// IsUsageError returns true if err was caused by the command line rather
// than by the command.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, frag := range usageErrors {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}
