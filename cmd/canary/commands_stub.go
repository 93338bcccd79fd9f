//go:build !linux

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

var errUnsupported = errors.New("socketcan is only available on linux")

func runDump(context.Context, *appConfig, *slog.Logger, io.Writer) error { return errUnsupported }
func runSend(context.Context, *appConfig, *slog.Logger) error            { return errUnsupported }
func runISOTPSend(context.Context, *appConfig, *slog.Logger) error       { return errUnsupported }
func runISOTPRecv(context.Context, *appConfig, *slog.Logger, io.Writer) error {
	return errUnsupported
}
func runIfindex(*appConfig, io.Writer) error { return errUnsupported }
