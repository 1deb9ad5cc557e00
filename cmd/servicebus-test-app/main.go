// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Servicebus-test-app is an application for integration tests. The
// shell starts it as a native process; it bootstraps from the inherited
// descriptor (or SERVICEBUS_SHELL_SOCKET for an external start) and
// offers one interface, servicebus.test.Ping, on every connection.
//
// A Ping pipe serves two actions:
//   - ping: replies with the instance's identity
//   - connect: connects onward to another application and reports
//     the shell's result
package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/servicebus/application"
	"github.com/bureau-foundation/servicebus/lib/process"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		logLevel string
		connect  []string
		refuse   bool
	)
	set := pflag.NewFlagSet("servicebus-test-app", pflag.ContinueOnError)
	set.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	set.StringArrayVar(&connect, "connect", nil, "application to connect to once initialized (repeatable)")
	set.BoolVar(&refuse, "refuse-quit", false, "answer quit requests with false")
	if err := set.Parse(args); err != nil {
		return process.Usage(err)
	}
	level, err := process.ParseLevel(logLevel)
	if err != nil {
		return process.Usage(err)
	}
	logger := process.NewLogger(level)

	return application.RunMain(&pingApp{connectTo: connect, refuseQuit: refuse}, logger)
}
