// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command xplan compiles, solves and explains planning models written as
// YAML model specs.
//
// Usage:
//
//	xplan compile model.yaml              # PRISM model on stdout
//	xplan solve model.yaml -b 'risk<=1'   # optimal policy under a bound
//	xplan explain model.yaml --json       # policy plus alternatives
//
// Configuration is read from --config (YAML or JSON) and XPLAN_*
// environment variables.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(CLIExitError)
	}
}
