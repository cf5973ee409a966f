// Package sys provides small bits of host information (CPU count,
// GOMAXPROCS setup); no other package of the bus imports it at present.
// Adapted from the teacher's sys package, trimmed to what a process-local
// bus actually needs -- no cgroup/container CPU-quota probing, since the
// core never decides its own resource ceilings from inside a container.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package sys

import (
	"os"
	"runtime"
	"strconv"
)

const maxProcsEnvVar = "GOMAXPROCS"

func NumCPU() int { return runtime.NumCPU() }

// SetMaxProcs sets GOMAXPROCS = NumCPU unless already overridden via the
// environment, matching the teacher's own startup behavior.
func SetMaxProcs() {
	if v := os.Getenv(maxProcsEnvVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
			return
		}
	}
	runtime.GOMAXPROCS(NumCPU())
}
