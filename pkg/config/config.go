// Package config reads the DART_* environment variables that configure a
// runtime instance before Init. The runtime itself has no CLI; the
// environment is the only configuration surface.
package config

import (
	"os"
	"strconv"
	"strings"
)

// AmsgqImpl selects one of the three active-message queue backends.
type AmsgqImpl string

const (
	AmsgqDualWin   AmsgqImpl = "dualwin"
	AmsgqSingleWin AmsgqImpl = "singlewin"
	AmsgqSopnop    AmsgqImpl = "sopnop"
)

// Runtime holds the process-wide configuration derived from the environment.
type Runtime struct {
	// TaskStackSize is the per-task goroutine-park buffer hint, in bytes,
	// rounded up to the page size. Go goroutines grow their own stacks, so
	// this is not an actual mmap'd stack allocation: pkg/task only logs it
	// when the scheduler starts.
	TaskStackSize  int
	NumThreads     int
	ThreadAffinity bool
	AmsgqImpl      AmsgqImpl
}

const pageSize = 4096

// FromEnv reads DART_TASK_STACKSIZE, DART_NUM_THREADS, DART_THREAD_AFFINITY
// and DART_AMSGQ_IMPL, falling back to sane defaults.
func FromEnv() Runtime {
	rt := Runtime{
		TaskStackSize:  roundUpPage(envInt("DART_TASK_STACKSIZE", 256*1024)),
		NumThreads:     envInt("DART_NUM_THREADS", 0),
		ThreadAffinity: envBool("DART_THREAD_AFFINITY", false),
		AmsgqImpl:      envAmsgqImpl("DART_AMSGQ_IMPL", AmsgqDualWin),
	}
	return rt
}

func roundUpPage(n int) int {
	if n <= 0 {
		return pageSize
	}
	return ((n + pageSize - 1) / pageSize) * pageSize
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envAmsgqImpl(key string, def AmsgqImpl) AmsgqImpl {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch AmsgqImpl(v) {
	case AmsgqDualWin, AmsgqSingleWin, AmsgqSopnop:
		return AmsgqImpl(v)
	default:
		return def
	}
}
