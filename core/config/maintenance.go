package config

import (
	"sync/atomic"

	"github.com/satchel-app/satchel/core/errors"
)

// maintenanceActive is process-wide: backup, restore, and migration set it
// so synchronous commands fail fast instead of touching a database that is
// being copied or rewritten.
var maintenanceActive atomic.Bool

// EnterMaintenance flips the gate on. Returns false when already active.
func EnterMaintenance() bool {
	return maintenanceActive.CompareAndSwap(false, true)
}

// ExitMaintenance flips the gate off.
func ExitMaintenance() {
	maintenanceActive.Store(false)
}

// InMaintenance reports whether the gate is active.
func InMaintenance() bool {
	return maintenanceActive.Load()
}

// GuardMaintenance returns the user-visible failure when the gate is active.
// Every synchronous command that touches the primary database calls this
// before doing any work.
func GuardMaintenance() error {
	if maintenanceActive.Load() {
		return errors.InvalidOperation("maintenance in progress, please retry shortly")
	}
	return nil
}
