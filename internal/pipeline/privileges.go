package pipeline

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// WarnIfUnprivileged logs a warning and returns false when the effective
// user is not root. Loading can still succeed with CAP_BPF and
// CAP_PERFMON, so this is not fatal.
func WarnIfUnprivileged(logger *slog.Logger) bool {
	if euid := unix.Geteuid(); euid != 0 {
		logger.Warn("not running as root, loading may fail without CAP_BPF and CAP_PERFMON", "euid", euid)
		return false
	}
	return true
}
