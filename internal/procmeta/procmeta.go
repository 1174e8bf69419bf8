// Package procmeta collects process metadata from the /proc filesystem.
//
// Manager caches what it reads by PID and start time, so a process that
// emits many events is read once. Entries are evicted oldest first once
// the cache is full.
package procmeta

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultProcRoot is where the proc filesystem is mounted.
const DefaultProcRoot = "/proc"

// ProcessMetadata holds structured process information for expression evaluation.
type ProcessMetadata struct {
	Environ     map[string]string // Parsed environment variables
	Args        []string          // Command-line arguments
	CmdlineFull string            // Full command line as single string
}

// Read collects the metadata of pid under root. The environment is
// commonly unreadable for processes of other users; that is not an error,
// the map is left empty.
func Read(root string, pid uint32) (*ProcessMetadata, error) {
	dir := filepath.Join(root, strconv.FormatUint(uint64(pid), 10))

	cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return nil, fmt.Errorf("reading cmdline of pid %d: %w", pid, err)
	}
	args, full := parseCmdline(splitNul(cmdline))

	md := &ProcessMetadata{
		Environ:     map[string]string{},
		Args:        args,
		CmdlineFull: full,
	}

	if environ, err := os.ReadFile(filepath.Join(dir, "environ")); err == nil {
		md.Environ = parseEnviron(splitNul(environ))
	}
	return md, nil
}

// readStartTime returns the start time of pid, in clock ticks since boot,
// from field 22 of /proc/<pid>/stat. The command name in field 2 may hold
// spaces and parentheses, so fields are counted from its closing paren.
func readStartTime(root string, pid uint32) (uint64, error) {
	stat, err := os.ReadFile(filepath.Join(root, strconv.FormatUint(uint64(pid), 10), "stat"))
	if err != nil {
		return 0, err
	}
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return 0, fmt.Errorf("malformed stat of pid %d", pid)
	}
	// Fields after the command name start at field 3 (state).
	fields := strings.Fields(string(stat[i+1:]))
	const startTimeField = 22 - 3
	if len(fields) <= startTimeField {
		return 0, fmt.Errorf("short stat of pid %d", pid)
	}
	start, err := strconv.ParseUint(fields[startTimeField], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing start time of pid %d: %w", pid, err)
	}
	return start, nil
}

// splitNul splits a NUL separated /proc file. A trailing NUL does not
// produce an empty element.
func splitNul(data []byte) []string {
	data = bytes.TrimSuffix(data, []byte{0})
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// parseEnviron converts KEY=VALUE entries to a map. Entries without a key
// are dropped; for duplicate keys the last value wins.
func parseEnviron(raw []string) map[string]string {
	env := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// parseCmdline returns argv and its space joined form.
func parseCmdline(raw []string) ([]string, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	args := append([]string(nil), raw...)
	return args, strings.Join(args, " ")
}
