// Package metadata maintains the working directory's current device
// descriptor file: a JSON mapping of each monitored MAC to its IP and
// description.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"BoxCap/BoxCap-Go-Agent/config"
	"BoxCap/BoxCap-Go-Agent/internal/logger"
	"BoxCap/BoxCap-Go-Agent/internal/pcapfile"
	"BoxCap/BoxCap-Go-Agent/internal/version"
)

// Suffix marks metadata descriptor files.
const Suffix = "_meta.json"

// Manager enforces the one-current-descriptor invariant over the
// working directory.
type Manager struct {
	Dir string

	now func() time.Time
	log *logger.Logger
}

// NewManager creates a manager for the given working directory.
func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, now: time.Now, log: logger.GetLogger()}
}

// Filename returns the descriptor filename for the given instant. The
// version tag records the descriptor format revision.
func Filename(t time.Time) string {
	return t.UTC().Format(pcapfile.TimestampLayout) + "_v" + version.Short() + Suffix
}

// IsMetaFile reports whether name follows the descriptor naming
// pattern.
func IsMetaFile(name string) bool {
	return strings.HasSuffix(name, Suffix)
}

type deviceEntry struct {
	IP   string `json:"ip"`
	Desc string `json:"desc"`
}

// Content renders the canonical descriptor for the given devices:
// MAC-keyed entries serialized in ascending IP order, two-space
// indented. The ordering makes the output reproducible so unchanged
// device lists compare byte-identical.
func Content(devices []config.Device) []byte {
	type pair struct {
		mac   string
		entry deviceEntry
	}
	seen := make(map[string]bool)
	var pairs []pair
	for _, d := range devices {
		if d.MAC == "" {
			continue
		}
		mac := strings.ToUpper(d.MAC)
		if seen[mac] {
			continue
		}
		seen[mac] = true
		pairs = append(pairs, pair{mac: mac, entry: deviceEntry{IP: d.IP, Desc: d.Description}})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return lessIP(pairs[i].entry.IP, pairs[j].entry.IP)
	})

	if len(pairs) == 0 {
		return []byte("{}\n")
	}
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, p := range pairs {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n  ")
		key, _ := json.Marshal(p.mac)
		buf.Write(key)
		buf.WriteString(": ")
		val, _ := json.MarshalIndent(p.entry, "  ", "  ")
		buf.Write(val)
	}
	buf.WriteString("\n}\n")
	return buf.Bytes()
}

// lessIP orders IPv4 addresses numerically, falling back to string
// order when an address does not parse.
func lessIP(a, b string) bool {
	ipA := net.ParseIP(a)
	ipB := net.ParseIP(b)
	if ipA != nil && ipB != nil {
		return bytes.Compare(ipA.To16(), ipB.To16()) < 0
	}
	return a < b
}

// Ensure converges the directory on a single current descriptor for
// devices and returns its path.
//
// Stale descriptors from interrupted runs (two descriptors with no
// capture file between them in the timestamp ordering) are removed,
// keeping only the newest of each run. A surviving descriptor whose
// content already matches is reused unchanged. Otherwise a fresh
// descriptor is written; the previous one is removed only when no
// capture file sorts after it, since such captures are still described
// by it.
func (m *Manager) Ensure(devices []config.Device) (string, error) {
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return "", fmt.Errorf("creating working directory: %w", err)
	}
	names, err := m.listDataFiles()
	if err != nil {
		return "", err
	}

	// Collapse runs of adjacent descriptors down to their newest member.
	for i := 0; i < len(names)-1; {
		if IsMetaFile(names[i]) && IsMetaFile(names[i+1]) {
			stale := names[i+1]
			if err := os.Remove(filepath.Join(m.Dir, stale)); err != nil {
				return "", fmt.Errorf("removing stale descriptor %s: %w", stale, err)
			}
			m.log.Debug("Removed stale metadata descriptor %s", stale)
			names = append(names[:i+1], names[i+2:]...)
		} else {
			i++
		}
	}

	content := Content(devices)

	var current string
	for _, name := range names {
		if IsMetaFile(name) {
			current = name
			break
		}
	}
	if current != "" {
		existing, err := os.ReadFile(filepath.Join(m.Dir, current))
		if err != nil {
			return "", fmt.Errorf("reading descriptor %s: %w", current, err)
		}
		if bytes.Equal(existing, content) {
			return filepath.Join(m.Dir, current), nil
		}
	}

	fresh := Filename(m.now())
	path := filepath.Join(m.Dir, fresh)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing descriptor: %w", err)
	}
	m.log.Info("Wrote metadata descriptor %s (%d devices)", fresh, len(devices))

	// Two device-list changes within one second reuse the same
	// filename; the write above already replaced the old content.
	if current != "" && current != fresh && !m.captureNewerThan(names, current) {
		if err := os.Remove(filepath.Join(m.Dir, current)); err != nil {
			return "", fmt.Errorf("removing outdated descriptor %s: %w", current, err)
		}
	}
	return path, nil
}

// captureNewerThan reports whether any capture file sorts after name;
// deleting the descriptor would orphan those captures.
func (m *Manager) captureNewerThan(names []string, name string) bool {
	for _, n := range names {
		if n <= name {
			break // names are sorted descending
		}
		if strings.HasSuffix(n, pcapfile.Extension) {
			return true
		}
	}
	return false
}

// listDataFiles returns capture and descriptor filenames sorted
// descending, newest first.
func (m *Manager) listDataFiles() ([]string, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing working directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsMetaFile(e.Name()) || strings.HasSuffix(e.Name(), pcapfile.Extension) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
