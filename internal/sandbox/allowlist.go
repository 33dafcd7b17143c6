// Package sandbox validates host paths requested as extra container mounts
// against a user-maintained allowlist file. The allowlist lives outside the
// project tree (~/.config/andbot/mount-allowlist.json) so an agent writing
// into its group folder can never widen its own mount set.
package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Allowlist is the on-disk format. BlockedPatterns are regular expressions
// matched against the cleaned absolute path; a match rejects the mount even
// under an allowed root.
type Allowlist struct {
	AllowedRoots    []string `json:"allowedRoots"`
	BlockedPatterns []string `json:"blockedPatterns"`
	// NonMainReadOnly forces extra mounts read-only for every group except
	// the one whose folder is "main".
	NonMainReadOnly bool `json:"nonMainReadOnly"`
}

// Mount is a validated bind mount.
type Mount struct {
	HostPath string
	ReadOnly bool
}

// Validator holds a parsed allowlist and answers mount requests. It watches
// the allowlist file and reloads on change, so edits take effect without a
// restart. Safe for concurrent use.
type Validator struct {
	path    string
	mu      sync.RWMutex
	list    Allowlist
	blocked []*regexp.Regexp
	watcher *fsnotify.Watcher
}

// defaultAllowlist is written when no allowlist file exists yet: deny-all
// until the user explicitly opens roots up.
const defaultAllowlist = `{
  // Host directories that may be mounted into agent containers.
  "allowedRoots": [],
  // Regexes rejecting sensitive paths even under an allowed root.
  "blockedPatterns": ["\\.ssh", "\\.aws", "\\.gnupg"],
  // Mount extra paths read-only for every group except "main".
  "nonMainReadOnly": true
}
`

// Load reads and parses the allowlist at path. When the file does not exist
// a deny-all default is written there first, so a fresh install starts
// closed rather than failing.
func Load(path string) (*Validator, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create allowlist dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultAllowlist), 0o600); err != nil {
			return nil, fmt.Errorf("write default allowlist: %w", err)
		}
		slog.Info("wrote default mount allowlist", "path", path)
	}

	v := &Validator{path: path}
	if err := v.reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Watch starts reloading the allowlist whenever the file changes. Call
// Close to stop the watcher.
func (v *Validator) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("allowlist watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := w.Add(filepath.Dir(v.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch allowlist dir: %w", err)
	}
	v.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(v.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := v.reload(); err != nil {
					slog.Warn("allowlist reload failed, keeping previous", "error", err)
					continue
				}
				slog.Info("mount allowlist reloaded", "path", v.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("allowlist watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (v *Validator) Close() error {
	if v.watcher != nil {
		return v.watcher.Close()
	}
	return nil
}

func (v *Validator) reload() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("read allowlist: %w", err)
	}
	var list Allowlist
	if err := json5.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse allowlist: %w", err)
	}
	blocked := make([]*regexp.Regexp, 0, len(list.BlockedPatterns))
	for _, p := range list.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("blocked pattern %q: %w", p, err)
		}
		blocked = append(blocked, re)
	}

	v.mu.Lock()
	v.list = list
	v.blocked = blocked
	v.mu.Unlock()
	return nil
}

// Validate checks one requested host path for the given group folder.
// The path must be absolute, resolve under an allowed root after cleaning,
// and match no blocked pattern.
func (v *Validator) Validate(hostPath, groupFolder string) (Mount, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !filepath.IsAbs(hostPath) {
		return Mount{}, fmt.Errorf("mount path %q is not absolute", hostPath)
	}
	clean := filepath.Clean(hostPath)

	for _, re := range v.blocked {
		if re.MatchString(clean) {
			return Mount{}, fmt.Errorf("mount path %q matches blocked pattern %q", clean, re.String())
		}
	}

	allowed := false
	for _, root := range v.list.AllowedRoots {
		if underRoot(clean, filepath.Clean(root)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return Mount{}, fmt.Errorf("mount path %q is outside the allowed roots", clean)
	}

	ro := v.list.NonMainReadOnly && groupFolder != "main"
	return Mount{HostPath: clean, ReadOnly: ro}, nil
}

// underRoot reports whether path is root or inside it. Plain prefix checks
// would accept /home/meow for root /home/me.
func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
