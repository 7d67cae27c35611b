// Package queue implements the durable mission-artifact queue.
//
// The filesystem is the queue: anything under outbox/ is pending, anything
// under sent/ has been handed to the downlink. Missions write artifacts
// into outbox/<id>/ and DequeueNext moves them one at a time into
// sent/<id>/ with a same-volume rename, so an artifact is delivered at most
// once even across reboots. There is no index to corrupt.
package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/satlla/obc/log"
	"github.com/satlla/obc/types"
)

// Item is one dequeued artifact.
type Item struct {
	// MissionID is the numeric mission directory name (0 for loose files
	// and non-numeric directories).
	MissionID uint32
	// Name is the artifact file name.
	Name string
	// Type is the classified artifact type.
	Type types.ArtifactType
	// Payload is the file content.
	Payload []byte
	// Path is where the artifact now lives under sent/.
	Path string
}

// Entry describes a pending artifact without consuming it.
type Entry struct {
	MissionID uint32 `json:"mission_id" yaml:"mission_id"`
	Dir       string `json:"dir" yaml:"dir"`
	Name      string `json:"name" yaml:"name"`
	Type      uint8  `json:"type" yaml:"type"`
	Size      int64  `json:"size" yaml:"size"`
}

// Queue is a single-writer view over an outbox/sent directory pair.
// Only the dispatcher goroutine may call DequeueNext and Purge.
type Queue struct {
	outbox string
	sent   string
	logger *log.Logger
}

// New creates a queue over the given directories. Call EnsureDirs before
// first use.
func New(outbox, sent string, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Queue{outbox: outbox, sent: sent, logger: logger}
}

// Outbox returns the outbox root.
func (q *Queue) Outbox() string { return q.outbox }

// Sent returns the sent root.
func (q *Queue) Sent() string { return q.sent }

// EnsureDirs creates the outbox and sent roots.
func (q *Queue) EnsureDirs() error {
	for _, dir := range []string{q.outbox, q.sent} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wrapIOError("init", dir, err)
		}
	}
	return nil
}

// MissionDir returns outbox/<id>.
func (q *Queue) MissionDir(id uint32) string {
	return filepath.Join(q.outbox, strconv.FormatUint(uint64(id), 10))
}

// SentMissionDir returns sent/<id>.
func (q *Queue) SentMissionDir(id uint32) string {
	return filepath.Join(q.sent, strconv.FormatUint(uint64(id), 10))
}

// CreateMission creates outbox/<id> and returns its path.
func (q *Queue) CreateMission(id uint32) (string, error) {
	dir := q.MissionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", wrapIOError("create", dir, err)
	}
	return dir, nil
}

// group is one mission's pending files in delivery order.
type group struct {
	rel       string // path relative to outbox; "" for loose root files
	missionID uint32
	numeric   bool
	files     []string
}

// DequeueNext moves the next pending artifact into sent/ and returns it.
// Returns ErrEmpty when nothing is pending.
func (q *Queue) DequeueNext() (*Item, error) {
	groups, err := q.scan()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if len(g.files) == 0 {
			continue
		}
		return q.take(g, 0)
	}
	return nil, ErrEmpty
}

// List returns pending artifacts in delivery order without moving them.
func (q *Queue) List() ([]Entry, error) {
	groups, err := q.scan()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, g := range groups {
		for i, name := range g.files {
			path := filepath.Join(q.outbox, g.rel, name)
			info, err := os.Stat(path)
			if err != nil {
				return nil, wrapIOError("scan", path, err)
			}
			entries = append(entries, Entry{
				MissionID: g.missionID,
				Dir:       g.rel,
				Name:      name,
				Type:      uint8(Classify(name, i)),
				Size:      info.Size(),
			})
		}
	}
	return entries, nil
}

func (q *Queue) take(g group, index int) (*Item, error) {
	name := g.files[index]
	src := filepath.Join(q.outbox, g.rel, name)
	payload, err := os.ReadFile(src)
	if err != nil {
		return nil, wrapIOError("read", src, err)
	}

	dstDir := filepath.Join(q.sent, g.rel)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, wrapIOError("move", dstDir, err)
	}
	dst := filepath.Join(dstDir, name)
	if err := os.Rename(src, dst); err != nil {
		return nil, wrapIOError("move", src, err)
	}

	return &Item{
		MissionID: g.missionID,
		Name:      name,
		Type:      Classify(name, index),
		Payload:   payload,
		Path:      dst,
	}, nil
}

// scan lists the outbox in delivery order: loose root files first (mission
// 0), then numeric mission directories ascending, then non-numeric
// directories by name. Files within a directory are lexicographic and
// dotfiles are skipped.
func (q *Queue) scan() ([]group, error) {
	entries, err := os.ReadDir(q.outbox)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, wrapIOError("scan", q.outbox, err)
	}

	root := group{rel: "", numeric: true}
	var dirs []group
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() {
			if e.Type().IsRegular() {
				root.files = append(root.files, name)
			}
			continue
		}
		g := group{rel: name}
		if id, err := strconv.ParseUint(name, 10, 32); err == nil {
			g.missionID = uint32(id)
			g.numeric = true
		}
		files, err := listFiles(filepath.Join(q.outbox, name))
		if err != nil {
			return nil, err
		}
		g.files = files
		dirs = append(dirs, g)
	}

	sort.Strings(root.files)
	sort.SliceStable(dirs, func(i, j int) bool {
		a, b := dirs[i], dirs[j]
		if a.numeric != b.numeric {
			return a.numeric
		}
		if a.numeric && a.missionID != b.missionID {
			return a.missionID < b.missionID
		}
		return a.rel < b.rel
	})

	return append([]group{root}, dirs...), nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapIOError("scan", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// PurgeResult summarizes a purge.
type PurgeResult struct {
	Removed int
	Failed  int
}

// Purge removes every file and now-empty directory under root, keeping root
// itself. Children are removed before parents. A failure on one item is
// logged and the purge continues; the returned error aggregates all
// failures.
func (q *Queue) Purge(root string) (PurgeResult, error) {
	var result PurgeResult
	var paths []string
	var errs []error

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			q.logger.Warn("purge scan failed", map[string]any{"path": path, "error": err.Error()})
			errs = append(errs, err)
			result.Failed++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path != root {
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}

	for i := len(paths) - 1; i >= 0; i-- {
		path := paths[i]
		if err := os.Remove(path); err != nil {
			q.logger.Warn("purge item failed", map[string]any{"path": path, "error": err.Error()})
			errs = append(errs, err)
			result.Failed++
			continue
		}
		result.Removed++
	}

	if len(errs) > 0 {
		return result, &IOError{
			Kind: classifyError(errs[0]),
			Op:   "purge",
			Path: root,
			Err:  fmt.Errorf("%d of %d items failed: %w", result.Failed, result.Failed+result.Removed, errors.Join(errs...)),
		}
	}
	return result, nil
}
