// Package watcher tracks files the external program creates or rewrites in
// its working directory, so each command can be credited with its artifacts.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"mwfn-driver/internal/protocol"

	"github.com/fsnotify/fsnotify"
)

// Watcher records paths created or written under a root directory.
type Watcher struct {
	root      string
	fsWatcher *fsnotify.Watcher
	logger    *log.Logger
	ignore    map[string]bool // root-relative paths

	mu      sync.Mutex
	changed map[string]bool

	cancel chan struct{}
	done   chan struct{}
}

// New starts watching root recursively. ignore lists root-relative paths
// whose changes are never reported.
func New(root string, logger *log.Logger, ignore ...string) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", root)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := addDirsRecursive(fsW, root); err != nil {
		fsW.Close()
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}

	w := &Watcher{
		root:      root,
		fsWatcher: fsW,
		logger:    logger,
		ignore:    make(map[string]bool),
		changed:   make(map[string]bool),
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, p := range ignore {
		w.ignore[filepath.Clean(p)] = true
	}

	go w.watchLoop()

	return w, nil
}

// Reset forgets every change seen so far.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.changed = make(map[string]bool)
	w.mu.Unlock()
}

// Drain returns the sorted root-relative paths changed since the last Reset
// or Drain, and forgets them.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	changed := w.changed
	w.changed = make(map[string]bool)
	w.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	select {
	case <-w.cancel:
		return nil
	default:
	}
	close(w.cancel)
	err := w.fsWatcher.Close()
	<-w.done
	return err
}

// watchLoop records fsnotify events until Close.
func (w *Watcher) watchLoop() {
	defer close(w.done)

	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			base := filepath.Base(event.Name)
			if info.IsDir() {
				// If a new directory is created, watch it too.
				if event.Has(fsnotify.Create) && !isHidden(base) {
					w.fsWatcher.Add(event.Name)
				}
				continue
			}
			if isHidden(base) {
				continue
			}

			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil || w.ignore[rel] {
				continue
			}
			w.mu.Lock()
			w.changed[rel] = true
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error for %s: %v", w.root, err)
		}
	}
}

// BuildFileTree generates a FileNode tree for a directory up to maxDepth levels.
func BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	return buildTreeRecursive(dir, dir, 0, maxDepth)
}

func buildTreeRecursive(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	// Separate dirs and files, then sort: dirs first, files second.
	var dirs, files []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if isHidden(name) {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
	}

	nodes := make([]protocol.FileNode, 0, len(dirs)+len(files))

	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		nodes = append(nodes, protocol.FileNode{
			Name:     d.Name(),
			Path:     relPath,
			IsDir:    true,
			Children: buildTreeRecursive(rootDir, fullPath, depth+1, maxDepth),
		})
	}

	for _, f := range files {
		fullPath := filepath.Join(currentDir, f.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		var size int64
		if info, err := f.Info(); err == nil {
			size = info.Size()
		}
		nodes = append(nodes, protocol.FileNode{
			Name: f.Name(),
			Path: relPath,
			Size: size,
		})
	}

	return nodes
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && isHidden(name) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

// isHidden reports dot-prefixed names, which covers .git and editor swap
// files. They are never watched or listed.
func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
