package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// waitForDrain polls Drain until it reports want, accumulating results.
func waitForDrain(t *testing.T, w *Watcher, want string) []string {
	t.Helper()
	seen := make(map[string]bool)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range w.Drain() {
			seen[p] = true
		}
		if seen[want] {
			paths := make([]string, 0, len(seen))
			for p := range seen {
				paths = append(paths, p)
			}
			return paths
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("change to %s never reported", want)
	return nil
}

func newWatcher(t *testing.T, dir string, ignore ...string) *Watcher {
	t.Helper()
	w, err := New(dir, nil, ignore...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatcher_NoChanges(t *testing.T) {
	w := newWatcher(t, t.TempDir())
	if got := w.Drain(); got != nil {
		t.Errorf("expected no changes, got %v", got)
	}
}

func TestWatcher_ReportsCreatedFile(t *testing.T) {
	dir := t.TempDir()
	w := newWatcher(t, dir)

	os.WriteFile(filepath.Join(dir, "density.cub"), []byte("cube"), 0644)

	waitForDrain(t, w, "density.cub")
	if got := w.Drain(); got != nil {
		t.Errorf("expected Drain to forget reported changes, got %v", got)
	}
}

func TestWatcher_ReportsFileInNewSubdir(t *testing.T) {
	dir := t.TempDir()
	w := newWatcher(t, dir)

	sub := filepath.Join(dir, "out")
	os.MkdirAll(sub, 0755)
	// Give the watcher a moment to add the new directory.
	time.Sleep(100 * time.Millisecond)
	os.WriteFile(filepath.Join(sub, "grid.txt"), []byte("grid"), 0644)

	waitForDrain(t, w, filepath.Join("out", "grid.txt"))
}

func TestWatcher_ResetForgetsChanges(t *testing.T) {
	dir := t.TempDir()
	w := newWatcher(t, dir)

	os.WriteFile(filepath.Join(dir, "before.txt"), []byte("x"), 0644)
	time.Sleep(100 * time.Millisecond)
	w.Reset()

	os.WriteFile(filepath.Join(dir, "after.txt"), []byte("y"), 0644)
	paths := waitForDrain(t, w, "after.txt")
	for _, p := range paths {
		if p == "before.txt" {
			t.Error("expected change before Reset to be forgotten")
		}
	}
}

func TestWatcher_IgnoresListedAndHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	w := newWatcher(t, dir, "settings.ini")

	os.WriteFile(filepath.Join(dir, "settings.ini"), []byte("isilent= 1"), 0644)
	os.WriteFile(filepath.Join(dir, ".swap"), []byte("tmp"), 0644)
	os.WriteFile(filepath.Join(dir, "result.txt"), []byte("ok"), 0644)

	paths := waitForDrain(t, w, "result.txt")
	for _, p := range paths {
		if p == "settings.ini" || p == ".swap" {
			t.Errorf("expected %s to be ignored", p)
		}
	}
}

func TestWatcher_CloseIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNew_MissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestBuildFileTree_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	tree := BuildFileTree(dir, 3)
	if len(tree) != 0 {
		t.Errorf("expected empty tree, got %d nodes", len(tree))
	}
}

func TestBuildFileTree_WithFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "settings.ini"), []byte("isilent= 0"), 0644)
	os.MkdirAll(filepath.Join(dir, "examples"), 0755)
	os.WriteFile(filepath.Join(dir, "examples", "phenol.fchk"), []byte("fchk"), 0644)

	tree := BuildFileTree(dir, 3)
	if len(tree) != 2 { // "examples" dir + "settings.ini" file
		t.Fatalf("expected 2 nodes, got %d", len(tree))
	}

	// Dirs come first.
	if !tree[0].IsDir || tree[0].Name != "examples" {
		t.Errorf("expected first node to be 'examples' dir, got %s (isDir=%v)", tree[0].Name, tree[0].IsDir)
	}
	if tree[1].IsDir || tree[1].Name != "settings.ini" {
		t.Errorf("expected second node to be 'settings.ini' file, got %s (isDir=%v)", tree[1].Name, tree[1].IsDir)
	}
	if tree[1].Size != int64(len("isilent= 0")) {
		t.Errorf("expected size %d, got %d", len("isilent= 0"), tree[1].Size)
	}
}

func TestBuildFileTree_ExcludesHiddenAndGit(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "out.txt"), []byte("test"), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("test"), 0644)
	os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0755)

	tree := BuildFileTree(dir, 3)
	if len(tree) != 1 { // Only out.txt
		t.Errorf("expected 1 node, got %d", len(tree))
	}
}

func TestBuildFileTree_ListsOrdinaryDirs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"examples", "vendor", "node_modules"} {
		os.MkdirAll(filepath.Join(dir, name), 0755)
	}

	tree := BuildFileTree(dir, 3)
	if len(tree) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(tree))
	}
	for _, n := range tree {
		if !n.IsDir {
			t.Errorf("expected %s to be a dir", n.Name)
		}
	}
}

func TestBuildFileTree_MaxDepth(t *testing.T) {
	dir := t.TempDir()
	// Create 4 levels deep.
	deep := filepath.Join(dir, "a", "b", "c", "d")
	os.MkdirAll(deep, 0755)
	os.WriteFile(filepath.Join(deep, "deep.txt"), []byte("deep"), 0644)

	tree := BuildFileTree(dir, 3)
	// Should only have a → b → c (no d at depth 3).
	if len(tree) != 1 {
		t.Fatalf("expected 1 top-level node, got %d", len(tree))
	}

	node := tree[0]
	if node.Name != "a" {
		t.Fatalf("expected 'a', got %s", node.Name)
	}
	if len(node.Children) != 1 || node.Children[0].Name != "b" {
		t.Fatalf("expected 'b' child")
	}
	b := node.Children[0]
	if len(b.Children) != 1 || b.Children[0].Name != "c" {
		t.Fatalf("expected 'c' child")
	}
	c := b.Children[0]
	if len(c.Children) != 0 {
		t.Errorf("expected no children at depth 3, got %d", len(c.Children))
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".git", true},
		{".env", true},
		{"settings.ini", false},
		{"", false},
	}

	for _, tt := range tests {
		got := isHidden(tt.name)
		if got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
