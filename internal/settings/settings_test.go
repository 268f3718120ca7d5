package settings

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleSettings = `// Multiwfn settings
  iuserfunc= 0 // user function
  isilent= 0 // If 1, no GUI windows are shown
  nthreads=  4 // How many threads are used
  ompstacksize= 200000000
`

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestParse_Valid(t *testing.T) {
	v, err := Parse([]byte(sampleSettings))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if v.Silent {
		t.Error("expected isilent 0")
	}
	if v.Threads != 4 {
		t.Errorf("expected 4 threads, got %d", v.Threads)
	}
}

func TestParse_NoSpaces(t *testing.T) {
	v, err := Parse([]byte("isilent=1\nnthreads=16//comment\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !v.Silent || v.Threads != 16 {
		t.Errorf("unexpected values: %+v", v)
	}
}

func TestParse_MissingKeys(t *testing.T) {
	cases := map[string]string{
		"isilent":  "nthreads= 4\n",
		"nthreads": "isilent= 0\n",
	}
	for key, text := range cases {
		_, err := Parse([]byte(text))
		if !errors.Is(err, ErrMissingKey) {
			t.Errorf("missing %s: expected ErrMissingKey, got %v", key, err)
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{
		"isilent= 2\nnthreads= 4\n",
		"isilent= 0\nnthreads= four\n",
		"isilent= 0\nnthreads= 0\n",
		"isilent= 0\nnthreads= -3\n",
	}
	for _, text := range cases {
		_, err := Parse([]byte(text))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: expected ErrMalformed, got %v", text, err)
		}
	}
}

func TestRead_MissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), FileName))
	if err == nil {
		t.Fatal("expected error for missing settings file")
	}
}

func TestSuppress_EditsAndRestores(t *testing.T) {
	path := writeSettings(t, sampleSettings)

	g, v, err := Suppress(path)
	if err != nil {
		t.Fatalf("Suppress failed: %v", err)
	}
	if v.Silent {
		t.Error("expected original values to report isilent 0")
	}
	if v.Threads != 4 {
		t.Errorf("expected 4 threads, got %d", v.Threads)
	}

	edited, _ := os.ReadFile(path)
	ev, err := Parse(edited)
	if err != nil {
		t.Fatalf("edited file does not parse: %v", err)
	}
	if !ev.Silent {
		t.Error("expected edited file to have isilent 1")
	}
	if !bytes.Contains(edited, []byte("  isilent= 1 // If 1, no GUI windows are shown")) {
		t.Errorf("expected formatting preserved, got:\n%s", edited)
	}

	if err := g.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	restored, _ := os.ReadFile(path)
	if string(restored) != sampleSettings {
		t.Errorf("expected original content after restore, got:\n%s", restored)
	}
}

func TestSuppress_RestoreIdempotent(t *testing.T) {
	path := writeSettings(t, sampleSettings)

	g, _, err := Suppress(path)
	if err != nil {
		t.Fatalf("Suppress failed: %v", err)
	}
	if err := g.Restore(); err != nil {
		t.Fatalf("first Restore failed: %v", err)
	}

	// A later edit by someone else must not be clobbered.
	os.WriteFile(path, []byte("isilent= 0\nnthreads= 8\n"), 0644)
	if err := g.Restore(); err != nil {
		t.Fatalf("second Restore failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "isilent= 0\nnthreads= 8\n" {
		t.Errorf("second Restore rewrote the file: %q", data)
	}
}

func TestSuppress_AlreadySilent(t *testing.T) {
	content := "isilent= 1\nnthreads= 2\n"
	path := writeSettings(t, content)

	g, v, err := Suppress(path)
	if err != nil {
		t.Fatalf("Suppress failed: %v", err)
	}
	if !v.Silent {
		t.Error("expected isilent 1")
	}
	if err := g.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != content {
		t.Errorf("expected file unchanged, got %q", data)
	}
}

func TestSuppress_MalformedLeavesFileUntouched(t *testing.T) {
	content := "isilent= 0\n// nthreads missing\n"
	path := writeSettings(t, content)

	_, _, err := Suppress(path)
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != content {
		t.Errorf("expected file untouched, got %q", data)
	}
}

func TestSuppress_MissingFile(t *testing.T) {
	_, _, err := Suppress(filepath.Join(t.TempDir(), FileName))
	if err == nil {
		t.Fatal("expected error for missing settings file")
	}
}
