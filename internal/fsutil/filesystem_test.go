package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_OS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")
	fsys := OSFileSystem{}

	if err := WriteFileAtomic(fsys, path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("got %q", data)
	}
	if fsys.Exists(path + ".tmp") {
		t.Error("temporary file left behind")
	}
}

func TestWriteFileAtomic_Memory(t *testing.T) {
	m := NewMemoryFileSystem()
	if err := WriteFileAtomic(m, "/home/u/.cfg/doc.json", []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if !m.Exists("/home/u/.cfg") {
		t.Error("expected parent directory to exist")
	}
	if files := m.Files("/home/u"); len(files) != 1 || files[0] != "/home/u/.cfg/doc.json" {
		t.Errorf("unexpected files %v", files)
	}
}

func TestWriteFileAtomic_WriteFailure(t *testing.T) {
	m := NewMemoryFileSystem()
	m.FailWrites = errors.New("disk full")
	err := WriteFileAtomic(m, "/a/doc.json", []byte("x"), 0o644)
	if err == nil || !errors.Is(err, m.FailWrites) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if m.Exists("/a/doc.json") {
		t.Error("document should not exist after failed write")
	}
}

func TestMemoryFileSystem_Missing(t *testing.T) {
	m := NewMemoryFileSystem()
	if _, err := m.ReadFile("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile: expected ErrNotExist, got %v", err)
	}
	if err := m.Rename("/nope", "/b"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Rename: expected ErrNotExist, got %v", err)
	}
	if err := m.Remove("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Remove: expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_ReadIsCopy(t *testing.T) {
	m := NewMemoryFileSystem()
	if err := m.WriteFile("/f", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, _ := m.ReadFile("/f")
	data[0] = 'z'
	again, _ := m.ReadFile("/f")
	if string(again) != "abc" {
		t.Errorf("stored data mutated: %q", again)
	}
}
