package projecttest

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clusterrunner/reposync/internal/project"
)

var _ project.Filesystem = &FakeFilesystem{}

// FakeFilesystem is an in-memory project.Filesystem recording every
// mutation.
type FakeFilesystem struct {
	mu      sync.Mutex
	entries map[string]bool // path -> is regular file
	mkdirs  []string
	removes []string
}

// NewFakeFilesystem returns an empty FakeFilesystem.
func NewFakeFilesystem() *FakeFilesystem {
	return &FakeFilesystem{entries: map[string]bool{}}
}

// AddDir makes path exist as a directory.
func (f *FakeFilesystem) AddDir(path string) *FakeFilesystem {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[filepath.Clean(path)] = false
	return f
}

// AddFile makes path exist as a regular file.
func (f *FakeFilesystem) AddFile(path string) *FakeFilesystem {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[filepath.Clean(path)] = true
	return f
}

// Exists implements project.Filesystem. A path exists if it has been added
// or if anything below it has been added.
func (f *FakeFilesystem) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	path = filepath.Clean(path)
	for entry := range f.entries {
		if entry == path || strings.HasPrefix(entry, path+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// IsFile implements project.Filesystem.
func (f *FakeFilesystem) IsFile(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.entries[filepath.Clean(path)]
}

// MkdirAll implements project.Filesystem.
func (f *FakeFilesystem) MkdirAll(path string, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path = filepath.Clean(path)
	f.mkdirs = append(f.mkdirs, path)
	if _, ok := f.entries[path]; !ok {
		f.entries[path] = false
	}
	return nil
}

// RemoveAll implements project.Filesystem.
func (f *FakeFilesystem) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path = filepath.Clean(path)
	f.removes = append(f.removes, path)
	for entry := range f.entries {
		if entry == path || strings.HasPrefix(entry, path+string(filepath.Separator)) {
			delete(f.entries, entry)
		}
	}
	return nil
}

// Mkdirs returns the paths passed to MkdirAll so far.
func (f *FakeFilesystem) Mkdirs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.mkdirs...)
}

// Removes returns the paths passed to RemoveAll so far.
func (f *FakeFilesystem) Removes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.removes...)
}
