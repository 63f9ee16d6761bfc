package project

import (
	"os"
)

// DirectoryPermissions are used for every directory created for a project.
const DirectoryPermissions = 0700

// Filesystem is the part of the file system the synchronization needs to
// observe and mutate.
type Filesystem interface {
	// Exists reports whether anything exists at path.
	Exists(path string) bool
	// IsFile reports whether path is a regular file.
	IsFile(path string) bool
	// MkdirAll creates path and all missing parents. It succeeds if the
	// directory already exists.
	MkdirAll(path string, perm os.FileMode) error
	// RemoveAll removes path recursively. It succeeds if path does not
	// exist.
	RemoveAll(path string) error
}

// OSFilesystem is the Filesystem backed by the operating system.
var OSFilesystem Filesystem = osFilesystem{}

type osFilesystem struct{}

func (osFilesystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osFilesystem) IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (osFilesystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (osFilesystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}
