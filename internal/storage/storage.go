// Package storage serves and publishes a repository's content from a plain
// directory tree: index.json and index.json.sig at the root, archives under
// archives/ addressed by their SHA-256. Generate and Dir share the layout,
// so a directory Generate wrote is ready to serve as-is.
package storage

import "errors"

var (
	// ErrNotFound is returned when the requested index or archive does not
	// exist under the repository root.
	ErrNotFound = errors.New("not found")

	// ErrBadArchiveName is returned for archive requests that are not a
	// content-addressed <sha256-hex>.pkg name.
	ErrBadArchiveName = errors.New("invalid archive name")

	// ErrNoArchives is returned by Generate when the archive directory holds
	// no packages.
	ErrNoArchives = errors.New("no archives found")

	// ErrDuplicatePackage is returned by Generate when two distinct archives
	// claim the same name, version, and architecture.
	ErrDuplicatePackage = errors.New("duplicate package")
)
