// Forge server: Read file contents
// Copyright Alistair Cunningham 2025

package main

import (
	"io"

	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// blob_limit caps how much of a single file the browse API will return
const blob_limit = 50 * 1024 * 1024

// blob returns the bytes of the file at path, from an explicit commit if given, otherwise from the
// branch or current head
func (r *Repository) blob(branch string, id string, path string) ([]byte, error) {
	c, err := r.commit_at(branch, id)
	if err != nil {
		return nil, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, error_wrap(error_io, err, "read tree of %s", c.Hash)
	}

	path = git_path_clean(path)
	entry, err := tree.FindEntry(path)
	if err != nil {
		return nil, error_new(error_not_found, "file %q", path)
	}
	if entry.Mode == filemode.Dir || entry.Mode == filemode.Submodule {
		return nil, error_new(error_validation, "%q is not a file", path)
	}

	b, err := r.git.BlobObject(entry.Hash)
	if err != nil {
		return nil, error_wrap(error_io, err, "read blob %s", entry.Hash)
	}
	if b.Size > blob_limit {
		return nil, error_new(error_validation, "%q is too large to display (%d bytes)", path, b.Size)
	}
	reader, err := b.Reader()
	if err != nil {
		return nil, error_wrap(error_io, err, "read blob %s", entry.Hash)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, error_wrap(error_io, err, "read blob %s", entry.Hash)
	}
	return content, nil
}
