// Forge server: Directory listing
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"

	"github.com/go-git/go-git/v5/plumbing/filemode"
)

const (
	entry_directory = "directory"
	entry_file      = "file"
)

type tree_entry struct {
	Type string `json:"type"`
	Path string `json:"path"` // Parent directory, empty or ending in "/"
	Name string `json:"name"`
	ID   string `json:"id"`
}

// full returns the entry's path from the repository root, as git diffs report it
func (e *tree_entry) full() string {
	return e.Path + e.Name
}

// tree_directory normalizes a directory path to "" for the root or "a/b/" otherwise
func tree_directory(path string) string {
	path = git_path_clean(path)
	if path == "" {
		return ""
	}
	return path + "/"
}

// tree lists the immediate children of a directory. A reference, commit, or path that does not
// resolve gives an empty list rather than an error.
func (r *Repository) tree(ref string, id string, path string) ([]tree_entry, error) {
	entries := []tree_entry{}

	c, err := r.commit_at(ref, id)
	if errors.Is(err, error_not_found) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	root, err := c.Tree()
	if err != nil {
		return nil, error_wrap(error_io, err, "read tree of %s", c.Hash)
	}

	dir := tree_directory(path)
	tree := root
	if dir != "" {
		e, err := root.FindEntry(git_path_clean(dir))
		if err != nil || e.Mode != filemode.Dir {
			return entries, nil
		}
		tree, err = r.git.TreeObject(e.Hash)
		if err != nil {
			return nil, error_wrap(error_io, err, "read tree %q", dir)
		}
	}

	for _, e := range tree.Entries {
		kind := entry_file
		if e.Mode == filemode.Dir {
			kind = entry_directory
		}
		entries = append(entries, tree_entry{Type: kind, Path: dir, Name: e.Name, ID: e.Hash.String()})
	}
	return entries, nil
}
