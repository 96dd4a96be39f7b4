// Forge server: Write a file as a new commit
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
)

type blob_write struct {
	path      string // Directory, empty for the root
	name      string
	branch    string
	message   string
	content   []byte
	author    object.Signature
	committer object.Signature
}

// branch_validate checks a branch name against git's reference naming rules
func branch_validate(name string) error {
	if name == "" {
		return error_new(error_validation, "empty branch name")
	}
	if err := plumbing.NewBranchReferenceName(name).Validate(); err != nil {
		return error_new(error_validation, "invalid branch name %q", name)
	}
	return nil
}

// blob_store stores content as a blob object. Identical content always gives the same id.
func (r *Repository) blob_store(content []byte) (plumbing.Hash, error) {
	obj := r.git.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "open blob writer")
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, error_wrap(error_io, err, "write blob")
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "write blob")
	}
	hash, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "store blob")
	}
	return hash, nil
}

// write commits one file to a branch. The branch ref moves only after every object has been stored,
// and only if it still points at the commit the write was based on.
func (r *Repository) write(w *blob_write) (plumbing.Hash, error) {
	if err := branch_validate(w.branch); err != nil {
		return plumbing.ZeroHash, err
	}
	dir := git_path_clean(w.path)
	if !valid(w.name, "filename") || !valid(dir, "filepath") {
		return plumbing.ZeroHash, error_new(error_validation, "invalid file path %q/%q", w.path, w.name)
	}
	full := w.name
	if dir != "" {
		full = dir + "/" + w.name
	}

	blob, err := r.blob_store(w.content)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	// Resolve the branch; a missing branch makes this its first commit
	ref_name := plumbing.NewBranchReferenceName(w.branch)
	entries := map[string]object.TreeEntry{}
	old, err := r.git.Reference(ref_name, true)
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, error_wrap(error_io, err, "read branch %q", w.branch)
	}
	var parents []plumbing.Hash
	if old != nil {
		base, err := r.commit(old.Hash())
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree, err := base.Tree()
		if err != nil {
			return plumbing.ZeroHash, error_wrap(error_io, err, "read tree of %s", base.Hash)
		}
		if err := git_tree_flatten(tree, "", entries); err != nil {
			return plumbing.ZeroHash, error_wrap(error_io, err, "read tree of %s", base.Hash)
		}
		parents = []plumbing.Hash{base.Hash}
	}

	// Refuse to write through a file or over a directory
	for existing := range entries {
		if strings.HasPrefix(full, existing+"/") {
			return plumbing.ZeroHash, error_new(error_conflict, "%q is a file", existing)
		}
		if strings.HasPrefix(existing, full+"/") {
			return plumbing.ZeroHash, error_new(error_conflict, "%q is a directory", full)
		}
	}
	entries[full] = object.TreeEntry{Name: full, Mode: filemode.Regular, Hash: blob}

	tree, err := r.tree_store(entries)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if r.before_commit != nil {
		if err := r.before_commit(); err != nil {
			return plumbing.ZeroHash, err
		}
	}

	commit := &object.Commit{
		Author:       w.author,
		Committer:    w.committer,
		Message:      w.message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := r.git.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "encode commit")
	}
	hash, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "store commit")
	}

	ref := plumbing.NewHashReference(ref_name, hash)
	err = r.git.Storer.CheckAndSetReference(ref, old)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return plumbing.ZeroHash, error_new(error_conflict, "branch %q moved during write", w.branch)
	}
	if err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "update branch %q", w.branch)
	}

	// Creating a branch points HEAD at it
	if old == nil {
		head := plumbing.NewSymbolicReference(plumbing.HEAD, ref_name)
		if err := r.git.Storer.SetReference(head); err != nil {
			return plumbing.ZeroHash, error_wrap(error_io, err, "set HEAD to %q", w.branch)
		}
	}

	debug("Write %s/%s %q on %q as %s", r.owner, r.name, full, w.branch, hash)
	return hash, nil
}
