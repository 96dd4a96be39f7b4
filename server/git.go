// Forge server: Git repository handle
// Copyright Alistair Cunningham 2025

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repositories opens and creates bare repositories under the configured root
type Repositories struct {
	root string
}

// Repository is one opened bare repository
type Repository struct {
	owner string
	name  string
	path  string
	git   *git.Repository

	// Called between building the new tree and creating the commit; tests use it to inject failures
	before_commit func() error
}

func repositories_new(c *Config) *Repositories {
	return &Repositories{root: c.root}
}

// Get the path to a repository for a given owner and name
func (rs *Repositories) path(owner string, name string) (string, error) {
	if !valid(owner, "name") {
		return "", error_new(error_validation, "invalid owner %q", owner)
	}
	if !valid(name, "name") {
		return "", error_new(error_validation, "invalid repository name %q", name)
	}
	return filepath.Join(rs.root, owner, name), nil
}

// exists is true only if the path exists and opens as a bare repository
func (rs *Repositories) exists(owner string, name string) bool {
	_, err := rs.open(owner, name)
	return err == nil
}

// Open a repository
func (rs *Repositories) open(owner string, name string) (*Repository, error) {
	path, err := rs.path(owner, name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, error_new(error_not_found, "repository %s/%s", owner, name)
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, error_wrap(error_not_found, err, "repository %s/%s", owner, name)
	}
	cfg, err := repo.Config()
	if err != nil || !cfg.Core.IsBare {
		return nil, error_new(error_not_found, "repository %s/%s is not a bare repository", owner, name)
	}

	return &Repository{owner: owner, name: name, path: path, git: repo}, nil
}

// Initialize a new bare repository
func (rs *Repositories) init(owner string, name string) (*Repository, error) {
	path, err := rs.path(owner, name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, error_new(error_conflict, "repository %s/%s already exists", owner, name)
	}

	// Create parent directory if needed
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, error_wrap(error_io, err, "create owner directory")
	}

	repo, err := git.PlainInit(path, true) // true = bare repository
	if err != nil {
		return nil, error_wrap(error_io, err, "initialize repository %s/%s", owner, name)
	}

	// HEAD names main until a write creates a branch
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, error_wrap(error_io, err, "set HEAD")
	}

	return &Repository{owner: owner, name: name, path: path, git: repo}, nil
}

// Delete a repository
func (rs *Repositories) delete(owner string, name string) error {
	path, err := rs.path(owner, name)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Get repository size in bytes
func (r *Repository) size() (int64, error) {
	var size int64

	err := filepath.Walk(r.path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})

	return size, err
}

// Resolve a reference string to a commit hash
func (r *Repository) resolve(ref string) (plumbing.Hash, error) {
	if ref == "" || ref == "HEAD" {
		head, err := r.git.Head()
		if err == nil {
			return head.Hash(), nil
		}
		// HEAD might point to a non-existent branch (e.g., master when main was pushed)
		for _, branch := range []string{"main", "master"} {
			branch_ref, err := r.git.Reference(plumbing.NewBranchReferenceName(branch), true)
			if err == nil {
				return branch_ref.Hash(), nil
			}
		}
		return plumbing.ZeroHash, error_new(error_not_found, "repository %s/%s has no commits", r.owner, r.name)
	}

	// Try as a branch
	branch_ref, err := r.git.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err == nil {
		return branch_ref.Hash(), nil
	}

	// Try as a tag
	tag_ref, err := r.git.Reference(plumbing.NewTagReferenceName(ref), true)
	if err == nil {
		// Annotated tags point at a tag object; peel to the commit
		tag_obj, err := r.git.TagObject(tag_ref.Hash())
		if err == nil {
			commit, err := tag_obj.Commit()
			if err == nil {
				return commit.Hash, nil
			}
		}
		return tag_ref.Hash(), nil
	}

	// Try as a commit hash
	if plumbing.IsHash(ref) {
		return plumbing.NewHash(ref), nil
	}

	return plumbing.ZeroHash, error_new(error_not_found, "cannot resolve ref %q", ref)
}

// commit_id parses a full commit id, rejecting anything malformed
func commit_id(s string) (plumbing.Hash, error) {
	if !plumbing.IsHash(s) {
		return plumbing.ZeroHash, error_new(error_not_found, "malformed commit id %q", s)
	}
	return plumbing.NewHash(s), nil
}

// commit loads a commit object, classifying a missing object as not found
func (r *Repository) commit(hash plumbing.Hash) (*object.Commit, error) {
	c, err := r.git.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, error_new(error_not_found, "commit %s", hash)
	}
	if err != nil {
		return nil, error_wrap(error_io, err, "read commit %s", hash)
	}
	return c, nil
}

// commit_at resolves an explicit commit id if given, otherwise a ref
func (r *Repository) commit_at(ref string, id string) (*object.Commit, error) {
	if id != "" {
		hash, err := commit_id(id)
		if err != nil {
			return nil, err
		}
		return r.commit(hash)
	}
	hash, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	return r.commit(hash)
}

// git_path_clean trims surrounding slashes from a path inside a tree
func git_path_clean(path string) string {
	return strings.Trim(path, "/")
}

// git_tree_flatten collects all entries from a tree into a flat map keyed by path
func git_tree_flatten(tree *object.Tree, prefix string, entries map[string]object.TreeEntry) error {
	for _, entry := range tree.Entries {
		path := entry.Name
		if prefix != "" {
			path = prefix + "/" + entry.Name
		}
		if entry.Mode == filemode.Dir {
			subtree, err := tree.Tree(entry.Name)
			if err != nil {
				return fmt.Errorf("failed to read tree %q: %w", path, err)
			}
			if err := git_tree_flatten(subtree, path, entries); err != nil {
				return err
			}
		} else {
			entries[path] = object.TreeEntry{
				Name: path,
				Mode: entry.Mode,
				Hash: entry.Hash,
			}
		}
	}
	return nil
}

// tree_store writes the trees for a flat map of slash separated path to entry, innermost first, and
// returns the id of the root tree
func (r *Repository) tree_store(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	var out []object.TreeEntry
	dirs := map[string]map[string]object.TreeEntry{}
	for path, entry := range entries {
		name, rest, nested := strings.Cut(path, "/")
		if name == "" || (nested && rest == "") {
			return plumbing.ZeroHash, error_new(error_validation, "empty path component in %q", path)
		}
		if !nested {
			out = append(out, object.TreeEntry{Name: name, Mode: entry.Mode, Hash: entry.Hash})
			continue
		}
		if dirs[name] == nil {
			dirs[name] = map[string]object.TreeEntry{}
		}
		dirs[name][rest] = entry
	}

	for _, entry := range out {
		if dirs[entry.Name] != nil {
			return plumbing.ZeroHash, error_new(error_conflict, "%q is both a file and a directory", entry.Name)
		}
	}
	for name, children := range dirs {
		hash, err := r.tree_store(children)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		out = append(out, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}

	// Git orders a directory as if its name ended in a slash
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	slices.SortFunc(out, func(a, b object.TreeEntry) int {
		return strings.Compare(key(a), key(b))
	})

	obj := r.git.Storer.NewEncodedObject()
	if err := (&object.Tree{Entries: out}).Encode(obj); err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "encode tree")
	}
	hash, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, error_wrap(error_io, err, "store tree")
	}
	return hash, nil
}
