// Forge server: Last commit per directory entry
// Copyright Alistair Cunningham 2025

package main

import (
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
)

type correlation_author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type correlation_commit struct {
	ID        string `json:"id"`
	Author    int    `json:"author"`
	Committer int    `json:"committer"`
	Message   string `json:"message"`
	Time      int64  `json:"time"`
}

// correlation maps each listed entry to the commit that last changed it. Commits and authors are
// stored once and referred to by index. Entries missing from Files were never credited.
type correlation struct {
	Entries []tree_entry         `json:"entries"`
	Commits []correlation_commit `json:"commits"`
	Authors []correlation_author `json:"authors"`
	Files   map[string]int       `json:"files"`

	authors map[correlation_author]int
	commits map[string]int
}

func (cr *correlation) author(sig object.Signature) int {
	key := correlation_author{Name: sig.Name, Email: sig.Email}
	if i, found := cr.authors[key]; found {
		return i
	}
	cr.Authors = append(cr.Authors, key)
	cr.authors[key] = len(cr.Authors) - 1
	return cr.authors[key]
}

func (cr *correlation) commit(c *object.Commit) int {
	id := c.Hash.String()
	if i, found := cr.commits[id]; found {
		return i
	}
	cr.Commits = append(cr.Commits, correlation_commit{
		ID:        id,
		Author:    cr.author(c.Author),
		Committer: cr.author(c.Committer),
		Message:   c.Message,
		Time:      c.Author.When.Unix(),
	})
	cr.commits[id] = len(cr.Commits) - 1
	return cr.commits[id]
}

// correlate lists a directory and credits every entry with the most recent commit on the first-parent
// line that changed it. Merges are not followed, so on merge-heavy history an entry may be credited to
// the merge rather than the commit that made the change.
func (r *Repository) correlate(ref string, dir string) (*correlation, error) {
	entries, err := r.tree(ref, "", dir)
	if err != nil {
		return nil, err
	}

	cr := &correlation{
		Entries: entries,
		Commits: []correlation_commit{},
		Authors: []correlation_author{},
		Files:   make(map[string]int, len(entries)),
		authors: map[correlation_author]int{},
		commits: map[string]int{},
	}
	if len(entries) == 0 {
		return cr, nil
	}

	directories := map[string]bool{}
	files := map[string]bool{}
	for i := range entries {
		if entries[i].Type == entry_directory {
			directories[entries[i].full()] = true
		} else {
			files[entries[i].full()] = true
		}
	}

	hash, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	c, err := r.commit(hash)
	if err != nil {
		return nil, err
	}

	for c != nil {
		tree, err := c.Tree()
		if err != nil {
			return nil, error_wrap(error_io, err, "read tree of commit %s", c.Hash)
		}

		var parent *object.Commit
		var parent_tree *object.Tree
		if c.NumParents() > 0 {
			parent, err = c.Parent(0)
			if err != nil {
				return nil, error_wrap(error_io, err, "read parent of commit %s", c.Hash)
			}
			parent_tree, err = parent.Tree()
			if err != nil {
				return nil, error_wrap(error_io, err, "read tree of commit %s", parent.Hash)
			}
		}

		changes, err := object.DiffTree(parent_tree, tree)
		if err != nil {
			return nil, error_wrap(error_io, err, "diff commit %s", c.Hash)
		}

		for _, change := range changes {
			changed := change.To.Name
			if changed == "" {
				changed = change.From.Name
			}

			if d := correlate_directory(path.Dir(changed), directories, cr.Files); d != "" {
				cr.Files[d] = cr.commit(c)
			}
			if files[changed] {
				if _, touched := cr.Files[changed]; !touched {
					cr.Files[changed] = cr.commit(c)
				}
			}
		}

		if len(cr.Files) == len(entries) {
			break
		}
		c = parent
	}

	return cr, nil
}

// correlate_directory returns the uncredited directory entry that contains parent, if any
func correlate_directory(parent string, directories map[string]bool, touched map[string]int) string {
	for parent != "." && parent != "" {
		if directories[parent] {
			if _, found := touched[parent]; found {
				return ""
			}
			return parent
		}
		i := strings.LastIndex(parent, "/")
		if i < 0 {
			return ""
		}
		parent = parent[:i]
	}
	return ""
}
