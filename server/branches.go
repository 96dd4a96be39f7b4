// Forge server: Branch listing
// Copyright Alistair Cunningham 2025

package main

import (
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
)

type branch_info struct {
	Name    string `json:"name"`
	Head    string `json:"head"`
	Time    int64  `json:"time"`
	Default bool   `json:"default"`
}

// branches lists local branches by name, marking the one HEAD points at
func (r *Repository) branches() ([]branch_info, error) {
	var current plumbing.ReferenceName
	head, err := r.git.Storer.Reference(plumbing.HEAD)
	if err == nil && head.Type() == plumbing.SymbolicReference {
		current = head.Target()
	}

	iter, err := r.git.Branches()
	if err != nil {
		return nil, error_wrap(error_io, err, "list branches of %s/%s", r.owner, r.name)
	}
	defer iter.Close()

	out := []branch_info{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		c, err := r.commit(ref.Hash())
		if err != nil {
			return err
		}
		out = append(out, branch_info{
			Name:    ref.Name().Short(),
			Head:    ref.Hash().String(),
			Time:    c.Committer.When.Unix(),
			Default: ref.Name() == current,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}
