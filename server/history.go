// Forge server: Commit history
// Copyright Alistair Cunningham 2025

package main

import (
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type history_options struct {
	branch string // Empty for the current head
	start  string // Newest commit to emit, inclusive
	end    string // Oldest commit to emit, inclusive
	limit  int    // Zero for no limit
}

type history_commit struct {
	ID             string `json:"id"`
	AuthorName     string `json:"author_name"`
	AuthorEmail    string `json:"author_email"`
	CommitterName  string `json:"committer_name"`
	CommitterEmail string `json:"committer_email"`
	Message        string `json:"message"`
	Time           int64  `json:"time"`
}

type history_result struct {
	Total   int              `json:"total"`
	Commits []history_commit `json:"commits"`
}

func history_commit_from(c *object.Commit) history_commit {
	return history_commit{
		ID:             c.Hash.String(),
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		Message:        c.Message,
		Time:           c.Author.When.Unix(),
	}
}

// history walks every commit reachable from the branch, newest first by commit time. Total counts
// the whole walk; the range and limit only gate which commits are returned.
func (r *Repository) history(o history_options) (*history_result, error) {
	var start, end plumbing.Hash
	var err error
	if o.start != "" {
		if start, err = commit_id(o.start); err != nil {
			return nil, err
		}
	}
	if o.end != "" {
		if end, err = commit_id(o.end); err != nil {
			return nil, err
		}
	}

	head_hash, err := r.resolve(o.branch)
	if err != nil {
		return nil, err
	}
	head, err := r.commit(head_hash)
	if err != nil {
		return nil, err
	}

	result := &history_result{Commits: []history_commit{}}
	in_range := o.start == ""
	finished := false

	iter := object.NewCommitIterCTime(head, nil, nil)
	defer iter.Close()
	for {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, error_wrap(error_io, err, "walk history of %s/%s", r.owner, r.name)
		}
		result.Total++

		if finished {
			continue
		}
		if !in_range && c.Hash == start {
			in_range = true
		}
		if !in_range {
			continue
		}
		if o.limit <= 0 || len(result.Commits) < o.limit {
			result.Commits = append(result.Commits, history_commit_from(c))
		}
		if o.end != "" && c.Hash == end {
			in_range = false
			finished = true
		}
	}

	return result, nil
}
