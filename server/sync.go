// Forge server: Reconcile the database cache with a repository
// Copyright Alistair Cunningham 2025

package main

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type branch_row struct {
	ID         string `db:"id"`
	Repository string `db:"repository"`
	Name       string `db:"name"`
	Head       string `db:"head"`
	Time       int64  `db:"time"`
	Updated    int64  `db:"updated"`
}

// sync brings the cached branch heads and commit metadata up to date with the repository on disk.
// Failures are logged and never reported to the caller.
func (f *Forge) sync(row *repository_row) {
	repo, err := f.repositories.open(row.OwnerName, row.Name)
	if err != nil {
		warn("Sync %s/%s: %v", row.OwnerName, row.Name, err)
		return
	}
	branches, commits, err := f.sync_run(row, repo)
	if err != nil {
		warn("Sync %s/%s: %v", row.OwnerName, row.Name, err)
		return
	}

	f.db.exec("update repositories set updated=? where id=?", now(), row.ID)
	debug("Sync %s/%s: %d branches updated, %d commits added", row.OwnerName, row.Name, branches, commits)
	f.events.publish(row.ID, event{Type: "synced", Repository: row.OwnerName + "/" + row.Name, Branches: branches, Commits: commits})
}

// sync_run upserts every live branch, then caches any commit reachable from a cached branch that is
// not already cached. Branches that no longer exist are left in place.
func (f *Forge) sync_run(row *repository_row, repo *Repository) (int, int, error) {
	live, err := repo.branches()
	if err != nil {
		return 0, 0, err
	}

	updated := 0
	for _, b := range live {
		var existing branch_row
		if f.db.scan(&existing, "select * from branches where repository=? and name=?", row.ID, b.Name) {
			if existing.Head == b.Head {
				continue
			}
			if err := f.db.run("update branches set head=?, time=?, updated=? where id=?", b.Head, b.Time, now(), existing.ID); err != nil {
				return updated, 0, error_wrap(error_io, err, "update branch %q", b.Name)
			}
			updated++
			continue
		}
		if _, err := f.db.insert("insert into branches ( id, repository, name, head, time, updated ) values ( ?, ?, ?, ?, ?, ? )", uid(), row.ID, b.Name, b.Head, b.Time, now()); err != nil {
			return updated, 0, error_wrap(error_io, err, "record branch %q", b.Name)
		}
		updated++
	}

	var cached []branch_row
	if err := f.db.scans(&cached, "select * from branches where repository=? order by name", row.ID); err != nil {
		return updated, 0, error_wrap(error_io, err, "read branches")
	}

	added := 0
	for _, b := range cached {
		n, err := f.sync_branch(row, repo, &b)
		added += n
		if err != nil {
			warn("Sync %s/%s branch %q: %v", row.OwnerName, row.Name, b.Name, err)
		}
	}
	return updated, added, nil
}

// sync_branch walks one branch's history and inserts the commits the cache does not have yet
func (f *Forge) sync_branch(row *repository_row, repo *Repository, b *branch_row) (int, error) {
	if !plumbing.IsHash(b.Head) {
		return 0, error_new(error_validation, "cached head %q is not a commit id", b.Head)
	}
	head, err := repo.commit(plumbing.NewHash(b.Head))
	if err != nil {
		return 0, err
	}

	added := 0
	iter := object.NewCommitIterCTime(head, nil, nil)
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		inserted, err := f.db.insert("insert into commits ( id, repository, branch, branch_name, hash, message, author_name, author_email, committer_name, committer_email, time, created ) values ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )",
			uid(), row.ID, b.ID, b.Name, c.Hash.String(), c.Message, c.Author.Name, c.Author.Email, c.Committer.Name, c.Committer.Email, c.Committer.When.Unix(), now())
		if err != nil {
			return error_wrap(error_io, err, "record commit %s", c.Hash)
		}
		if inserted {
			added++
		}
		return nil
	})
	return added, err
}
