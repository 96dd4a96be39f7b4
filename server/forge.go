// Forge server: Repository records
// Copyright Alistair Cunningham 2025

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
)

// Forge ties together the configuration, database, and repository storage for request handlers
type Forge struct {
	config       *Config
	db           *DB
	repositories *Repositories
	events       *events

	// Called after a push has been committed. Runs sync in the background unless replaced.
	after_push func(row *repository_row)
}

type repository_row struct {
	ID          string `db:"id" json:"id"`
	Owner       string `db:"owner" json:"owner"`
	OwnerName   string `db:"owner_name" json:"owner_name"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	Created     int64  `db:"created" json:"created"`
	Updated     int64  `db:"updated" json:"updated"`
}

type repository_list struct {
	Total int              `json:"total"`
	List  []repository_row `json:"list"`
}

const repository_select = "select r.id, r.owner, u.username as owner_name, r.name, r.description, r.created, r.updated from repositories r join users u on u.id = r.owner"

var repository_orders = map[string]string{
	"name_asc":     "r.name asc",
	"name_desc":    "r.name desc",
	"created_asc":  "r.created asc",
	"created_desc": "r.created desc",
	"updated_asc":  "r.updated asc",
	"updated_desc": "r.updated desc",
}

func forge_new(c *Config) (*Forge, error) {
	db, err := db_start(c)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", c.database, err)
	}
	c.secret = db.setting_secret(c.secret)
	f := &Forge{
		config:       c,
		db:           db,
		repositories: repositories_new(c),
		events:       events_new(),
	}
	f.after_push = func(row *repository_row) {
		go f.sync(row)
	}
	return f, nil
}

// resolve finds a repository by owner and name, both in the database and on disk. A trailing .git
// on the name is ignored.
func (f *Forge) resolve(owner string, name string) (*repository_row, *Repository, error) {
	name = strings.TrimSuffix(name, ".git")

	var row repository_row
	if !f.db.scan(&row, repository_select+" where u.username=? and r.name=?", owner, name) {
		return nil, nil, error_new(error_not_found, "repository %s/%s", owner, name)
	}

	repo, err := f.repositories.open(owner, name)
	if err != nil {
		return nil, nil, err
	}
	return &row, repo, nil
}

// repository_create records a new repository for the user and initializes it on disk. With initial
// set, a README is committed to main.
func (f *Forge) repository_create(u *User, name string, description string, initial bool) (*repository_row, error) {
	if !valid(name, "name") || strings.HasSuffix(name, ".git") {
		return nil, error_new(error_validation, "invalid repository name %q", name)
	}
	if !valid(description, "text") {
		return nil, error_new(error_validation, "description too long")
	}

	row := repository_row{ID: uid(), Owner: u.ID, OwnerName: u.Username, Name: name, Description: description, Created: now(), Updated: now()}
	inserted, err := f.db.insert("insert into repositories ( id, owner, name, description, created, updated ) values ( ?, ?, ?, ?, ?, ? )", row.ID, row.Owner, row.Name, row.Description, row.Created, row.Updated)
	if err != nil {
		return nil, error_wrap(error_io, err, "record repository")
	}
	if !inserted {
		return nil, error_new(error_conflict, "repository %s/%s already exists", u.Username, name)
	}

	repo, err := f.repositories.init(u.Username, name)
	if err != nil {
		f.db.exec("delete from repositories where id=?", row.ID)
		return nil, err
	}
	info("Repository %s/%s created", u.Username, name)
	audit_repository_created(u.Username, u.Username+"/"+name)

	if initial {
		sig := object.Signature{Name: u.Username, Email: u.Email, When: time.Now()}
		_, err := repo.write(&blob_write{
			name:      "README.md",
			branch:    "main",
			message:   "Initial commit\n",
			content:   []byte("# " + name + "\n\n" + description + "\n"),
			author:    sig,
			committer: sig,
		})
		if err != nil {
			warn("Repository %s/%s initial commit failed: %v", u.Username, name, err)
		} else {
			f.sync(&row)
		}
	}

	return &row, nil
}

// repository_list returns one page of repositories, optionally filtered by name or description
func (f *Forge) repository_list(page int, limit int, filter string, order string) (*repository_list, error) {
	sort, found := repository_orders[order]
	if !found {
		sort = repository_orders["updated_desc"]
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if page < 0 {
		page = 0
	}

	where := ""
	var values []any
	if filter != "" {
		where = " where r.name like ? escape '\\' or r.description like ? escape '\\'"
		term := "%" + like_escape(filter) + "%"
		values = append(values, term, term)
	}

	out := &repository_list{List: []repository_row{}}
	out.Total = f.db.integer("select count(*) from repositories r join users u on u.id = r.owner"+where, values...)
	err := f.db.scans(&out.List, repository_select+where+" order by "+sort+" limit ? offset ?", append(values, limit, page*limit)...)
	if err != nil {
		return nil, error_wrap(error_io, err, "list repositories")
	}
	return out, nil
}
