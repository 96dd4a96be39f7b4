// Forge server: Browse API tests
// Copyright Alistair Cunningham 2025

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

type test_browse_response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// test_browse makes an API request, optionally as a user, and decodes the response envelope
func test_browse(t *testing.T, f *Forge, method string, path string, body any, u *User) test_browse_response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		j, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(j)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		token, err := f.jwt_create(u)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := test_serve(f, req)
	require.Equal(t, http.StatusOK, w.Code)
	var out test_browse_response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestBrowseRepositories(t *testing.T) {
	f, _ := test_forge(t)
	alice := test_user(t, f, "alice")

	r := test_browse(t, f, http.MethodPost, "/api/repo", map[string]any{"name": "project", "description": "Demo", "initial": true}, nil)
	require.Equal(t, 401, r.Code)
	require.Equal(t, "Not logged in", r.Message)

	r = test_browse(t, f, http.MethodPost, "/api/repo", map[string]any{"name": "project", "description": "Demo", "initial": true}, alice)
	require.Equal(t, 200, r.Code)
	require.Equal(t, "OK", r.Message)
	var row repository_row
	require.NoError(t, json.Unmarshal(r.Data, &row))
	require.Equal(t, "project", row.Name)

	r = test_browse(t, f, http.MethodPost, "/api/repo", map[string]any{"name": "project"}, alice)
	require.Equal(t, 500, r.Code)
	require.Contains(t, r.Message, "already exists")

	r = test_browse(t, f, http.MethodGet, "/api/repo?page=0&limit=10&order=name_asc", nil, nil)
	require.Equal(t, 200, r.Code)
	var list repository_list
	require.NoError(t, json.Unmarshal(r.Data, &list))
	require.Equal(t, 1, list.Total)
	require.Equal(t, "alice", list.List[0].OwnerName)
}

func TestBrowseRepository(t *testing.T) {
	f, _ := test_forge(t)
	alice := test_user(t, f, "alice")
	_, err := f.repository_create(alice, "project", "Demo project", true)
	require.NoError(t, err)
	_, repo, err := f.resolve("alice", "project")
	require.NoError(t, err)
	test_commit(t, repo, "main", "src/main.go", "package main", test_time(60*24*365))

	r := test_browse(t, f, http.MethodGet, "/api/repo/alice/project", nil, nil)
	require.Equal(t, 200, r.Code)
	var dashboard struct {
		Repository repository_row `json:"repository"`
		Branches   []branch_info  `json:"branches"`
		Size       int64          `json:"size"`
		Readme     string         `json:"readme"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &dashboard))
	require.Equal(t, "Demo project", dashboard.Repository.Description)
	require.Len(t, dashboard.Branches, 1)
	require.True(t, dashboard.Branches[0].Default)
	require.Positive(t, dashboard.Size)
	require.Contains(t, dashboard.Readme, "<h1")

	r = test_browse(t, f, http.MethodGet, "/api/repo/alice/project/tree/", nil, nil)
	require.Equal(t, 200, r.Code)
	var cr correlation
	require.NoError(t, json.Unmarshal(r.Data, &cr))
	require.Len(t, cr.Entries, 2)
	require.Len(t, cr.Files, 2)

	r = test_browse(t, f, http.MethodGet, "/api/repo/alice/project/tree/src?branch=main", nil, nil)
	require.Equal(t, 200, r.Code)
	require.NoError(t, json.Unmarshal(r.Data, &cr))
	require.Len(t, cr.Entries, 1)
	require.Equal(t, "main.go", cr.Entries[0].Name)

	r = test_browse(t, f, http.MethodGet, "/api/repo/alice/project/tree/missing", nil, nil)
	require.Equal(t, 200, r.Code)
	require.NoError(t, json.Unmarshal(r.Data, &cr))
	require.Empty(t, cr.Entries)

	r = test_browse(t, f, http.MethodGet, "/api/repo/alice/project/branches", nil, nil)
	require.Equal(t, 200, r.Code)
	var branches []branch_info
	require.NoError(t, json.Unmarshal(r.Data, &branches))
	require.Equal(t, "main", branches[0].Name)

	r = test_browse(t, f, http.MethodGet, "/api/repo/alice/missing", nil, nil)
	require.Equal(t, 500, r.Code)
}

func TestBrowseCommits(t *testing.T) {
	f, _ := test_forge(t)
	alice := test_user(t, f, "alice")
	_, repo := test_repository(t, f, alice, "project")
	c := test_linear(t, repo, 5)

	page := func(query string) ([]history_commit, int) {
		r := test_browse(t, f, http.MethodGet, "/api/repo/alice/project/commits"+query, nil, nil)
		require.Equal(t, 200, r.Code)
		var out struct {
			Commits []history_commit `json:"commits"`
			Total   int              `json:"total"`
		}
		require.NoError(t, json.Unmarshal(r.Data, &out))
		return out.Commits, out.Total
	}

	commits, total := page("?limit=2")
	require.Equal(t, 5, total)
	require.Len(t, commits, 2)
	require.Equal(t, c[4].String(), commits[0].ID)

	commits, _ = page("?limit=2&page=2")
	require.Len(t, commits, 1)
	require.Equal(t, c[0].String(), commits[0].ID)

	commits, total = page("?limit=2&page=7")
	require.Empty(t, commits)
	require.Equal(t, 5, total)

	r := test_browse(t, f, http.MethodGet, "/api/repo/alice/project/commits?branch=missing", nil, nil)
	require.Equal(t, 500, r.Code)
}

func TestBrowseBlob(t *testing.T) {
	f, _ := test_forge(t)
	alice := test_user(t, f, "alice")
	bob := test_user(t, f, "bob")
	row, _ := test_repository(t, f, alice, "project")

	write := map[string]any{"path": "docs", "name": "notes.txt", "branch": "main", "message": "Add notes", "content": "hello\n"}

	r := test_browse(t, f, http.MethodPost, "/api/repo/alice/project/blob", write, nil)
	require.Equal(t, 401, r.Code)
	r = test_browse(t, f, http.MethodPost, "/api/repo/alice/project/blob", write, bob)
	require.Equal(t, 500, r.Code)

	r = test_browse(t, f, http.MethodPost, "/api/repo/alice/project/blob", write, alice)
	require.Equal(t, 200, r.Code)
	var written struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &written))
	require.Len(t, written.ID, 40)

	// The write was synced into the cache
	require.Equal(t, 1, f.db.integer("select count(*) from commits where repository=? and hash=?", row.ID, written.ID))

	w := test_serve(f, httptest.NewRequest(http.MethodGet, "/api/repo/alice/project/blob/docs/notes.txt?branch=main", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello\n", w.Body.String())

	w = test_serve(f, httptest.NewRequest(http.MethodGet, "/api/repo/alice/project/blob/docs/notes.txt?commit="+written.ID, nil))
	require.Equal(t, "hello\n", w.Body.String())

	r = test_browse(t, f, http.MethodGet, "/api/repo/alice/project/blob/docs", nil, nil)
	require.Equal(t, 500, r.Code)

	write["branch"] = "bad..branch"
	r = test_browse(t, f, http.MethodPost, "/api/repo/alice/project/blob", write, alice)
	require.Equal(t, 500, r.Code)
	require.Contains(t, r.Message, "invalid branch name")
}

func TestBrowseAccounts(t *testing.T) {
	f, _ := test_forge(t)

	r := test_browse(t, f, http.MethodPost, "/api/user/register", map[string]any{"username": "carol", "email": "carol@example.com", "password": test_password}, nil)
	require.Equal(t, 200, r.Code)
	require.NotContains(t, string(r.Data), "password")

	r = test_browse(t, f, http.MethodPost, "/api/user/login", map[string]any{"username": "carol", "password": "wrong password"}, nil)
	require.Equal(t, 500, r.Code)

	r = test_browse(t, f, http.MethodPost, "/api/user/login", map[string]any{"username": "carol", "password": test_password}, nil)
	require.Equal(t, 200, r.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &login))
	u, err := f.jwt_verify(login.Token)
	require.NoError(t, err)
	require.Equal(t, "carol", u.Username)

	r = test_browse(t, f, http.MethodPost, "/api/user/keys", map[string]any{"name": "laptop", "key": test_public_key(t)}, nil)
	require.Equal(t, 401, r.Code)
	r = test_browse(t, f, http.MethodPost, "/api/user/keys", map[string]any{"name": "laptop", "key": test_public_key(t)}, u)
	require.Equal(t, 200, r.Code)
}

func TestBrowseBrotli(t *testing.T) {
	f, _ := test_forge(t)
	f.config.compress = true
	alice := test_user(t, f, "alice")
	test_repository(t, f, alice, "project")

	req := httptest.NewRequest(http.MethodGet, "/api/repo", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	w := test_serve(f, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "br", w.Header().Get("Content-Encoding"))

	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	var r test_browse_response
	require.NoError(t, json.Unmarshal(plain, &r))
	require.Equal(t, 200, r.Code)

	// Clients that do not ask for brotli get plain JSON
	w = test_serve(f, httptest.NewRequest(http.MethodGet, "/api/repo", nil))
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
}
