// Forge server: Git Smart HTTP transport
// Copyright Alistair Cunningham 2025

package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"golang.org/x/sync/errgroup"
)

const (
	service_upload  = "git-upload-pack"
	service_receive = "git-receive-pack"
)

// Git subcommand for each service
var transport_services = map[string]string{
	service_upload:  "upload-pack",
	service_receive: "receive-pack",
}

type transaction_state string

const (
	transaction_pending     transaction_state = "pending"
	transaction_committed   transaction_state = "committed"
	transaction_rolled_back transaction_state = "rolled back"
)

type ref_change struct {
	old  plumbing.Hash
	new  plumbing.Hash
	name string
}

// transaction records the ref changes a request asked for and whether git carried them out. Git
// itself updates the refs; this is bookkeeping for the log and for triggering sync.
type transaction struct {
	repository string
	service    string
	changes    []ref_change
	state      transaction_state
}

func transaction_new(r *Repository, service string) *transaction {
	return &transaction{repository: r.owner + "/" + r.name, service: service, state: transaction_pending}
}

// parse reads "old new ref" command lines from the start of a receive-pack request, up to the
// first flush packet. Other lines are skipped.
func (t *transaction) parse(body []byte) {
	s := pktline.NewScanner(bytes.NewReader(body))
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			return
		}
		if i := bytes.IndexByte(line, 0); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(string(line))
		if len(fields) != 3 || !plumbing.IsHash(fields[0]) || !plumbing.IsHash(fields[1]) {
			continue
		}
		t.changes = append(t.changes, ref_change{old: plumbing.NewHash(fields[0]), new: plumbing.NewHash(fields[1]), name: fields[2]})
	}
}

func (t *transaction) commit() {
	if t.state != transaction_pending {
		return
	}
	t.state = transaction_committed
	if t.service == service_receive {
		audit_push(t.repository, t.state, len(t.changes))
	}
	if len(t.changes) == 0 {
		debug("Transport %s %s committed", t.service, t.repository)
		return
	}
	for _, c := range t.changes {
		info("Transport %s %s committed %s %s -> %s", t.service, t.repository, c.name, c.old, c.new)
	}
}

func (t *transaction) rollback(err error) {
	if t.state != transaction_pending {
		return
	}
	t.state = transaction_rolled_back
	if t.service == service_receive {
		audit_push(t.repository, t.state, len(t.changes))
	}
	info("Transport %s %s rolled back %d ref changes: %v", t.service, t.repository, len(t.changes), err)
}

func transport_headers(c *gin.Context, content_type string) {
	c.Header("Content-Type", content_type)
	c.Header("Cache-Control", "no-cache, max-age=0, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
}

// transport_body reads the whole request body, decompressing it if the client used gzip
func transport_body(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, error_wrap(error_validation, err, "gzip body")
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, error_wrap(error_validation, err, "read body")
	}
	return body, nil
}

// transport_env passes the client's protocol version through to git
func transport_env(protocol string) []string {
	env := os.Environ()
	if protocol != "" {
		env = append(env, "GIT_PROTOCOL="+protocol)
	}
	return env
}

// transport_stderr copies git's diagnostics to the log, never to the client
func transport_stderr(t *transaction, stderr io.Reader) error {
	s := bufio.NewScanner(stderr)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		info("Transport %s %s: %s", t.service, t.repository, s.Text())
	}
	return s.Err()
}

// transport_stream copies git's output to the client as it arrives
func transport_stream(w gin.ResponseWriter, r io.Reader) error {
	buffer := make([]byte, 32*1024)
	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, err := w.Write(buffer[:n]); err != nil {
				return err
			}
			w.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// transport_advertise handles GET /info/refs by running git in advertisement mode
func (f *Forge) transport_advertise(c *gin.Context, r *Repository, service string) {
	protocol := c.GetHeader("Git-Protocol")
	cmd := exec.CommandContext(c.Request.Context(), f.config.git, transport_services[service], "--stateless-rpc", "--advertise-refs", ".")
	cmd.Dir = r.path
	cmd.Env = transport_env(protocol)

	out, err := cmd.Output()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			info("Transport %s %s/%s advertisement failed: %v: %s", service, r.owner, r.name, err, strings.TrimSpace(string(exit.Stderr)))
		} else {
			info("Transport %s %s/%s advertisement failed: %v", service, r.owner, r.name, err)
		}
		c.String(http.StatusInternalServerError, error_category(error_upstream))
		return
	}

	transport_headers(c, fmt.Sprintf("application/x-%s-advertisement", service))
	c.Status(http.StatusOK)

	// Protocol v2 clients get git's output as is; earlier versions expect a service announcement first
	if !strings.Contains(protocol, "version=2") {
		git_service := fmt.Sprintf("# service=%s\n", service)
		c.Writer.WriteString(fmt.Sprintf("%04x%s0000", len(git_service)+4, git_service))
	}
	c.Writer.Write(out)
}

// transport_rpc runs one stateless upload-pack or receive-pack exchange. The request body is written
// to git and closed before any output is read; output is then streamed to the client as it arrives.
func (f *Forge) transport_rpc(c *gin.Context, r *Repository, service string, body []byte) *transaction {
	t := transaction_new(r, service)
	if service == service_receive {
		t.parse(body)
	}

	// Bound to the request so a dropped client kills git
	cmd := exec.CommandContext(c.Request.Context(), f.config.git, transport_services[service], "--stateless-rpc", ".")
	cmd.Dir = r.path
	cmd.Env = transport_env(c.GetHeader("Git-Protocol"))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return transport_fail(c, t, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return transport_fail(c, t, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return transport_fail(c, t, err)
	}
	if err := cmd.Start(); err != nil {
		return transport_fail(c, t, err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return transport_stderr(t, stderr)
	})

	_, write_err := stdin.Write(body)
	close_err := stdin.Close()
	if write_err == nil {
		write_err = close_err
	}

	transport_headers(c, fmt.Sprintf("application/x-%s-result", service))
	c.Status(http.StatusOK)
	stream_err := transport_stream(c.Writer, stdout)
	if stream_err != nil {
		// git blocks on a full pipe and never exits unless the rest of its output is read
		io.Copy(io.Discard, stdout)
	}
	stderr_err := g.Wait()
	wait_err := cmd.Wait()

	switch {
	case wait_err != nil:
		t.rollback(error_wrap(error_upstream, wait_err, "git %s", transport_services[service]))
	case write_err != nil:
		t.rollback(error_wrap(error_io, write_err, "write request"))
	case stream_err != nil:
		t.rollback(error_wrap(error_io, stream_err, "stream response"))
	case stderr_err != nil:
		t.rollback(error_wrap(error_io, stderr_err, "read diagnostics"))
	default:
		t.commit()
	}
	return t
}

// transport_fail ends a request that failed before git produced any output
func transport_fail(c *gin.Context, t *transaction, err error) *transaction {
	t.rollback(error_wrap(error_io, err, "start git"))
	c.String(http.StatusInternalServerError, error_category(error_io))
	return t
}

// transport_access resolves the repository for a git request and checks that the caller may use the
// service. It writes the error response itself and returns nil when the request should stop.
func (f *Forge) transport_access(c *gin.Context, service string) (*repository_row, *Repository) {
	row, repo, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		c.String(error_status(err), error_category(err))
		return nil, nil
	}

	if service == service_receive {
		u := f.authenticate(c)
		if u == nil {
			c.Header("WWW-Authenticate", `Basic realm="Forge"`)
			c.String(http.StatusUnauthorized, "Authentication required")
			return nil, nil
		}
		if u.ID != row.Owner {
			audit_access_denied(u.Username, repo.owner+"/"+repo.name, service)
			c.String(http.StatusForbidden, "No write access to repository")
			return nil, nil
		}
	}
	return row, repo
}

// GET /git/:owner/:repo/info/refs?service=...
func (f *Forge) web_git_info_refs(c *gin.Context) {
	service := c.Query("service")
	if _, found := transport_services[service]; !found {
		c.String(http.StatusForbidden, "Service not enabled")
		return
	}

	_, repo := f.transport_access(c, service)
	if repo == nil {
		return
	}

	if f.config.backend == backend_embedded {
		f.embedded_advertise(c, repo, service)
	} else {
		f.transport_advertise(c, repo, service)
	}
}

// POST /git/:owner/:repo/git-upload-pack and git-receive-pack
func (f *Forge) web_git_rpc(c *gin.Context) {
	service := c.Param("service")
	if _, found := transport_services[service]; !found {
		c.String(http.StatusBadRequest, "Unknown service")
		return
	}

	row, repo := f.transport_access(c, service)
	if repo == nil {
		return
	}

	body, err := transport_body(c.Request)
	if err != nil {
		info("Transport %s %s/%s: %v", service, repo.owner, repo.name, err)
		c.String(http.StatusBadRequest, error_category(err))
		return
	}

	var t *transaction
	if f.config.backend == backend_embedded {
		t = f.embedded_rpc(c, repo, service, body)
	} else {
		t = f.transport_rpc(c, repo, service, body)
	}

	if service == service_receive && t.state == transaction_committed {
		f.after_push(row)
	}
}
