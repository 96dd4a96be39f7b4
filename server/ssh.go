// Forge server: Git over SSH
// Copyright Alistair Cunningham 2025

package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ssh_prefix_limit is how much client input is kept for reading a push's ref commands
const ssh_prefix_limit = 64 * 1024

// ssh_prefix keeps the first bytes written to it and discards the rest
type ssh_prefix struct {
	lock   sync.Mutex
	buffer bytes.Buffer
}

func (p *ssh_prefix) Write(data []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if room := ssh_prefix_limit - p.buffer.Len(); room > 0 {
		if len(data) > room {
			p.buffer.Write(data[:room])
		} else {
			p.buffer.Write(data)
		}
	}
	return len(data), nil
}

func (p *ssh_prefix) bytes() []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	return bytes.Clone(p.buffer.Bytes())
}

// ssh_host_key loads the server's host key, creating an ed25519 key if the file does not exist
func ssh_host_key(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		_, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		block, err := ssh.MarshalPrivateKey(private, "forge host key")
		if err != nil {
			return nil, err
		}
		data = pem.EncodeToMemory(block)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, err
		}
		info("SSH host key created in %q", path)
	} else if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// ssh_config authenticates by registered public key or by account password
func (f *Forge) ssh_config() (*ssh.ServerConfig, error) {
	signer, err := ssh_host_key(f.config.ssh_key)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH host key %q: %w", f.config.ssh_key, err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			u := f.user_by_key(key)
			if u == nil {
				return nil, errors.New("unknown key")
			}
			return &ssh.Permissions{Extensions: map[string]string{"user": u.ID}}, nil
		},
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			if !rate_limit_login.allow(host) {
				audit_rate_limit(host, "login")
				return nil, errors.New("too many attempts")
			}
			u := f.user_login(conn.User(), string(password))
			if u == nil {
				audit_login_failed(conn.User(), host, "ssh")
				return nil, errors.New("incorrect username or password")
			}
			rate_limit_login.reset(host)
			audit_login(u.Username, host, "ssh")
			return &ssh.Permissions{Extensions: map[string]string{"user": u.ID}}, nil
		},
	}
	config.AddHostKey(signer)
	return config, nil
}

func (f *Forge) ssh_start() {
	config, err := f.ssh_config()
	if err != nil {
		warn("SSH unable to start: %v", err)
		return
	}
	l, err := net.Listen("tcp", f.config.ssh)
	if err != nil {
		warn("SSH unable to listen on %q: %v", f.config.ssh, err)
		return
	}
	info("SSH listening on %q", f.config.ssh)
	f.ssh_serve(l, config)
}

// ssh_serve accepts connections until the listener is closed
func (f *Forge) ssh_serve(l net.Listener, config *ssh.ServerConfig) {
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			info("SSH accept failed: %v", err)
			continue
		}
		go f.ssh_connection(nc, config)
	}
}

func (f *Forge) ssh_connection(nc net.Conn, config *ssh.ServerConfig) {
	sconn, channels, requests, err := ssh.NewServerConn(nc, config)
	if err != nil {
		debug("SSH handshake with %s failed: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(requests)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for nch := range channels {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := nch.Accept()
		if err != nil {
			info("SSH unable to accept channel from %s: %v", nc.RemoteAddr(), err)
			continue
		}
		go f.ssh_session(ctx, sconn, ch, reqs)
	}
}

// ssh_session serves one session channel: any number of env requests, then a single exec
func (f *Forge) ssh_session(ctx context.Context, sconn *ssh.ServerConn, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	protocol := ""

	for req := range requests {
		switch req.Type {
		case "env":
			var env struct {
				Name  string
				Value string
			}
			if err := ssh.Unmarshal(req.Payload, &env); err == nil && env.Name == "GIT_PROTOCOL" {
				protocol = env.Value
			}
			req.Reply(true, nil)

		case "exec":
			var request struct {
				Command string
			}
			if err := ssh.Unmarshal(req.Payload, &request); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			status := f.ssh_exec(ctx, sconn, ch, request.Command, protocol)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// ssh_command parses "git-upload-pack '<owner>/<name>.git'" and its receive-pack equivalent
func ssh_command(command string) (string, string, string, error) {
	service, argument, found := strings.Cut(strings.TrimSpace(command), " ")
	if !found {
		return "", "", "", error_new(error_validation, "unsupported command %q", command)
	}
	if _, found := transport_services[service]; !found {
		return "", "", "", error_new(error_validation, "unsupported command %q", service)
	}

	argument = strings.Trim(strings.TrimSpace(argument), `'"`)
	argument = strings.TrimSuffix(strings.TrimLeft(argument, "/"), ".git")
	owner, name, found := strings.Cut(argument, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", "", error_new(error_validation, "invalid repository %q", argument)
	}
	return service, owner, name, nil
}

// ssh_fail reports an error to the client and returns the exit status to send
func ssh_fail(ch ssh.Channel, err error) uint32 {
	fmt.Fprintf(ch.Stderr(), "forge: %v\n", err)
	return 1
}

// ssh_exec runs git for one exec request and returns its exit status
func (f *Forge) ssh_exec(ctx context.Context, sconn *ssh.ServerConn, ch ssh.Channel, command string, protocol string) uint32 {
	service, owner, name, err := ssh_command(command)
	if err != nil {
		return ssh_fail(ch, err)
	}
	row, repo, err := f.resolve(owner, name)
	if err != nil {
		return ssh_fail(ch, err)
	}
	if service == service_receive {
		var u *User
		if sconn.Permissions != nil {
			u = f.user_by_id(sconn.Permissions.Extensions["user"])
		}
		if u == nil || u.ID != row.Owner {
			if u != nil {
				audit_access_denied(u.Username, owner+"/"+name, service)
			}
			return ssh_fail(ch, error_new(error_validation, "no write access to %s/%s", owner, name))
		}
	}

	t := transaction_new(repo, service)
	cmd := exec.CommandContext(ctx, f.config.git, transport_services[service], ".")
	cmd.Dir = repo.path
	cmd.Env = transport_env(protocol)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.rollback(error_wrap(error_io, err, "start git"))
		return ssh_fail(ch, error_io)
	}
	if err := cmd.Start(); err != nil {
		t.rollback(error_wrap(error_io, err, "start git"))
		return ssh_fail(ch, error_io)
	}

	// Not waited for; git may finish before the client closes its side
	prefix := &ssh_prefix{}
	go func() {
		io.Copy(stdin, io.TeeReader(ch, prefix))
		stdin.Close()
	}()

	err = cmd.Wait()
	if service == service_receive {
		t.parse(prefix.bytes())
	}
	if err != nil {
		t.rollback(error_wrap(error_upstream, err, "git %s", transport_services[service]))
		var exit *exec.ExitError
		if errors.As(err, &exit) && exit.ExitCode() > 0 {
			return uint32(exit.ExitCode())
		}
		return 1
	}

	t.commit()
	if service == service_receive {
		f.after_push(row)
	}
	return 0
}
