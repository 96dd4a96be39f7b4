// Forge server: In-process Git Smart HTTP transport
// Copyright Alistair Cunningham 2025

package main

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// embedded_loader opens repository storage for go-git's server transport, by repository path
type embedded_loader struct{}

func (l *embedded_loader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	fs := osfs.New(ep.Path)
	if _, err := fs.Stat("config"); err != nil {
		return nil, transport.ErrRepositoryNotFound
	}
	// Hiding PackfileWriter makes go-git parse incoming packs, which resolves thin pack deltas
	// against objects already in the repository
	return &embedded_storage{filesystem.NewStorage(fs, cache.NewObjectLRUDefault())}, nil
}

type embedded_storage struct {
	storer.Storer
}

var embedded_transport = server.NewServer(&embedded_loader{})

// embedded_advertise is the in-process equivalent of transport_advertise. It only speaks protocol v0.
func (f *Forge) embedded_advertise(c *gin.Context, r *Repository, service string) {
	ep := &transport.Endpoint{Path: r.path}
	ctx := c.Request.Context()

	var refs *packp.AdvRefs
	var err error
	if service == service_upload {
		session, serr := embedded_transport.NewUploadPackSession(ep, nil)
		if serr != nil {
			err = serr
		} else {
			defer session.Close()
			refs, err = session.AdvertisedReferencesContext(ctx)
		}
	} else {
		session, serr := embedded_transport.NewReceivePackSession(ep, nil)
		if serr != nil {
			err = serr
		} else {
			defer session.Close()
			refs, err = session.AdvertisedReferencesContext(ctx)
		}
	}
	if err != nil {
		info("Transport %s %s/%s advertisement failed: %v", service, r.owner, r.name, err)
		c.String(http.StatusInternalServerError, error_category(error_upstream))
		return
	}

	transport_headers(c, fmt.Sprintf("application/x-%s-advertisement", service))
	c.Status(http.StatusOK)
	git_service := fmt.Sprintf("# service=%s\n", service)
	c.Writer.WriteString(fmt.Sprintf("%04x%s0000", len(git_service)+4, git_service))
	if err := refs.Encode(c.Writer); err != nil {
		info("Transport %s %s/%s failed to encode refs: %v", service, r.owner, r.name, err)
	}
}

// embedded_rpc is the in-process equivalent of transport_rpc
func (f *Forge) embedded_rpc(c *gin.Context, r *Repository, service string, body []byte) *transaction {
	t := transaction_new(r, service)
	ep := &transport.Endpoint{Path: r.path}
	ctx := c.Request.Context()

	if service == service_upload {
		session, err := embedded_transport.NewUploadPackSession(ep, nil)
		if err != nil {
			return transport_fail(c, t, err)
		}
		defer session.Close()

		req := packp.NewUploadPackRequest()
		if err := req.Decode(bytes.NewReader(body)); err != nil {
			t.rollback(error_wrap(error_validation, err, "decode upload-pack request"))
			c.String(http.StatusBadRequest, error_category(error_validation))
			return t
		}
		resp, err := session.UploadPack(ctx, req)
		if err != nil {
			t.rollback(error_wrap(error_upstream, err, "upload-pack"))
			c.String(http.StatusInternalServerError, error_category(error_upstream))
			return t
		}
		defer resp.Close()

		transport_headers(c, "application/x-git-upload-pack-result")
		c.Status(http.StatusOK)
		if err := resp.Encode(c.Writer); err != nil {
			t.rollback(error_wrap(error_io, err, "stream response"))
			return t
		}
		t.commit()
		return t
	}

	session, err := embedded_transport.NewReceivePackSession(ep, nil)
	if err != nil {
		return transport_fail(c, t, err)
	}
	defer session.Close()

	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(bytes.NewReader(body)); err != nil {
		t.rollback(error_wrap(error_validation, err, "decode receive-pack request"))
		c.String(http.StatusBadRequest, error_category(error_validation))
		return t
	}
	for _, cmd := range req.Commands {
		t.changes = append(t.changes, ref_change{old: cmd.Old, new: cmd.New, name: cmd.Name.String()})
	}

	status, err := session.ReceivePack(ctx, req)

	// The client expects a status report even when the push failed
	if status != nil {
		transport_headers(c, "application/x-git-receive-pack-result")
		c.Status(http.StatusOK)
		if eerr := status.Encode(c.Writer); eerr != nil && err == nil {
			err = eerr
		}
		if err == nil {
			err = status.Error()
		}
	} else if err != nil {
		c.String(http.StatusInternalServerError, error_category(error_upstream))
	}

	if err != nil {
		t.rollback(error_wrap(error_upstream, err, "receive-pack"))
	} else {
		t.commit()
	}
	return t
}
