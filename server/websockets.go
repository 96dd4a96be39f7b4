// Forge server: Websocket repository events
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
)

type event struct {
	Type       string `json:"type"`
	Repository string `json:"repository"`
	Branches   int    `json:"branches"`
	Commits    int    `json:"commits"`
}

// events holds the open websockets for each repository id
type events struct {
	lock        sync.Mutex
	connections map[string]map[string]*websocket.Conn
}

func events_new() *events {
	return &events{connections: map[string]map[string]*websocket.Conn{}}
}

func (e *events) subscribe(repository string, ws *websocket.Conn) string {
	e.lock.Lock()
	defer e.lock.Unlock()

	id := uid()
	_, found := e.connections[repository]
	if !found {
		e.connections[repository] = map[string]*websocket.Conn{}
	}
	e.connections[repository][id] = ws
	return id
}

func (e *events) unsubscribe(repository string, id string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	delete(e.connections[repository], id)
	if len(e.connections[repository]) == 0 {
		delete(e.connections, repository)
	}
}

// count returns the number of subscribers to a repository
func (e *events) count(repository string) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.connections[repository])
}

func (e *events) publish(repository string, ev event) {
	e.lock.Lock()
	targets := make(map[string]*websocket.Conn, len(e.connections[repository]))
	for id, ws := range e.connections[repository] {
		targets[id] = ws
	}
	e.lock.Unlock()

	if len(targets) == 0 {
		return
	}
	j, err := json.Marshal(ev)
	if err != nil {
		warn("Websocket unable to encode event: %v", err)
		return
	}

	debug("Websocket sending '%s' to %d subscribers", j, len(targets))
	for id, ws := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := ws.Write(ctx, websocket.MessageText, j)
		cancel()
		if err != nil {
			ws.CloseNow()
			e.unsubscribe(repository, id)
		}
	}
}

// GET /api/repo/:owner/:repo/events
func (f *Forge) web_events(c *gin.Context) {
	row, _, err := f.resolve(c.Param("owner"), c.Param("repo"))
	if err != nil {
		browse_error(c, err)
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	id := f.events.subscribe(row.ID, ws)
	defer func() {
		f.events.unsubscribe(row.ID, id)
		ws.CloseNow()
	}()

	ctx := c.Request.Context()
	for {
		t, j, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if t != websocket.MessageText {
			continue
		}
		debug("Websocket received message; ignoring: %s", j)
	}
}
