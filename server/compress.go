// Forge server: Response compression
// Copyright Alistair Cunningham 2025

package main

import (
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

type brotli_writer struct {
	gin.ResponseWriter
	writer *brotli.Writer
}

func (w *brotli_writer) Write(data []byte) (int, error) {
	w.Header().Del("Content-Length")
	return w.writer.Write(data)
}

func (w *brotli_writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// compress_middleware brotli-encodes API responses for clients that accept it. Websocket upgrades
// are left alone.
func compress_middleware(c *gin.Context) {
	if !strings.Contains(c.GetHeader("Accept-Encoding"), "br") || c.GetHeader("Upgrade") != "" {
		c.Next()
		return
	}

	c.Header("Content-Encoding", "br")
	c.Header("Vary", "Accept-Encoding")
	bw := &brotli_writer{ResponseWriter: c.Writer, writer: brotli.NewWriterLevel(c.Writer, brotli.DefaultCompression)}
	c.Writer = bw
	defer func() {
		if err := bw.writer.Close(); err != nil {
			debug("Brotli close failed: %v", err)
		}
	}()

	c.Next()
}
