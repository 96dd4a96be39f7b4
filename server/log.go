// Forge server: Logging
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"fmt"
	"log"
	"time"
)

type logWriter struct {
}

// Set at startup when an administrator address is configured
var log_mailer *mailer

func init() {
	log.SetFlags(0)
	log.SetOutput(new(logWriter))
}

func debug(message string, values ...any) {
	out := fmt.Sprintf(message, values...)
	if len(out) > 1000 {
		log.Print(out[:1000] + "...\n")
	} else {
		log.Print(out + "\n")
	}
}

func info(message string, values ...any) {
	log.Printf(message+"\n", values...)
}

func warn(message string, values ...any) {
	out := fmt.Sprintf(message, values...)
	log.Print(out + "\n")

	if log_mailer != nil && log_mailer.admin != "" {
		go log_mailer.send(log_mailer.admin, "Forge error", out)
	}
}

func (writer logWriter) Write(bytes []byte) (int, error) {
	return fmt.Print(time.Now().Format("2006-01-02 15:04:05.000000") + " " + string(bytes))
}
