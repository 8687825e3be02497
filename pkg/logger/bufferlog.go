// Package logger implements a per-job in-memory log buffer.
//
// Detailed lines are buffered WHILE a job runs (loading a discharge file,
// exporting a figure set).
// ● On error the buffer is replayed followed by the final error.
// ● On success the buffer is dropped and one short line is printed.
//
// Thread safety comes from a dedicated logger goroutine and a command
// channel; no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

// --- command types -----------------------------------------------------------

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	jobID   string
	message string    // for Append
	summary string    // for Success
	err     error     // for FlushErr
	when    time.Time // timestamp, in case ordering ever matters
}

// --- public entry points (they only send to the channel) ----------------------

var ch = make(chan cmd, 128) // headroom for bursts

// Begin switches buffering on for jobID.
func Begin(jobID string) { ch <- cmd{act: actBegin, jobID: jobID, when: time.Now()} }

// Append adds one detailed log line.
func Append(jobID, msg string) {
	ch <- cmd{act: actAppend, jobID: jobID, message: msg, when: time.Now()}
}

// Success drops the buffer and prints a short success line.
func Success(jobID, summary string) {
	ch <- cmd{act: actSuccess, jobID: jobID, summary: summary, when: time.Now()}
}

// FlushError replays the accumulated buffer plus the final error.
func FlushError(jobID string, err error) {
	ch <- cmd{act: actFlushErr, jobID: jobID, err: err, when: time.Now()}
}

// --- initialization: start the goroutine --------------------------------------

func init() { go runloop() }

// --- private implementation ----------------------------------------------------

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.jobID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.jobID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message) // no buffer → print immediately
			}

		case actSuccess:
			log.Printf("[%-6s][Job] ✔ %s", c.jobID, c.summary)
			delete(buffers, c.jobID)

		case actFlushErr:
			if b := buffers[c.jobID]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					log.Print(ln)
				}
				delete(buffers, c.jobID)
			}
			log.Printf("[%-6s][ERROR] %v", c.jobID, c.err)
		}
	}
}
