// Package goid reports the id of the calling goroutine.
//
// The id is only used to assert that a piece of single-threaded state is
// touched from the goroutine that owns it (the event loop). It must never be
// used for scheduling decisions.
package goid

import (
	"runtime"
	"sync"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

// Current returns the id of the calling goroutine, or 0 if the runtime's
// stack header could not be parsed.
func Current() int64 {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	n := runtime.Stack(*bp, false)
	return parse((*bp)[:n])
}

// parse reads the decimal id out of a "goroutine N [status]:" header. The
// buffer may be truncated anywhere after the id.
func parse(header []byte) int64 {
	const prefix = "goroutine "
	if len(header) <= len(prefix) || string(header[:len(prefix)]) != prefix {
		return 0
	}
	var id int64
	digits := 0
	for _, b := range header[len(prefix):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
		digits++
	}
	if digits == 0 {
		return 0
	}
	return id
}
