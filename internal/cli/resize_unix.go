//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// watchResize calls fn with the new size of the terminal fd on every
// SIGWINCH until the returned stop function is called.
func watchResize(fd int, fn func(rows, cols uint16)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				if cols, rows, err := term.GetSize(fd); err == nil {
					fn(uint16(rows), uint16(cols))
				}
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
