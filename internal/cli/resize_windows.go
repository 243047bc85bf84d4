//go:build windows

package cli

// watchResize is a no-op: Windows consoles do not deliver SIGWINCH.
func watchResize(int, func(rows, cols uint16)) (stop func()) {
	return func() {}
}
