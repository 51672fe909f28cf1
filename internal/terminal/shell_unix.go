//go:build !windows

package terminal

import "os"

// defaultShellCommand resolves the login shell for a new session: the
// configured shell when set, else $SHELL, else the first well-known shell
// present on disk. The -l flag makes it a login shell so profile scripts
// run and PATH matches the user's own terminal.
func defaultShellCommand(preferredShell string) []string {
	if preferredShell != "" {
		return []string{preferredShell, "-l"}
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return []string{shell, "-l"}
	}
	for _, shell := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(shell); err == nil {
			return []string{shell, "-l"}
		}
	}
	return []string{"/bin/sh", "-l"}
}
