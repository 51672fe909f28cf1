//go:build windows

package terminal

import (
	"os"
	"os/exec"
)

// defaultShellCommand resolves the shell for a new session: the configured
// shell when set, else pwsh, else Windows PowerShell, else %COMSPEC%.
// Windows shells have no login-shell mode, so no extra flag.
func defaultShellCommand(preferredShell string) []string {
	if preferredShell != "" {
		return []string{preferredShell}
	}
	for _, shell := range []string{"pwsh.exe", "powershell.exe"} {
		if _, err := exec.LookPath(shell); err == nil {
			return []string{shell}
		}
	}
	if comspec := os.Getenv("COMSPEC"); comspec != "" {
		return []string{comspec}
	}
	return []string{"cmd.exe"}
}
