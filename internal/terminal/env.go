package terminal

import (
	"fmt"
	"os"
	"strings"
)

// buildSessionEnv creates the environment for a session's shell process.
// The engine's environment is inherited, terminal variables are forced over
// it so full-screen programs render correctly inside the fresh PTY, and
// caller-supplied overrides win over both.
func buildSessionEnv(cwd string, overrides []string) []string {
	base := make(map[string]string)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}

	base["PWD"] = cwd
	base["TERM"] = "xterm-256color"
	base["LANG"] = "C.UTF-8"
	base["LC_ALL"] = "C.UTF-8"

	for _, entry := range overrides {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}

	env := make([]string, 0, len(base))
	for k, v := range base {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
