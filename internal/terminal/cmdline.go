package terminal

import "strings"

// escapeWindowsArg rewrites one CreateProcess argument following the MSDN
// CommandLineToArgvW parsing rules, the same algorithm Go applies in
// syscall.EscapeArg on Windows:
//
//   - a run of backslashes is doubled only when a double quote follows it,
//     or when it would touch the closing quote;
//   - every double quote gains a backslash escape;
//   - the argument is wrapped in double quotes only when it contains
//     spaces or tabs;
//   - an empty argument becomes "".
func escapeWindowsArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, " \t\"") {
		return arg
	}
	wrap := strings.ContainsAny(arg, " \t")

	var b strings.Builder
	b.Grow(len(arg) + 2)
	if wrap {
		b.WriteByte('"')
	}
	slashes := 0
	for i := 0; i < len(arg); i++ {
		switch c := arg[i]; c {
		case '\\':
			slashes++
			b.WriteByte(c)
		case '"':
			// Double the pending backslash run, then escape the quote.
			for j := 0; j <= slashes; j++ {
				b.WriteByte('\\')
			}
			slashes = 0
			b.WriteByte(c)
		default:
			slashes = 0
			b.WriteByte(c)
		}
	}
	if wrap {
		for j := 0; j < slashes; j++ {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	return b.String()
}

// windowsCmdLine joins argv into the single command-line string Windows
// CreateProcess expects.
func windowsCmdLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		parts[i] = escapeWindowsArg(arg)
	}
	return strings.Join(parts, " ")
}
