package terminal

// terminalQueries scans PTY output for cursor position (DSR) and primary
// device attribute (DA1) queries in a single pass. DSR is ESC [ 6 n or
// ESC [ ? 6 n. DA1 is ESC [ c or ESC [ 0 c; ESC [ <1-9> c is cursor
// movement, not a query.
func terminalQueries(data []byte) (dsr, da1 bool) {
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0x1b || data[i+1] != '[' {
			continue
		}
		rest := data[i+2:]
		switch rest[0] {
		case 'c':
			da1 = true
		case '0':
			if len(rest) > 1 && rest[1] == 'c' {
				da1 = true
			}
		case '6':
			if len(rest) > 1 && rest[1] == 'n' {
				dsr = true
			}
		case '?':
			if len(rest) > 2 && rest[1] == '6' && rest[2] == 'n' {
				dsr = true
			}
		}
	}
	return dsr, da1
}
