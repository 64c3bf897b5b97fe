package dict

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Load reads an AFL style dictionary. Every data line looks like
// name="token"; the token is unescaped. Comment lines start with '#' and
// lines without a quoted token are skipped.
func Load(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dictionary: %w", err)
	}
	defer f.Close()

	var tokens [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if token, ok := ParseLine(scanner.Text()); ok {
			tokens = append(tokens, token)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dictionary: %w", err)
	}
	return tokens, nil
}

// ParseLine extracts the token of one dictionary line.
func ParseLine(line string) ([]byte, bool) {
	if strings.HasPrefix(line, "#") {
		return nil, false
	}
	start := strings.Index(line, `="`)
	if start < 0 {
		return nil, false
	}
	rest := line[start+2:]
	end := strings.LastIndex(rest, `"`)
	if end <= 0 {
		return nil, false
	}
	token, err := unescape(rest[:end])
	if err != nil || len(token) == 0 {
		return nil, false
	}
	return token, true
}

func unescape(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("dangling escape in %q", s)
		}
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case '0':
			out = append(out, 0)
		case 'x':
			if i+3 > len(s) {
				return nil, fmt.Errorf("short hex escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad hex escape in %q: %w", s, err)
			}
			out = append(out, byte(v))
			i += 2
		default:
			// \\, \" and any other escaped character stand for themselves
			out = append(out, s[i])
		}
	}
	return out, nil
}
