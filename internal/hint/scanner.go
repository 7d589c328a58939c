package hint

import (
	"strconv"
	"strings"
)

// Scanner extracts Hints from SQL comments and tracks "maxscale begin
// <label>" / "maxscale end" blocks, whose hints apply to every statement
// between the two markers until matched by "end" (spec.md §6).
type Scanner struct {
	blockActive bool
	blockHints  []Hint
}

// NewScanner returns a Scanner with no active hint block.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Scan parses sql for "maxscale ..." tokens and returns the hints that
// apply to this statement: any hints found inline plus any still-open
// block hints. Unknown tokens pass through silently (spec.md §6).
func (s *Scanner) Scan(sql string) []Hint {
	inline, isBegin, isEnd := scanTokens(sql)

	var result []Hint
	if s.blockActive {
		result = append(result, s.blockHints...)
	}
	result = append(result, inline...)

	if isBegin {
		s.blockActive = true
		s.blockHints = append([]Hint(nil), inline...)
	}
	if isEnd {
		s.blockActive = false
		s.blockHints = nil
	}
	return result
}

// scanTokens finds every "maxscale <directive>" occurrence in sql. It
// returns the hints recognized, plus whether a "begin"/"end" marker was
// present (callers use that to open/close a block).
func scanTokens(sql string) (hints []Hint, isBegin, isEnd bool) {
	lower := strings.ToLower(sql)
	idx := 0
	for {
		rel := strings.Index(lower[idx:], "maxscale")
		if rel < 0 {
			break
		}
		pos := idx + rel + len("maxscale")
		fields := splitFields(lower[pos:])
		idx = pos

		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "route":
			if len(fields) >= 3 && fields[1] == "to" {
				switch fields[2] {
				case "master":
					hints = append(hints, Hint{Kind: RouteToMaster})
				case "slave":
					hints = append(hints, Hint{Kind: RouteToSlave})
				case "last_used_server":
					hints = append(hints, Hint{Kind: RouteToLastUsed})
				case "server":
					if len(fields) >= 4 {
						name := originalCaseWord(sql, lower, pos, 4)
						hints = append(hints, Hint{Kind: RouteToNamedServer, Payload: name})
					}
				}
			}
		case "max_slave_replication_lag":
			if len(fields) >= 2 {
				valStr := strings.TrimPrefix(fields[1], "=")
				if _, err := strconv.Atoi(valStr); err == nil {
					hints = append(hints, Hint{Kind: Parameter, Payload: "max_slave_replication_lag=" + valStr})
				}
			}
		case "begin":
			isBegin = true
		case "end":
			isEnd = true
		}
	}
	return hints, isBegin, isEnd
}

// splitFields tokenizes the text following "maxscale", treating "=" as
// glued to the following value (e.g. "max_slave_replication_lag=5" stays
// as two fields: the key and "=5") and stopping at a clause/comment
// boundary.
func splitFields(s string) []string {
	s = strings.TrimLeft(s, " \t")
	var fields []string
	for len(s) > 0 && len(fields) < 8 {
		if s[0] == ';' || s[0] == '\n' && len(fields) > 0 {
			break
		}
		end := 0
		for end < len(s) && !isBoundary(s[end]) && !(end > 0 && s[end] == '=') {
			end++
		}
		if end == 0 {
			break
		}
		field := s[:end]
		fields = append(fields, field)
		s = strings.TrimLeft(s[end:], " \t")
		if strings.HasPrefix(s, "*/") || strings.HasPrefix(s, "--") {
			break
		}
	}
	return fields
}

func isBoundary(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', ';':
		return true
	default:
		return false
	}
}

// originalCaseWord re-extracts the nth whitespace-delimited field from the
// original (non-lowercased) sql text, for hint payloads like server names
// where case should be preserved.
func originalCaseWord(sql, lower string, from int, n int) string {
	fields := splitFields(sql[from:])
	if n-1 < len(fields) {
		return fields[n-1]
	}
	_ = lower
	return ""
}
