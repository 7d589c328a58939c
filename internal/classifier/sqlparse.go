package classifier

import (
	"strings"
	"unicode"
)

// regexParser is a pragmatic, grammar-free statement classifier: it
// inspects the leading keyword and a handful of clause markers the same
// way the teacher's relay code picks out LOCK/START TRANSACTION/LISTEN
// (internal/proxy/mysql_relay.go, internal/proxy/pg_relay.go), rather
// than a full MySQL grammar. Good enough to drive routing decisions;
// sqlrelay is not a SQL engine.
type regexParser struct{}

// NewParser returns the default statement classifier.
func NewParser() Parser { return regexParser{} }

func (regexParser) Parse(sql string, level CollectLevel) StmtResult {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return StmtResult{Status: ParseOK, TypeMask: TypeUnknown, Op: OpUnknown}
	}
	upper := strings.ToUpper(trimmed)
	word := firstWord(upper)

	res := StmtResult{Status: ParseOK, Size: len(sql)}

	switch word {
	case "SELECT":
		res.Op = OpSelect
		res.TypeMask = TypeRead
		if strings.Contains(upper, "FOR UPDATE") || strings.Contains(upper, "LOCK IN SHARE MODE") {
			res.TypeMask |= TypeWrite
		}
	case "INSERT", "REPLACE":
		res.Op = OpInsert
		res.TypeMask = TypeWrite
	case "UPDATE":
		res.Op = OpUpdate
		res.TypeMask = TypeWrite
	case "DELETE":
		res.Op = OpDelete
		res.TypeMask = TypeWrite
	case "CALL":
		res.Op = OpCall
		res.TypeMask = TypeWrite
	case "CREATE":
		if strings.Contains(upper, "TEMPORARY TABLE") {
			res.Op = OpOther
			res.TypeMask = TypeWrite | TypeCreateTmpTable
		} else {
			res.Op = OpOther
			res.TypeMask = TypeWrite
		}
	case "DROP":
		res.Op = OpDropTable
		res.TypeMask = TypeWrite
	case "ALTER", "TRUNCATE", "RENAME":
		res.Op = OpOther
		res.TypeMask = TypeWrite
	case "BEGIN", "START":
		res.Op = OpBegin
		res.TypeMask = TypeBeginTrx
	case "COMMIT":
		res.Op = OpCommit
		res.TypeMask = TypeCommit
	case "ROLLBACK":
		res.Op = OpRollback
		res.TypeMask = TypeRollback
	case "SET":
		res.Op = OpSet
		res.TypeMask = classifySet(upper)
	case "PREPARE":
		res.Op = OpPrepare
		res.TypeMask = TypePrepareNamedStmt
	case "DEALLOCATE":
		res.Op = OpOther
		res.TypeMask = TypeDeallocPrepare
	case "EXECUTE":
		res.Op = OpExecute
		res.TypeMask = TypeExecStmt
	case "SHOW", "DESCRIBE", "DESC", "EXPLAIN":
		res.Op = OpSelect
		res.TypeMask = TypeRead
	default:
		res.Status = ParseFailed
		res.TypeMask = TypeUnknown
		res.Op = OpUnknown
	}

	return res
}

func classifySet(upper string) TypeMask {
	switch {
	case strings.HasPrefix(upper, "SET TRANSACTION"):
		return TypeNextTrx
	case strings.HasPrefix(upper, "SET AUTOCOMMIT=1") || strings.HasPrefix(upper, "SET AUTOCOMMIT = 1"):
		return TypeEnableAutocommit
	case strings.HasPrefix(upper, "SET AUTOCOMMIT=0") || strings.HasPrefix(upper, "SET AUTOCOMMIT = 0"):
		return TypeDisableAutocommit
	case strings.Contains(upper, "SET GLOBAL"):
		return TypeGSysVarWrite
	case strings.Contains(upper, "@@"):
		return TypeSysVarRead | TypeSessionWrite
	case strings.Contains(upper, "@"):
		return TypeUserVarWrite
	default:
		return TypeSessionWrite
	}
}

func (regexParser) TableNames(sql string) []string {
	upper := strings.ToUpper(sql)
	var marker string
	switch {
	case strings.Contains(upper, " FROM "):
		marker = " FROM "
	case strings.HasPrefix(upper, "INSERT INTO") || strings.HasPrefix(upper, "REPLACE INTO"):
		marker = "INTO "
	case strings.HasPrefix(upper, "UPDATE "):
		marker = "UPDATE "
	default:
		return nil
	}
	idx := strings.Index(upper, marker)
	if idx < 0 {
		return nil
	}
	rest := strings.TrimSpace(sql[idx+len(marker):])
	end := strings.IndexAny(rest, " \t\n,;()")
	if end >= 0 {
		rest = rest[:end]
	}
	rest = strings.Trim(rest, "`")
	if rest == "" {
		return nil
	}
	return []string{rest}
}

func (regexParser) IsPrepare(sql string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sql)), "PREPARE ")
}

func (regexParser) PrepareName(sql string) string {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "PREPARE ") {
		return ""
	}
	rest := strings.TrimSpace(trimmed[len("PREPARE "):])
	end := strings.IndexAny(rest, " \t\n")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func (regexParser) TrxTypeMask(sql string) TypeMask {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	word := firstWord(upper)
	switch word {
	case "BEGIN", "START":
		return TypeBeginTrx
	case "COMMIT":
		return TypeCommit
	case "ROLLBACK":
		return TypeRollback
	default:
		if strings.HasPrefix(upper, "SET TRANSACTION") {
			return TypeNextTrx
		}
		return 0
	}
}

func (regexParser) Canonical(sql string) string {
	return Canonicalize(sql)
}

func firstWord(upper string) string {
	upper = strings.TrimLeft(upper, "( \t\n")
	end := strings.IndexFunc(upper, func(r rune) bool {
		return unicode.IsSpace(r) || r == '('
	})
	if end < 0 {
		return upper
	}
	return upper[:end]
}

// Canonicalize replaces literal numeric, string, and hex values with
// '?' and collapses runs of whitespace to a single space, preserving
// identifier case (spec.md §4.3 step 2).
func Canonicalize(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	runes := []rune(sql)
	n := len(runes)
	lastWasSpace := false

	for i := 0; i < n; i++ {
		c := runes[i]

		if c == '\'' || c == '"' {
			quote := c
			b.WriteByte('?')
			i++
			for i < n {
				if runes[i] == '\\' && i+1 < n {
					i += 2
					continue
				}
				if runes[i] == quote {
					break
				}
				i++
			}
			lastWasSpace = false
			continue
		}

		if unicode.IsDigit(c) && !precededByIdentChar(runes, i) {
			j := i + 1
			if c == '0' && j < n && (runes[j] == 'x' || runes[j] == 'X') {
				j++
				for j < n && unicode.Is(unicode.ASCII_Hex_Digit, runes[j]) {
					j++
				}
			} else {
				for j < n && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
					j++
				}
			}
			b.WriteByte('?')
			i = j - 1
			lastWasSpace = false
			continue
		}

		if unicode.IsSpace(c) {
			if !lastWasSpace {
				b.WriteByte(' ')
				lastWasSpace = true
			}
			continue
		}

		b.WriteRune(c)
		lastWasSpace = false
	}

	return strings.TrimSpace(b.String())
}

func precededByIdentChar(runes []rune, i int) bool {
	if i == 0 {
		return false
	}
	p := runes[i-1]
	return unicode.IsLetter(p) || p == '_'
}
