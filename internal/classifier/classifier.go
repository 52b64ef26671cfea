// Package classifier implements the statement classifier: a hand-written
// token scanner over a single QUERY/PREPARE payload that produces a type
// mask, never a full SQL parser. Ambiguous statements default to WRITE for
// safety, per spec.
package classifier

import "strings"

// TypeMask is a bitmask of statement properties.
type TypeMask uint32

const (
	Read TypeMask = 1 << iota
	Write
	SessionWrite
	UserVarRead
	UserVarWrite
	SysVarRead
	SysVarWrite
	GSysVarRead
	GSysVarWrite
	BeginTrx
	Commit
	Rollback
	ReadTmpTable
	CreateTmpTable
	PrepareNamedStmt
	ExecStmt
	DeallocPrepare
	ShowStmt
)

// Has reports whether m contains all bits in other.
func (m TypeMask) Has(other TypeMask) bool { return m&other == other }

// Any reports whether m shares any bit with other.
func (m TypeMask) Any(other TypeMask) bool { return m&other != 0 }

// keyword tables, ordered so the first match wins where statements could
// otherwise be ambiguous.
var writeKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "DROP", "ALTER",
	"TRUNCATE", "GRANT", "REVOKE", "LOCK", "UNLOCK", "RENAME", "LOAD",
	"IMPORT", "OPTIMIZE", "REPAIR", "ANALYZE",
}

var readKeywords = []string{
	"SELECT", "EXPLAIN", "DESC", "DESCRIBE", "SHOW",
}

// Classify scans one QUERY/PREPARE payload (UTF-8 SQL text) and returns its
// type mask. It recognises the leading keyword sequence (after one leading
// comment), balanced quoting (an `@` inside a quoted string or identifier
// is not a variable reference), and `@`/`@@` variable references; comments
// after the first token are not skipped. It is never a full parser and
// defaults ambiguous statements to Write.
func Classify(sql string) TypeMask {
	s := stripLeadingComment(sql)
	trimmed := strings.TrimSpace(s)
	upper := strings.ToUpper(trimmed)

	var mask TypeMask

	switch firstWord(upper) {
	case "BEGIN", "START":
		return BeginTrx
	case "COMMIT":
		return Commit
	case "ROLLBACK":
		return Rollback
	case "PREPARE":
		mask |= PrepareNamedStmt | SessionWrite
	case "EXECUTE":
		mask |= ExecStmt
	case "DEALLOCATE":
		mask |= DeallocPrepare | SessionWrite
	case "SET":
		mask |= classifySet(trimmed)
	case "USE":
		mask |= SessionWrite
	case "SHOW":
		mask |= ShowStmt | Read
	case "CREATE":
		if strings.Contains(upper, "TEMPORARY TABLE") {
			mask |= CreateTmpTable | SessionWrite
		} else {
			mask |= Write
		}
	default:
		mask |= classifyByKeywordTables(upper)
	}

	mask |= classifyVariableRefs(trimmed)

	if mask == 0 {
		// Ambiguous/unrecognised statement: default to WRITE for safety.
		mask = Write
	}
	return mask
}

func classifyByKeywordTables(upper string) TypeMask {
	word := firstWord(upper)
	for _, kw := range writeKeywords {
		if word == kw {
			return Write
		}
	}
	for _, kw := range readKeywords {
		if word == kw {
			return Read
		}
	}
	return 0
}

// classifySet inspects a SET statement to distinguish user-variable,
// session-system-variable, and global-system-variable assignment.
func classifySet(trimmed string) TypeMask {
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.Contains(upper, "SET GLOBAL") || strings.HasPrefix(upper, "SET @@GLOBAL."):
		return GSysVarWrite | SessionWrite
	case strings.Contains(upper, "@@"):
		return SysVarWrite | SessionWrite
	case strings.Contains(upper, "@"):
		return UserVarWrite
	default:
		// SET NAMES, SET CHARACTER SET, SET SESSION ... all alter
		// connection-level state and must be replicated.
		return SessionWrite
	}
}

// classifyVariableRefs adds *Read bits for variable references anywhere in
// the statement (a statement can both read and write variables).
func classifyVariableRefs(sql string) TypeMask {
	var mask TypeMask
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			if c == '\\' && quote != '`' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			quote = c
			continue
		}
		if c != '@' {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == '@' {
			if isGlobalVarRef(sql, i) {
				mask |= GSysVarRead
			} else {
				mask |= SysVarRead
			}
			i++
		} else {
			mask |= UserVarRead
		}
	}
	return mask
}

func isGlobalVarRef(sql string, at int) bool {
	rest := strings.ToUpper(sql[at:])
	return strings.HasPrefix(rest, "@@GLOBAL.")
}

// stripLeadingComment passes through MySQL/MariaDB executable comment
// hints (/*! ... */) by removing only the comment markers, and skips
// leading ordinary comments before the first keyword.
func stripLeadingComment(sql string) string {
	s := strings.TrimSpace(sql)
	for {
		switch {
		case strings.HasPrefix(s, "/*!"):
			// Executable comment: treat its contents as live SQL by
			// dropping just the /*! ... */ markers.
			end := strings.Index(s, "*/")
			if end == -1 {
				return s
			}
			inner := s[3:end]
			// Skip an optional version digit sequence, e.g. /*!50001 ... */
			inner = strings.TrimLeft(inner, "0123456789")
			s = strings.TrimSpace(inner) + " " + strings.TrimSpace(s[end+2:])
			s = strings.TrimSpace(s)
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end == -1 {
				return s
			}
			s = strings.TrimSpace(s[end+2:])
		case strings.HasPrefix(s, "--"):
			end := strings.IndexByte(s, '\n')
			if end == -1 {
				return ""
			}
			s = strings.TrimSpace(s[end+1:])
		default:
			return s
		}
	}
}

func firstWord(upper string) string {
	upper = strings.TrimSpace(upper)
	end := 0
	for end < len(upper) && !isSeparator(upper[end]) {
		end++
	}
	return upper[:end]
}

func isSeparator(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '(' || b == ';'
}
