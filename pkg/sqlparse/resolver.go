package sqlparse

import (
	"regexp"
	"strings"
)

// UnknownTable is returned when no table can be attributed to a statement.
const UnknownTable = "unknown"

// StatementType is the coarse class of a SQL statement.
type StatementType string

const (
	StatementSelect  StatementType = "SELECT"
	StatementUpdate  StatementType = "UPDATE"
	StatementInsert  StatementType = "INSERT"
	StatementDelete  StatementType = "DELETE"
	StatementDDL     StatementType = "DDL"
	StatementUnknown StatementType = "UNKNOWN"
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	delimitedRe    = regexp.MustCompile("\\[[^\\]]*\\]|`[^`]*`|\"[^\"]*\"")
	delimiterChars = strings.NewReplacer("[", "", "]", "", "`", "", `"`, "")

	// ident matches a possibly schema-qualified table reference.
	ident = `([a-z0-9_#@$][a-z0-9_#@$.]*)`

	updateRe = regexp.MustCompile(`\bupdate\s+(?:top\s*\(\s*\d+\s*\)\s+)?` + ident)
	deleteRe = regexp.MustCompile(`\bdelete\s+(?:top\s*\(\s*\d+\s*\)\s+)?from\s+` + ident)
	insertRe = regexp.MustCompile(`\binsert\s+into\s+` + ident)
	fromRe   = regexp.MustCompile(`\bfrom\s+` + ident)
	joinRe   = regexp.MustCompile(`\bjoin\s+` + ident)
	aliasRe  = regexp.MustCompile(`\s+as\s+.*$`)
)

// matcher extracts a table reference from cleaned SQL text. The boolean is
// false when the matcher does not apply.
type matcher func(sql string) (string, bool)

// clauseWords precede an UPDATE keyword that is part of a clause rather
// than the statement verb: FOR UPDATE, ON DUPLICATE KEY UPDATE and
// ON CONFLICT DO UPDATE.
var clauseWords = map[string]bool{
	"for": true,
	"key": true,
	"do":  true,
}

// updateMatcher matches UPDATE used as a verb.
func updateMatcher(sql string) (string, bool) {
	for _, loc := range updateRe.FindAllStringSubmatchIndex(sql, -1) {
		fields := strings.Fields(sql[:loc[0]])
		if len(fields) > 0 && clauseWords[fields[len(fields)-1]] {
			continue
		}

		return sql[loc[2]:loc[3]], true
	}

	return "", false
}

func regexMatcher(re *regexp.Regexp) matcher {
	return func(sql string) (string, bool) {
		m := re.FindStringSubmatch(sql)
		if m == nil {
			return "", false
		}

		return m[1], true
	}
}

// matchers run in priority order: the statement's own verb wins over any
// subordinate FROM or JOIN clause.
var matchers = []matcher{
	updateMatcher,
	regexMatcher(deleteRe),
	regexMatcher(insertRe),
	regexMatcher(fromRe),
	regexMatcher(joinRe),
}

// Resolver attributes SQL statements to the table they primarily touch.
// It is safe for concurrent use.
type Resolver struct {
	known []knownTable
}

type knownTable struct {
	name string
	re   *regexp.Regexp
}

// NewResolver returns a Resolver that falls back to scanning for the given
// table names when no clause pattern matches.
func NewResolver(knownTables []string) *Resolver {
	r := &Resolver{known: make([]knownTable, 0, len(knownTables))}

	for _, name := range knownTables {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}

		r.known = append(r.known, knownTable{
			name: name,
			re:   regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`),
		})
	}

	return r
}

var defaultResolver = NewResolver(nil)

// Resolve resolves sql with a Resolver that has no known-table fallback.
func Resolve(sql string) string {
	return defaultResolver.Resolve(sql)
}

// Resolve returns the lower-cased name of the primary table referenced by
// sql, or UnknownTable. It never fails: malformed or multi-statement input
// is scanned as-is.
func (r *Resolver) Resolve(sql string) string {
	if strings.TrimSpace(sql) == "" {
		return UnknownTable
	}

	clean := Clean(sql)

	for _, m := range matchers {
		if name, ok := m(clean); ok {
			if name = cleanName(name); name != "" {
				return name
			}
		}
	}

	for _, kt := range r.known {
		if kt.re.MatchString(clean) {
			return kt.name
		}
	}

	return UnknownTable
}

// Classify returns the statement class from the leading keyword.
func (r *Resolver) Classify(sql string) StatementType {
	return Classify(sql)
}

var ctxVerbRe = regexp.MustCompile(`\)\s*(select|update|insert|delete)\b`)

// Classify returns the statement class from the leading keyword of sql
// after comments are stripped.
func Classify(sql string) StatementType {
	clean := strings.TrimLeft(Clean(sql), "( ")

	keyword, _, _ := strings.Cut(clean, " ")

	switch keyword {
	case "select":
		return StatementSelect
	case "update":
		return StatementUpdate
	case "insert":
		return StatementInsert
	case "delete":
		return StatementDelete
	case "create", "alter", "drop", "truncate":
		return StatementDDL
	case "with":
		if m := ctxVerbRe.FindStringSubmatch(clean); m != nil {
			return StatementType(strings.ToUpper(m[1]))
		}

		return StatementSelect
	default:
		return StatementUnknown
	}
}

// Clean lower-cases sql, strips comments and identifier delimiters and
// collapses whitespace. Whitespace inside a delimited identifier becomes
// an underscore so the name stays one token.
func Clean(sql string) string {
	s := strings.ToLower(sql)
	s = blockCommentRe.ReplaceAllString(s, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")
	s = delimitedRe.ReplaceAllStringFunc(s, func(id string) string {
		return whitespaceRe.ReplaceAllString(strings.TrimSpace(id[1:len(id)-1]), "_")
	})
	s = delimiterChars.Replace(s)
	s = whitespaceRe.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// cleanName drops aliases, quoting and schema qualifiers from a captured
// table reference.
func cleanName(name string) string {
	name = aliasRe.ReplaceAllString(name, "")

	if fields := strings.Fields(name); len(fields) > 0 {
		name = fields[0]
	}

	name = strings.Trim(name, "[]`\"'.")

	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}

	return strings.ToLower(name)
}
