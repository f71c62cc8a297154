// Package validate holds the checks every caller-supplied fragment passes
// before it is allowed into SQL text.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	ErrEmpty          = errors.New("empty value")
	ErrKeyword        = errors.New("disallowed keyword")
	ErrSyntax         = errors.New("not a valid boolean expression")
	ErrSubquery       = errors.New("subqueries are not allowed")
	ErrComment        = errors.New("comments are not allowed")
	ErrTrailingClause = errors.New("only a predicate is allowed")
	ErrIdentifier     = errors.New("not a valid identifier")
	ErrBackslash      = errors.New("backslashes are not allowed")
	ErrQuotedIdent    = errors.New("double-quoted names are not allowed")
)

var (
	blacklist  = regexp.MustCompile(`(?i)\b(DROP|CREATE|ALTER|TRUNCATE|INSERT|UPDATE|DELETE|UNION|EXEC|GRANT|REVOKE)\b`)
	columnRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tableRe    = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+){1,2}$`)
	wrapPrefix = "SELECT * FROM t WHERE "
)

// WhereClause accepts text only if it is a single boolean predicate: no
// blacklisted keyword, parseable as the WHERE of a lone SELECT, no nested
// SELECT, no comments and nothing trailing the predicate.
//
// The grammar is PostgreSQL's but the predicate runs on Spark SQL, which
// reads `\'` inside a literal as an escaped quote and "x" as a string. Text
// whose tokens could split differently between the two is rejected.
func WhereClause(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmpty
	}
	if strings.ContainsRune(text, '\\') {
		return ErrBackslash
	}
	if m := blacklist.FindString(text); m != "" {
		return fmt.Errorf("%w: %s", ErrKeyword, strings.ToUpper(m))
	}

	stmt := wrapPrefix + text
	res, err := pg_query.Parse(stmt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if len(res.GetStmts()) != 1 {
		return fmt.Errorf("%w: expected one statement, got %d", ErrSyntax, len(res.GetStmts()))
	}
	sel := res.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return fmt.Errorf("%w: not a SELECT", ErrSyntax)
	}
	if sel.GetWhereClause() == nil {
		return ErrSyntax
	}
	if len(sel.GetSortClause()) > 0 || sel.GetLimitCount() != nil || sel.GetLimitOffset() != nil ||
		len(sel.GetGroupClause()) > 0 || sel.GetHavingClause() != nil ||
		len(sel.GetWindowClause()) > 0 || len(sel.GetLockingClause()) > 0 {
		return ErrTrailingClause
	}

	n, err := countSelects(stmt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if n > 1 {
		return ErrSubquery
	}

	return checkTokens(stmt)
}

// countSelects walks the JSON parse tree and counts SelectStmt nodes.
func countSelects(stmt string) (int, error) {
	out, err := pg_query.ParseToJSON(stmt)
	if err != nil {
		return 0, err
	}
	var tree any
	if err := json.Unmarshal([]byte(out), &tree); err != nil {
		return 0, err
	}
	return walkSelects(tree), nil
}

func walkSelects(v any) int {
	n := 0
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if k == "SelectStmt" {
				n++
			}
			n += walkSelects(child)
		}
	case []any:
		for _, child := range t {
			n += walkSelects(child)
		}
	}
	return n
}

// checkTokens rejects comments and double-quoted identifiers.
func checkTokens(stmt string) error {
	res, err := pg_query.Scan(stmt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	for _, tok := range res.GetTokens() {
		switch tok.GetToken() {
		case pg_query.Token_SQL_COMMENT, pg_query.Token_C_COMMENT:
			return ErrComment
		case pg_query.Token_IDENT:
			if start := int(tok.GetStart()); start < len(stmt) && stmt[start] == '"' {
				return ErrQuotedIdent
			}
		}
	}
	return nil
}

// IsAlwaysTrue reports whether where is the "1=1" no-op predicate.
func IsAlwaysTrue(where string) bool {
	return strings.Join(strings.Fields(where), "") == "1=1"
}

func ColumnName(name string) error {
	if name == "" {
		return ErrEmpty
	}
	if !columnRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrIdentifier, name)
	}
	return nil
}

// ColumnList splits a comma separated field list. Either every token is a
// valid column name or the whole list is rejected.
func ColumnList(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmpty
	}
	parts := strings.Split(text, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if err := ColumnName(p); err != nil {
			return nil, err
		}
		fields = append(fields, p)
	}
	return fields, nil
}

// TableName checks a two or three part dotted identifier. The value is
// used verbatim and never rebuilt from its parts.
func TableName(id string) error {
	if id == "" {
		return ErrEmpty
	}
	if !tableRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrIdentifier, id)
	}
	return nil
}

// Suspicion runs libinjection over text. It is a signal for logs and
// metrics only; the grammar check above decides validity.
func Suspicion(text string) (string, bool) {
	ok, fp := libinjection.IsSQLi(text)
	if !ok {
		return "", false
	}
	return string(fp), true
}
