package sqllab

import (
	"errors"
	"strconv"
	"strings"
)

var ErrEmptyTableName = errors.New("target table name is required")

// stripTerminator removes a single trailing statement terminator, if present.
// Terminators embedded earlier in the text are left untouched.
func stripTerminator(sqlText string) (string, bool) {
	if strings.HasSuffix(sqlText, ";") {
		return strings.TrimSuffix(sqlText, ";"), true
	}
	return sqlText, false
}

// CreateTableAs rewrites a SELECT statement so that its result set is
// materialized into table. The rewrite is a pure prefix/suffix
// transformation: the statement body is preserved verbatim, including
// embedded newlines, and a trailing terminator keeps its position. With
// override the target table is dropped first.
//
// An empty table name returns the input unchanged along with
// ErrEmptyTableName; callers reject the submission before dispatch.
func CreateTableAs(sqlText, table string, override bool) (string, error) {
	if strings.TrimSpace(table) == "" {
		return sqlText, ErrEmptyTableName
	}

	body, terminated := stripTerminator(sqlText)
	if terminated {
		body += ";"
	}

	rewritten := "CREATE TABLE " + table + " AS \n" + body
	if override {
		rewritten = "DROP TABLE IF EXISTS " + table + ";\n" + rewritten
	}
	return rewritten, nil
}

// WrapLimit bounds a statement's result set by wrapping it in an outer
// SELECT with a LIMIT clause. The inner text is not reflowed; a trailing
// terminator stays with the body inside the wrap. The output is
// dialect-neutral, per-engine compilation differences are the driver's
// concern.
func WrapLimit(sqlText string, limit int) string {
	body, terminated := stripTerminator(sqlText)
	if terminated {
		body += ";"
	}
	return "SELECT * FROM (" + body + ") AS inner_qry LIMIT " + strconv.Itoa(limit)
}

// SelectStar is the statement used to read back a materialized table,
// e.g. after a CREATE TABLE AS rewrite has run.
func SelectStar(table string, limit int) string {
	stmt := "SELECT * \nFROM " + table
	if limit > 0 {
		stmt += " \nLIMIT " + strconv.Itoa(limit)
	}
	return stmt
}
