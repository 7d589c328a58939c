package classifier

// Parser is the pluggable statement-parsing dependency the classifier
// sits on top of (spec.md §4.3). A production deployment would back this
// with a real MySQL-grammar parser; sqlrelay ships a pragmatic
// regex/token-based implementation (see sqlparse.go) sufficient to drive
// routing decisions without a full grammar.
type Parser interface {
	// Parse inspects sql (the statement text extracted from a command
	// packet) to the requested depth and returns the base result.
	Parse(sql string, level CollectLevel) StmtResult

	// TableNames returns the tables referenced by sql. It parses its
	// argument itself and does not depend on a previous Parse call.
	TableNames(sql string) []string

	// IsPrepare reports whether sql is a PREPARE (named, COM_QUERY-style)
	// statement.
	IsPrepare(sql string) bool

	// PrepareName extracts the name from "PREPARE name FROM ...",
	// returning "" if sql is not a named prepare.
	PrepareName(sql string) string

	// TrxTypeMask returns the transaction-relevant bits of sql's type
	// mask (BEGIN/COMMIT/ROLLBACK/NEXT_TRX), independent of full
	// classification.
	TrxTypeMask(sql string) TypeMask

	// Canonical returns sql with literal values replaced by '?' and
	// whitespace normalized, per spec.md §4.3 step 2.
	Canonical(sql string) string
}
