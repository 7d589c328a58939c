package classifier

import "testing"

func TestParseBasicStatements(t *testing.T) {
	p := NewParser()
	cases := []struct {
		sql      string
		wantOp   Operation
		wantType TypeMask
	}{
		{"SELECT * FROM users WHERE id = 1", OpSelect, TypeRead},
		{"INSERT INTO users (id) VALUES (1)", OpInsert, TypeWrite},
		{"UPDATE users SET name='x' WHERE id=1", OpUpdate, TypeWrite},
		{"DELETE FROM users WHERE id=1", OpDelete, TypeWrite},
		{"CALL my_proc(1)", OpCall, TypeWrite},
		{"BEGIN", OpBegin, TypeBeginTrx},
		{"COMMIT", OpCommit, TypeCommit},
		{"ROLLBACK", OpRollback, TypeRollback},
		{"garbage tokens here !!", OpUnknown, TypeUnknown},
	}
	for _, c := range cases {
		res := p.Parse(c.sql, CollectBasic)
		if res.Op != c.wantOp {
			t.Errorf("Parse(%q).Op = %v, want %v", c.sql, res.Op, c.wantOp)
		}
		if !res.TypeMask.Has(c.wantType) {
			t.Errorf("Parse(%q).TypeMask = %v, want to include %v", c.sql, res.TypeMask, c.wantType)
		}
	}
}

func TestParseSelectForUpdateIsAlsoWrite(t *testing.T) {
	p := NewParser()
	res := p.Parse("SELECT * FROM t WHERE id=1 FOR UPDATE", CollectBasic)
	if !res.TypeMask.Has(TypeWrite) {
		t.Fatal("SELECT ... FOR UPDATE should carry TypeWrite")
	}
}

func TestTableNames(t *testing.T) {
	p := NewParser()
	if got := p.TableNames("SELECT * FROM orders WHERE id=1"); len(got) != 1 || got[0] != "orders" {
		t.Fatalf("TableNames = %v", got)
	}
	if got := p.TableNames("INSERT INTO accounts (id) VALUES (1)"); len(got) != 1 || got[0] != "accounts" {
		t.Fatalf("TableNames = %v", got)
	}
}

func TestIsPrepareAndName(t *testing.T) {
	p := NewParser()
	if !p.IsPrepare("PREPARE stmt1 FROM 'SELECT 1'") {
		t.Fatal("expected PREPARE to be detected")
	}
	if name := p.PrepareName("PREPARE stmt1 FROM 'SELECT 1'"); name != "stmt1" {
		t.Fatalf("PrepareName = %q, want stmt1", name)
	}
	if p.IsPrepare("SELECT 1") {
		t.Fatal("SELECT should not be a prepare")
	}
}

func TestCanonicalizeReplacesLiterals(t *testing.T) {
	cases := []struct{ sql, want string }{
		{"SELECT * FROM t WHERE id = 42", "SELECT * FROM t WHERE id = ?"},
		{"SELECT * FROM t WHERE name = 'bob'", "SELECT * FROM t WHERE name = ?"},
		{"SELECT   *    FROM t", "SELECT * FROM t"},
		{"SELECT * FROM t WHERE a=1 AND b=2", "SELECT * FROM t WHERE a=? AND b=?"},
	}
	for _, c := range cases {
		got := Canonicalize(c.sql)
		if got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.sql, got, c.want)
		}
	}
}

func TestCanonicalizePreservesIdentifierCase(t *testing.T) {
	got := Canonicalize("SELECT CamelCol FROM MyTable")
	if got != "SELECT CamelCol FROM MyTable" {
		t.Fatalf("Canonicalize altered identifier case: %q", got)
	}
}
