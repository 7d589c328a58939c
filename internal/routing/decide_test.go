package routing

import (
	"testing"

	"github.com/sqlrelay/sqlrelay/internal/classifier"
	"github.com/sqlrelay/sqlrelay/internal/hint"
)

type fakeHandler struct {
	locked bool
}

func (h *fakeHandler) LockToMaster()          { h.locked = true }
func (h *fakeHandler) IsLockedToMaster() bool { return h.locked }
func (h *fakeHandler) SupportsHint(hint.Kind) bool { return true }

func newTestEngine() *Engine {
	return NewEngine(&fakeHandler{}, Options{UseSQLVariablesIn: UseSQLVariablesMaster})
}

// S1 — simple read routes to a slave with no trx active.
func TestS1SimpleRead(t *testing.T) {
	e := newTestEngine()
	info := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead, Op: classifier.OpSelect}}

	ri := e.UpdateRouteInfo(info, 1, nil)

	if ri.Target != TargetSlave {
		t.Fatalf("target = %v, want slave", ri.Target)
	}
}

// S2 — write inside an explicit transaction stays on master throughout.
func TestS2WriteInsideTransaction(t *testing.T) {
	e := newTestEngine()

	begin := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeBeginTrx, Op: classifier.OpBegin}}
	riBegin := e.UpdateRouteInfo(begin, 1, nil)
	if riBegin.Target != TargetMaster {
		t.Fatalf("BEGIN target = %v, want master", riBegin.Target)
	}
	if !e.Trx.IsActive() {
		t.Fatal("trx should be active after BEGIN")
	}
	e.CommitRouteInfoUpdate(begin, 1)

	update := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeWrite, Op: classifier.OpUpdate}}
	riUpdate := e.UpdateRouteInfo(update, 2, nil)
	if riUpdate.Target != TargetMaster {
		t.Fatalf("UPDATE target = %v, want master", riUpdate.Target)
	}
	if riUpdate.TrxStillReadOnly {
		t.Fatal("trx_still_read_only should be false once a write happens")
	}
	e.CommitRouteInfoUpdate(update, 2)

	commit := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeCommit, Op: classifier.OpCommit}}
	riCommit := e.UpdateRouteInfo(commit, 3, nil)
	if riCommit.Target != TargetMaster {
		t.Fatalf("COMMIT target = %v, want master", riCommit.Target)
	}
	if e.Trx.IsActive() {
		t.Fatal("trx should no longer be active after COMMIT")
	}
}

// S3 — binary prepared statement execution reuses the stored type mask.
func TestS3PreparedStatementExecute(t *testing.T) {
	e := newTestEngine()

	prepare := &classifier.QueryInfo{
		StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead | classifier.TypePrepareStmt, Op: classifier.OpSelect},
	}
	e.UpdateRouteInfo(prepare, 7, nil)
	e.CommitRouteInfoUpdate(prepare, 7)

	if ps, ok := e.PS.GetByID(7); !ok || !ps.TypeMask.Has(classifier.TypeRead) {
		t.Fatalf("expected PS 7 stored with Read type, got %+v ok=%v", ps, ok)
	}
	e.PS.SetParamCount(7, 1)

	exec := &classifier.QueryInfo{
		StmtResult: classifier.StmtResult{TypeMask: classifier.TypeExecStmt, Op: classifier.OpExecute},
		PSID:       7,
	}
	ri := e.UpdateRouteInfo(exec, 8, nil)
	if ri.Target != TargetSlave {
		t.Fatalf("EXECUTE target = %v, want slave (trx inactive)", ri.Target)
	}
	if ps, _ := e.PS.GetByID(7); ps.ParamCount != 1 {
		t.Fatalf("param count = %d, want 1", ps.ParamCount)
	}
}

func TestS3DirectExecSentinelResolvesToPreviousID(t *testing.T) {
	e := newTestEngine()
	prepare := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead | classifier.TypePrepareStmt}}
	e.UpdateRouteInfo(prepare, 9, nil)
	e.CommitRouteInfoUpdate(prepare, 9)

	ps, ok := e.PS.GetByID(directExecSentinel)
	if !ok || ps.TypeMask != classifier.TypeRead|classifier.TypePrepareStmt {
		t.Fatalf("direct-exec sentinel should resolve to last stored id: ok=%v ps=%+v", ok, ps)
	}
}

// S4 — a read against a session's own temp table is forced to master.
func TestS4TempTableRead(t *testing.T) {
	e := newTestEngine()

	create := &classifier.QueryInfo{
		StmtResult: classifier.StmtResult{TypeMask: classifier.TypeWrite | classifier.TypeCreateTmpTable, Op: classifier.OpOther},
		TableNames: []string{"db.scratch"},
	}
	riCreate := e.UpdateRouteInfo(create, 1, nil)
	if riCreate.Target != TargetMaster {
		t.Fatalf("CREATE TEMPORARY TABLE target = %v, want master", riCreate.Target)
	}
	e.CommitRouteInfoUpdate(create, 1)

	if !e.Temp.Has("db.scratch") {
		t.Fatal("temp table should be recorded after commit")
	}

	read := &classifier.QueryInfo{
		StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead, Op: classifier.OpSelect},
		TableNames: []string{"db.scratch"},
	}
	riRead := e.UpdateRouteInfo(read, 2, nil)
	if riRead.Target != TargetMaster {
		t.Fatalf("read of own temp table target = %v, want master", riRead.Target)
	}
	if !riRead.TypeMask.Has(classifier.TypeMasterRead) {
		t.Fatal("expected MASTER_READ bit set")
	}
}

// S6 — a multi-part packet continuation keeps the previous tick's target
// even though a fresh classification would say otherwise.
func TestS6MultiPartPacketSticksToPreviousTarget(t *testing.T) {
	e := newTestEngine()

	first := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeWrite, Op: classifier.OpInsert}}
	ri1 := e.UpdateRouteInfo(first, 1, nil)
	if ri1.Target != TargetMaster {
		t.Fatalf("first packet target = %v, want master", ri1.Target)
	}

	cont := &classifier.QueryInfo{MultiPartPacket: true, StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead}}
	ri2 := e.UpdateRouteInfo(cont, 1, nil)
	if ri2.Target != TargetMaster {
		t.Fatalf("continuation target = %v, want sticky master", ri2.Target)
	}
	if !ri2.MultiPartPacket {
		t.Fatal("expected multi_part_packet to be reported")
	}
}

func TestHintRouteToMasterWinsRegardlessOfOrder(t *testing.T) {
	e := newTestEngine()
	info := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead}}
	hints := []hint.Hint{
		{Kind: hint.RouteToSlave},
		{Kind: hint.RouteToMaster},
	}
	ri := e.UpdateRouteInfo(info, 1, hints)
	if ri.Target != TargetMaster {
		t.Fatalf("target = %v, want master (hint should win)", ri.Target)
	}
}

func TestHintMaxSlaveReplicationLagParsed(t *testing.T) {
	e := newTestEngine()
	info := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead}}
	hints := []hint.Hint{{Kind: hint.Parameter, Payload: "max_slave_replication_lag=5"}}
	ri := e.UpdateRouteInfo(info, 1, hints)
	if !ri.Target.Has(TargetRlagMax) {
		t.Fatalf("target = %v, want TargetRlagMax bit set", ri.Target)
	}
	if ri.MaxSlaveReplicationLag != 5 {
		t.Fatalf("lag = %d, want 5", ri.MaxSlaveReplicationLag)
	}
}

func TestUnknownTypeForcesMaster(t *testing.T) {
	e := newTestEngine()
	info := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeUnknown, Status: classifier.ParseFailed}}
	ri := e.UpdateRouteInfo(info, 1, nil)
	if ri.Target != TargetMaster {
		t.Fatalf("UNKNOWN target = %v, want master", ri.Target)
	}
}

func TestRevertUpdateRestoresSnapshot(t *testing.T) {
	e := newTestEngine()
	read := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeRead}}
	e.UpdateRouteInfo(read, 1, nil)

	write := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeWrite}}
	e.UpdateRouteInfo(write, 2, nil)
	e.RevertUpdate()

	if e.last.Target != TargetSlave {
		t.Fatalf("after revert, last target = %v, want slave (the pre-write state)", e.last.Target)
	}
}

func TestUserVarReadMasterOnlyGoesToMasterEvenOutsideTrx(t *testing.T) {
	e := newTestEngine() // UseSQLVariablesIn = MASTER
	info := &classifier.QueryInfo{StmtResult: classifier.StmtResult{TypeMask: classifier.TypeUserVarRead}}
	ri := e.UpdateRouteInfo(info, 1, nil)
	if ri.Target != TargetMaster {
		t.Fatalf("USERVAR_READ under use_sql_variables_in=MASTER: target = %v, want master", ri.Target)
	}
}

func TestDropTableRemovesFromTempTableSet(t *testing.T) {
	e := newTestEngine()
	create := &classifier.QueryInfo{
		StmtResult: classifier.StmtResult{TypeMask: classifier.TypeWrite | classifier.TypeCreateTmpTable},
		TableNames: []string{"db.scratch"},
	}
	e.UpdateRouteInfo(create, 1, nil)
	e.CommitRouteInfoUpdate(create, 1)

	drop := &classifier.QueryInfo{
		StmtResult: classifier.StmtResult{TypeMask: classifier.TypeWrite, Op: classifier.OpDropTable},
		TableNames: []string{"db.scratch"},
	}
	e.UpdateRouteInfo(drop, 2, nil)
	e.CommitRouteInfoUpdate(drop, 2)

	if e.Temp.Has("db.scratch") {
		t.Fatal("temp table should be removed after DROP TABLE")
	}
}
