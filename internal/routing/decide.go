package routing

import (
	"strings"

	"github.com/sqlrelay/sqlrelay/internal/classifier"
	"github.com/sqlrelay/sqlrelay/internal/hint"
)

// Engine runs the §4.4 decision pipeline for one session. It is not
// safe for concurrent use — a session's routing state is only ever
// touched on the session's owning worker.
type Engine struct {
	Trx  *TrxTracker
	PS   *PSManager
	Temp *TempTableSet

	handler Handler
	opts    Options

	last     RouteInfo
	snapshot RouteInfo
	haveLast bool

	loadDataActive bool
}

// SetLoadDataActive records whether a LOAD DATA INFILE local-data
// stream is in progress, so step 3 of the decision pipeline can bypass
// classification for raw data packets (spec.md §4.4). Nothing in this
// module detects LOAD DATA or calls it.
func (e *Engine) SetLoadDataActive(active bool) { e.loadDataActive = active }

// NewEngine creates an Engine bound to handler with the given options.
func NewEngine(handler Handler, opts Options) *Engine {
	return &Engine{
		Trx:     &TrxTracker{},
		PS:      NewPSManager(),
		Temp:    NewTempTableSet(),
		handler: handler,
		opts:    opts,
	}
}

// UpdateRouteInfo runs the full decision pipeline for one statement
// (spec.md §4.4 steps 1-13). The caller must call CommitRouteInfoUpdate
// once the router has actually dispatched, or RevertUpdate if the
// chosen backend refused/failed before writing.
func (e *Engine) UpdateRouteInfo(info *classifier.QueryInfo, bufferID uint32, hints []hint.Hint) RouteInfo {
	e.snapshot = e.last

	// Step 1: multi-part packet continuation rides the existing target.
	if info.MultiPartPacket {
		ri := e.last
		ri.MultiPartPacket = true
		e.last = ri
		return ri
	}

	typeMask := info.TypeMask

	// Step 2: transaction state update.
	e.Trx.TrackTransactionState(typeMask)

	ri := RouteInfo{
		Command:  info.Command,
		TypeMask: typeMask,
		StmtID:   bufferID,
	}

	// Step 3: load-data mode bypasses classification.
	if e.loadDataActive {
		ri = e.last
		ri.LoadDataActive = true
		e.last = ri
		return ri
	}

	// Step 4: PREPARE routes to all backends so every one registers it.
	if typeMask.Has(classifier.TypePrepareStmt) || typeMask.Has(classifier.TypePrepareNamedStmt) {
		ri.Target = TargetAll
	}

	// Step 5: read-only transaction shortcut.
	readOnlyTrxShortcut := false
	if e.Trx.IsReadOnly() {
		typeMask = classifier.TypeRead
		ri.TypeMask = typeMask
		readOnlyTrxShortcut = true
	}

	if !readOnlyTrxShortcut {
		// Step 6: multi-statement/CALL/temp-table handling.
		currentlyMaster := e.last.Target.Has(TargetMaster)
		isCall := info.Op == classifier.OpCall
		isMultiStmt := info.MultiStmt && e.opts.MultiStatementsAllowed
		if !currentlyMaster && (isCall || isMultiStmt) {
			ri.Target |= TargetMaster
			typeMask |= classifier.TypeWrite
			ri.TypeMask = typeMask
		}
		if e.Temp.Len() > 0 && typeMask.Has(classifier.TypeRead) && e.Temp.ContainsAny(info.TableNames) {
			typeMask |= classifier.TypeMasterRead
			ri.TypeMask = typeMask
		}

		// Step 7: SET TRANSACTION (NEXT_TRX) routes to master.
		if typeMask.Has(classifier.TypeNextTrx) {
			ri.Target |= TargetMaster
		}

		// Step 8: session-wide statements.
		sessionWide := typeMask.Has(classifier.TypeSessionWrite) ||
			typeMask.Has(classifier.TypeGSysVarWrite) ||
			typeMask.Has(classifier.TypeEnableAutocommit) ||
			typeMask.Has(classifier.TypeDisableAutocommit) ||
			(typeMask.Has(classifier.TypeUserVarWrite) && e.opts.UseSQLVariablesIn == UseSQLVariablesAll)
		if sessionWide {
			ri.Target |= TargetAll
		}
	}

	// Step 10: execute-prepared lookup. Run ahead of step 9 so the
	// stored PS type mask (e.g. a prepared SELECT's READ bit) actually
	// feeds the read-routing decision below, matching the worked
	// EXECUTE scenario in spec.md §8 (S3): an EXECUTE only carries
	// EXEC_STMT on its own, so step 9 needs the override applied first
	// to route it to a slave.
	if typeMask.Has(classifier.TypeExecStmt) {
		var ps *PreparedStmt
		var ok bool
		if info.PSID != 0 || info.PSDirectExecID {
			ps, ok = e.PS.GetByID(info.PSID)
		} else if info.PrepareName != "" {
			ps, ok = e.PS.GetByName(info.PrepareName)
		}
		if ok {
			typeMask = ps.TypeMask
			ri.TypeMask = typeMask
			if ps.RouteToLastUsed {
				ri.Target = TargetLastUsed
			}
		}
	}

	// Step 9: read routing.
	if ri.Target == 0 && !e.Trx.IsActive() && !ri.LoadDataActive && isReadOnly(typeMask, e.opts) {
		ri.Target = TargetSlave
	}

	// Step 11: FOUND_ROWS-style dependency.
	if info.RelatesToPrevious {
		ri.Target = TargetLastUsed
	}

	// Step 12: hint application.
	applyHints(&ri, hints, e.handler)

	// Step 13: transaction read-only invariant.
	if e.Trx.IsEnding() || typeMask.Has(classifier.TypeBeginTrx) {
		ri.TrxStillReadOnly = true
	} else if e.Trx.IsActive() {
		if !isReadOnly(typeMask, e.opts) {
			ri.TrxStillReadOnly = false
		} else if e.haveLast {
			ri.TrxStillReadOnly = e.last.TrxStillReadOnly
		} else {
			ri.TrxStillReadOnly = true
		}
	}

	if ri.Target == 0 || typeMask.Has(classifier.TypeUnknown) {
		ri.Target = TargetMaster
	}

	e.last = ri
	e.haveLast = true
	return ri
}

// isReadOnly implements the rule from spec.md §4.4 step 9: no
// MASTER_READ, no WRITE, and (READ, or USERVAR_READ only under
// use_sql_variables_in=ALL, or SYSVAR_READ, or GSYSVAR_READ).
func isReadOnly(typeMask classifier.TypeMask, opts Options) bool {
	if typeMask.Has(classifier.TypeMasterRead) || typeMask.Has(classifier.TypeWrite) {
		return false
	}
	if typeMask.Has(classifier.TypeRead) {
		return true
	}
	if typeMask.Has(classifier.TypeUserVarRead) && opts.UseSQLVariablesIn == UseSQLVariablesAll {
		return true
	}
	if typeMask.Has(classifier.TypeSysVarRead) || typeMask.Has(classifier.TypeGSysVarRead) {
		return true
	}
	return false
}

func applyHints(ri *RouteInfo, hints []hint.Hint, h Handler) {
	for _, hh := range hints {
		if h != nil && !h.SupportsHint(hh.Kind) {
			continue
		}
		switch hh.Kind {
		case hint.RouteToMaster:
			ri.Target = TargetMaster
			return
		case hint.RouteToNamedServer:
			ri.Target |= TargetNamedServer
			ri.NamedServer = hh.Payload
		case hint.RouteToLastUsed:
			ri.Target = TargetLastUsed
		case hint.Parameter:
			if strings.HasPrefix(hh.Payload, "max_slave_replication_lag") {
				ri.Target |= TargetRlagMax
				if eq := strings.IndexByte(hh.Payload, '='); eq >= 0 {
					ri.MaxSlaveReplicationLag = atoiSafe(hh.Payload[eq+1:])
				}
			}
		case hint.RouteToSlave:
			ri.Target = TargetSlave
		}
	}
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// CommitRouteInfoUpdate applies the side effects of a dispatched
// statement to the PS registry and temp-table set (spec.md §4.4 step 14).
func (e *Engine) CommitRouteInfoUpdate(info *classifier.QueryInfo, bufferID uint32) {
	switch {
	case info.TypeMask.Has(classifier.TypePrepareStmt):
		e.PS.StoreByID(bufferID, &PreparedStmt{TypeMask: info.TypeMask})
	case info.TypeMask.Has(classifier.TypePrepareNamedStmt):
		e.PS.StoreByName(info.PrepareName, &PreparedStmt{TypeMask: info.TypeMask})
	}

	if info.TypeMask.Has(classifier.TypeDeallocPrepare) {
		if info.PrepareName != "" {
			e.PS.EraseByName(info.PrepareName)
		} else {
			e.PS.EraseByID(info.PSID)
		}
	}

	if info.TypeMask.Has(classifier.TypeCreateTmpTable) && len(info.TableNames) > 0 {
		e.Temp.Add(info.TableNames[0])
	}

	if info.Op == classifier.OpDropTable {
		for _, name := range info.TableNames {
			if e.Temp.Has(name) {
				e.Temp.Remove(name)
			}
		}
	}
}

// RevertUpdate restores the RouteInfo snapshot taken before the last
// UpdateRouteInfo call, used when the chosen backend refuses or fails
// before writing (spec.md §4.4 step 15).
func (e *Engine) RevertUpdate() {
	e.last = e.snapshot
}

// ReplyInfo is the subset of a backend reply the routing engine needs
// to update its state (spec.md §4.4 update_from_reply).
type ReplyInfo struct {
	LoadDataActive  bool
	Complete        bool
	TrxState        *TrxState
	GeneratedPSID   uint32
	HasGeneratedPS  bool
	ParamCount      int
}

// UpdateFromReply folds a completed backend reply's state back into the
// engine (spec.md §4.4 update_from_reply).
func (e *Engine) UpdateFromReply(reply ReplyInfo) {
	e.last.LoadDataActive = reply.LoadDataActive

	if !reply.Complete {
		return
	}
	if reply.TrxState != nil {
		e.Trx.state = *reply.TrxState
	}
	if reply.HasGeneratedPS {
		e.PS.SetParamCount(reply.GeneratedPSID, reply.ParamCount)
	}
}
