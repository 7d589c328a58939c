// Package routing implements the read/write routing decision pipeline
// (spec.md §4.4): given a classified statement, the session's
// transaction and prepared-statement state, and client-supplied hints,
// compute which backend target a statement should go to.
package routing

import (
	"github.com/sqlrelay/sqlrelay/internal/classifier"
	"github.com/sqlrelay/sqlrelay/internal/hint"
)

// Target is a bitmask describing where a statement should be routed;
// several bits can combine (e.g. TargetSlave|TargetRlagMax).
type Target uint32

const (
	TargetMaster Target = 1 << iota
	TargetSlave
	TargetAll
	TargetNamedServer
	TargetLastUsed
	TargetRlagMax
)

func (t Target) Has(bit Target) bool { return t&bit != 0 }

func (t Target) String() string {
	switch {
	case t.Has(TargetNamedServer):
		return "named-server"
	case t.Has(TargetAll):
		return "all"
	case t.Has(TargetLastUsed):
		return "last-used"
	case t.Has(TargetSlave):
		return "slave"
	case t.Has(TargetMaster):
		return "master"
	default:
		return "unknown"
	}
}

// RouteInfo is the per-statement routing decision (spec.md §4.4).
type RouteInfo struct {
	Target          Target
	Command         byte
	TypeMask        classifier.TypeMask
	StmtID          uint32
	PSContinuation  bool
	LoadDataActive  bool
	MultiPartPacket bool
	TrxStillReadOnly bool

	// NamedServer carries the server name a ROUTE_TO_NAMED_SERVER hint
	// named, resolved by the router/backend layer.
	NamedServer string
	// MaxSlaveReplicationLag carries the integer payload of a
	// max_slave_replication_lag hint, if one applied.
	MaxSlaveReplicationLag int
}

// Clone returns an independent copy (RouteInfo holds only value fields).
// UpdateRouteInfo takes the snapshot RevertUpdate restores by plain
// assignment and does not call Clone (spec.md §4.4 step 15).
func (r RouteInfo) Clone() RouteInfo { return r }

// PreparedStmt is a registered prepared statement (spec.md §3).
type PreparedStmt struct {
	TypeMask       classifier.TypeMask
	ParamCount     int
	RouteToLastUsed bool
}

// Handler is the set of router callbacks an Engine is bound to (spec.md
// §4.4 Inputs). The decision pipeline consults SupportsHint when applying
// hints; it does not consult the lock-to-master latch.
type Handler interface {
	LockToMaster()
	IsLockedToMaster() bool
	SupportsHint(kind hint.Kind) bool
}

// UseSQLVariablesIn controls whether USERVAR_READ/WRITE are treated as
// session-local (MASTER only) or as needing ALL backends. GSYSVAR_WRITE
// goes to ALL backends under either setting.
type UseSQLVariablesIn int

const (
	UseSQLVariablesMaster UseSQLVariablesIn = iota
	UseSQLVariablesAll
)

// Options bundles per-session routing configuration (spec.md §4.4 step
// 6/8/9's configuration-dependent clauses).
type Options struct {
	UseSQLVariablesIn      UseSQLVariablesIn
	MultiStatementsAllowed bool
}
