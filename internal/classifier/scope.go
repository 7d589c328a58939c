package classifier

// Scope implements the request-time caching protocol spec.md §4.3
// describes as a constructor/destructor pair (`CachingScope`): Go has no
// destructors, so the same two-phase bookkeeping is expressed as
// NewScope/Close instead. Open it once per statement (NewScope runs
// Classify itself on a cache miss), then Close it once the buffer's
// attached info is final.
type Scope struct {
	mgr       *Manager
	canonical string
	baseSize  int
	wasCached bool
	opened    bool

	cacheMissInfo *QueryInfo
}

// NewScope begins a caching scope for one statement. sql/isPrepare pick
// the canonical key; sqlMode/options/level/runningWorkers are forwarded
// to Classify.
func NewScope(mgr *Manager, sql string, isPrepare bool, sqlMode string, options int, level CollectLevel, runningWorkers int) (*Scope, *QueryInfo) {
	s := &Scope{mgr: mgr, opened: true}

	canonical := mgr.parser.Canonical(sql)
	if isPrepare {
		canonical += ":P"
	}
	s.canonical = canonical

	mgr.maybeRefreshQuota(runningWorkers)

	if info, ok := mgr.cache.Get(canonical, sqlMode, options); ok {
		s.wasCached = true
		s.baseSize = info.Size
		return s, info
	}

	res := mgr.parser.Parse(sql, level)
	info := &QueryInfo{
		StmtResult: res,
		Canonical:  canonical,
		IsQuery:    true,
		SQLMode:    sqlMode,
		Options:    options,
	}
	if level >= CollectTables {
		info.TableNames = mgr.parser.TableNames(sql)
	}
	if isPrepare {
		info.PrepareName = mgr.parser.PrepareName(sql)
	}
	info.TrxTypeMask = mgr.parser.TrxTypeMask(sql)

	s.wasCached = false
	s.baseSize = info.Size
	s.cacheMissInfo = info
	return s, info
}

// Close finalizes the scope: on a miss, inserts the produced info; on a
// hit whose info grew since it was read (a later caller requested a
// deeper collect level), calls UpdateTotalSize with the delta.
func (s *Scope) Close(finalInfo *QueryInfo, sqlMode string, options int) {
	if !s.opened {
		return
	}
	s.opened = false

	if !s.wasCached {
		if s.cacheMissInfo != nil {
			s.mgr.cache.Insert(s.canonical, s.cacheMissInfo, sqlMode, options, s.cacheMissInfo.Size)
		}
		return
	}

	if finalInfo.Size > s.baseSize {
		s.mgr.cache.UpdateTotalSize(s.canonical, finalInfo.Size-s.baseSize)
	}
}
