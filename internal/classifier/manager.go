package classifier

import (
	"sync/atomic"
)

// quotaDiscount compensates for cache overhead the size accounting
// doesn't track (hash table buckets, entry headers) — spec.md §4.3
// per-thread quota.
const quotaDiscount = 0.65

// Properties is the process-wide, atomically-updated cache configuration
// (spec.md §6 Properties resource: PATCH updates cache_size live).
type Properties struct {
	globalSize atomic.Int64
}

// NewProperties creates Properties with the given initial global cache
// size in bytes (0 disables caching process-wide).
func NewProperties(globalSizeBytes int64) *Properties {
	p := &Properties{}
	p.globalSize.Store(globalSizeBytes)
	return p
}

// GlobalSize returns the current global cache size setting.
func (p *Properties) GlobalSize() int64 { return p.globalSize.Load() }

// SetGlobalSize updates the global cache size setting. Relaxed atomic
// ordering is sufficient: workers re-read it lazily on their own
// schedule (spec.md §5).
func (p *Properties) SetGlobalSize(bytes int64) { p.globalSize.Store(bytes) }

// PerThreadQuota computes one worker's byte quota given the current
// number of running workers.
func (p *Properties) PerThreadQuota(runningWorkers int) int64 {
	if runningWorkers <= 0 {
		runningWorkers = 1
	}
	global := p.globalSize.Load()
	if global <= 0 {
		return 0
	}
	return int64(float64(global) / float64(runningWorkers) * quotaDiscount)
}

// Manager binds a Parser and a Cache to one worker. It tracks the quota
// it last computed so it can detect when the running-worker count has
// changed and lazily refresh (spec.md §4.3: "on next classification, if
// its cached quota differs from the newly computed quota, it schedules
// an lcall that refreshes quota and evicts surplus").
type Manager struct {
	parser Parser
	cache  *Cache
	props  *Properties

	lastKnownWorkers int
	lastQuota        int64

	// scheduleLcall, if set, is called with a refresh closure instead of
	// applying the quota change inline — wiring to worker.Worker.Lcall
	// happens one layer up (internal/proxy) to avoid an import cycle.
	scheduleLcall func(func())
}

// NewManager creates a Manager. scheduleLcall may be nil, in which case
// quota refreshes apply synchronously (used by tests).
func NewManager(parser Parser, cache *Cache, props *Properties, scheduleLcall func(func())) *Manager {
	return &Manager{parser: parser, cache: cache, props: props, scheduleLcall: scheduleLcall}
}

// Cache exposes the underlying per-worker cache for admin/stat reads.
func (m *Manager) Cache() *Cache { return m.cache }

// maybeRefreshQuota recomputes this worker's quota if runningWorkers
// changed since the last check, applying (or scheduling) the update.
func (m *Manager) maybeRefreshQuota(runningWorkers int) {
	if runningWorkers == m.lastKnownWorkers {
		return
	}
	m.lastKnownWorkers = runningWorkers
	newQuota := m.props.PerThreadQuota(runningWorkers)
	if newQuota == m.lastQuota {
		return
	}
	m.lastQuota = newQuota
	apply := func() { m.cache.SetQuota(newQuota) }
	if m.scheduleLcall != nil {
		m.scheduleLcall(apply)
	} else {
		apply()
	}
}

// Classify runs the full cache-aware classification pipeline for one
// statement: check quota freshness, derive the canonical key, consult
// the cache, and on miss parse and insert. sqlMode/options identify the
// session context an entry was produced under.
func (m *Manager) Classify(sql string, isPrepare bool, sqlMode string, options int, level CollectLevel, runningWorkers int) *QueryInfo {
	m.maybeRefreshQuota(runningWorkers)

	canonical := m.parser.Canonical(sql)
	if isPrepare {
		canonical += ":P"
	}

	if info, ok := m.cache.Get(canonical, sqlMode, options); ok {
		return info
	}

	res := m.parser.Parse(sql, level)
	info := &QueryInfo{
		StmtResult: res,
		Canonical:  canonical,
		IsQuery:    true,
		SQLMode:    sqlMode,
		Options:    options,
	}
	if level >= CollectTables {
		info.TableNames = m.parser.TableNames(sql)
	}
	if isPrepare {
		info.PrepareName = m.parser.PrepareName(sql)
	}
	info.TrxTypeMask = m.parser.TrxTypeMask(sql)

	m.cache.Insert(canonical, info, sqlMode, options, res.Size)
	return info
}
