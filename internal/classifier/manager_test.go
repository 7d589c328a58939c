package classifier

import (
	"math/rand"
	"testing"
)

func newTestManager(globalBytes int64, workers int) (*Manager, *Properties) {
	props := NewProperties(globalBytes)
	cache := NewCache(props.PerThreadQuota(workers), rand.New(rand.NewSource(1)))
	mgr := NewManager(NewParser(), cache, props, nil)
	mgr.lastKnownWorkers = workers
	mgr.lastQuota = cache.Quota()
	return mgr, props
}

func TestManagerClassifyCacheHitIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(1<<20, 4)

	first := mgr.Classify("SELECT * FROM t WHERE id = 1", false, "", 0, CollectTables, 4)
	second := mgr.Classify("SELECT * FROM t WHERE id = 2", false, "", 0, CollectTables, 4)

	if first != second {
		t.Fatal("two statements with the same canonical form should share one cache entry")
	}
	if first.Op != OpSelect || !first.TypeMask.Has(TypeRead) {
		t.Fatalf("unexpected classification: %+v", first)
	}
}

func TestManagerPrepareSuffixSeparatesCacheEntries(t *testing.T) {
	mgr, _ := newTestManager(1<<20, 4)

	execInfo := mgr.Classify("SELECT * FROM t WHERE id = 1", false, "", 0, CollectBasic, 4)
	prepInfo := mgr.Classify("SELECT * FROM t WHERE id = 1", true, "", 0, CollectBasic, 4)

	if execInfo == prepInfo {
		t.Fatal("prepare-time and execute-time parses of the same text must be cached separately")
	}
}

func TestManagerQuotaRefreshesOnWorkerCountChange(t *testing.T) {
	mgr, props := newTestManager(1000, 2)
	initialQuota := mgr.cache.Quota()

	mgr.Classify("SELECT 1", false, "", 0, CollectBasic, 4)

	refreshed := props.PerThreadQuota(4)
	if mgr.cache.Quota() != refreshed {
		t.Fatalf("quota = %d, want refreshed quota %d (was %d)", mgr.cache.Quota(), refreshed, initialQuota)
	}
}

func TestPerThreadQuotaZeroWhenGlobalZero(t *testing.T) {
	props := NewProperties(0)
	if q := props.PerThreadQuota(4); q != 0 {
		t.Fatalf("quota = %d, want 0 when global size is 0", q)
	}
}

func TestScopeInsertsOnMissAndUpdatesOnGrowth(t *testing.T) {
	mgr, _ := newTestManager(1<<20, 1)

	scope, info := NewScope(mgr, "SELECT * FROM t WHERE id = 1", false, "", 0, CollectBasic, 1)
	info.Size = 50
	scope.Close(info, "", 0)

	if _, ok := mgr.cache.Get("SELECT * FROM t WHERE id = ?", "", 0); !ok {
		t.Fatal("expected entry to be cached after scope close on miss")
	}

	scope2, cached := NewScope(mgr, "SELECT * FROM t WHERE id = 2", false, "", 0, CollectBasic, 1)
	grown := *cached
	grown.Size = cached.Size + 100
	scope2.Close(&grown, "", 0)

	stats := mgr.cache.StatsSnapshot()
	if stats.Size < 150 {
		t.Fatalf("cache size = %d, expected growth to be recorded", stats.Size)
	}
}
