package routing

// directExecSentinel is the well-known PS id MariaDB clients send when
// eliding the id in an "execute-immediate" binary packet (spec.md §4.4
// PS-id translation).
const directExecSentinel = 0xFFFFFFFF

// PSManager holds both binary (numeric-id) and named (text) prepared
// statements for one session (spec.md §3 PreparedStmt, §4.4 steps
// 10/14).
type PSManager struct {
	byID   map[uint32]*PreparedStmt
	byName map[string]*PreparedStmt

	prevPSID uint32
	havePrev bool
}

// NewPSManager creates an empty manager.
func NewPSManager() *PSManager {
	return &PSManager{
		byID:   make(map[uint32]*PreparedStmt),
		byName: make(map[string]*PreparedStmt),
	}
}

// StoreByID registers a binary prepared statement under id.
func (m *PSManager) StoreByID(id uint32, ps *PreparedStmt) {
	m.byID[id] = ps
	m.prevPSID = id
	m.havePrev = true
}

// StoreByName registers a named (COM_QUERY "PREPARE name FROM ...")
// prepared statement.
func (m *PSManager) StoreByName(name string, ps *PreparedStmt) {
	m.byName[name] = ps
}

// GetByID looks up a binary prepared statement, resolving the
// "direct-exec" sentinel id to the previously stored id as MariaDB's
// execute-immediate optimization requires (spec.md §4.4 PS-id
// translation).
func (m *PSManager) GetByID(id uint32) (*PreparedStmt, bool) {
	resolved := m.ResolveID(id)
	ps, ok := m.byID[resolved]
	return ps, ok
}

// ResolveID substitutes the direct-exec sentinel for the last stored id
// when one exists; otherwise returns id unchanged.
func (m *PSManager) ResolveID(id uint32) uint32 {
	if id == directExecSentinel && m.havePrev {
		return m.prevPSID
	}
	return id
}

// GetByName looks up a named prepared statement.
func (m *PSManager) GetByName(name string) (*PreparedStmt, bool) {
	ps, ok := m.byName[name]
	return ps, ok
}

// EraseByID removes a binary prepared statement (DEALLOCATE/COM_STMT_CLOSE).
func (m *PSManager) EraseByID(id uint32) {
	delete(m.byID, m.ResolveID(id))
}

// EraseByName removes a named prepared statement (DEALLOCATE PREPARE name).
func (m *PSManager) EraseByName(name string) {
	delete(m.byName, name)
}

// SetParamCount records the parameter count the server reported for a
// just-prepared statement (spec.md §4.4 update_from_reply).
func (m *PSManager) SetParamCount(id uint32, count int) {
	if ps, ok := m.byID[m.ResolveID(id)]; ok {
		ps.ParamCount = count
	}
}
