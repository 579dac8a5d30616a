package proxy

import (
	"sync"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

type pendingKey struct {
	dir Direction // travel direction of the request
	id  jsonrpc.ID
}

// PendingTable maps in-flight request ids to the method whose hook should
// see the response. Requests travelling to the server and requests
// travelling to the client live in separate id spaces.
//
// Take is the only read and always removes, so a response is correlated
// at most once.
type PendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]string
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[pendingKey]string)}
}

// Record stores method for a request travelling in dir, overwriting any
// entry with the same id.
func (t *PendingTable) Record(dir Direction, id jsonrpc.ID, method string) {
	t.mu.Lock()
	t.entries[pendingKey{dir: dir, id: id}] = method
	t.mu.Unlock()
}

// Take removes and returns the method recorded for the request that a
// response travelling in dir answers.
func (t *PendingTable) Take(dir Direction, id jsonrpc.ID) (string, bool) {
	key := pendingKey{dir: dir.Reverse(), id: id}

	t.mu.Lock()
	defer t.mu.Unlock()
	method, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return method, ok
}

// Forget removes the entry for a request travelling in dir that will not
// be forwarded.
func (t *PendingTable) Forget(dir Direction, id jsonrpc.ID) {
	t.mu.Lock()
	delete(t.entries, pendingKey{dir: dir, id: id})
	t.mu.Unlock()
}

// Len returns the number of uncorrelated requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
