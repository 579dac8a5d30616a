package proxy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaygate/relaygate/internal/jsonrpc"
)

func TestPendingTable_TakeRemoves(t *testing.T) {
	pt := NewPendingTable()
	pt.Record(ToServer, jsonrpc.NumberID(1), "initialize")

	method, ok := pt.Take(ToClient, jsonrpc.NumberID(1))
	assert.True(t, ok)
	assert.Equal(t, "initialize", method)

	_, ok = pt.Take(ToClient, jsonrpc.NumberID(1))
	assert.False(t, ok, "a response is correlated at most once")
	assert.Equal(t, 0, pt.Len())
}

func TestPendingTable_DirectionsAreSeparate(t *testing.T) {
	pt := NewPendingTable()
	pt.Record(ToServer, jsonrpc.NumberID(1), "client/method")
	pt.Record(ToClient, jsonrpc.NumberID(1), "server/method")

	// a response travelling to the server answers the server's request
	method, ok := pt.Take(ToServer, jsonrpc.NumberID(1))
	assert.True(t, ok)
	assert.Equal(t, "server/method", method)

	method, ok = pt.Take(ToClient, jsonrpc.NumberID(1))
	assert.True(t, ok)
	assert.Equal(t, "client/method", method)
}

func TestPendingTable_IDTypesAreDistinct(t *testing.T) {
	pt := NewPendingTable()
	pt.Record(ToServer, jsonrpc.NumberID(1), "a")

	_, ok := pt.Take(ToClient, jsonrpc.StringID("1"))
	assert.False(t, ok)
	assert.Equal(t, 1, pt.Len())
}

func TestPendingTable_RecordOverwrites(t *testing.T) {
	pt := NewPendingTable()
	pt.Record(ToServer, jsonrpc.NumberID(1), "a")
	pt.Record(ToServer, jsonrpc.NumberID(1), "b")

	method, _ := pt.Take(ToClient, jsonrpc.NumberID(1))
	assert.Equal(t, "b", method)
}

func TestPendingTable_Forget(t *testing.T) {
	pt := NewPendingTable()
	pt.Record(ToServer, jsonrpc.StringID("x"), "a")
	pt.Forget(ToServer, jsonrpc.StringID("x"))
	assert.Equal(t, 0, pt.Len())
}

func TestPendingTable_ConcurrentTakeOnce(t *testing.T) {
	pt := NewPendingTable()
	const n = 100
	for i := 0; i < n; i++ {
		pt.Record(ToServer, jsonrpc.NumberID(int64(i)), fmt.Sprintf("m%d", i))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, ok := pt.Take(ToClient, jsonrpc.NumberID(int64(i))); ok {
					mu.Lock()
					taken++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, taken)
	assert.Equal(t, 0, pt.Len())
}
