package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpexport "github.com/ethpandaops/kfuncsnoop/internal/export/http"
)

func TestCatalogExporter_Export(t *testing.T) {
	var mu sync.Mutex
	var received bytes.Buffer

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)

			mu.Lock()
			received.Write(body)
			mu.Unlock()

			w.WriteHeader(http.StatusOK)
		},
	))
	defer server.Close()

	cfg := httpexport.Config{
		Enabled:      true,
		Address:      server.URL,
		Compression:  httpexport.CompressionNone,
		BatchSize:    10,
		BatchTimeout: 50 * time.Millisecond,
		MaxQueueSize: 100,
		Workers:      1,
	}

	c, err := NewCatalogExporter(testLog(), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	c.Start(ctx)

	records := []*FunctionRecord{
		{Index: 0, Name: "vfs_read", Addr: "0x1000", Size: 0x100,
			ArgCount: 4, Strategy: "fentry"},
		{Index: 1, Name: "xfs_trans_commit", Module: "xfs",
			Addr: "0x2000", Size: 0x80, ArgCount: 2, Strategy: "fentry"},
	}

	// Synchronous shipping: the records are on the wire before
	// Export returns, and the immediate Stop must not lose them.
	require.NoError(t, c.Export(ctx, records))
	require.NoError(t, c.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()

	var got []FunctionRecord

	scanner := bufio.NewScanner(&received)
	for scanner.Scan() {
		var rec FunctionRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		got = append(got, rec)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "vfs_read", got[0].Name)
	assert.Equal(t, "xfs_trans_commit", got[1].Name)
	assert.Equal(t, "xfs", got[1].Module)
	assert.False(t, got[0].ObservedAt.IsZero())
	assert.Equal(t, got[0].ObservedAt, got[1].ObservedAt)
}
