package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	mu     sync.Mutex
	frames map[string][]string
}

func (r *received) handle(roomID string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[string][]string)
	}
	r.frames[roomID] = append(r.frames[roomID], string(frame))
	return nil
}

func (r *received) get(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames[roomID]...)
}

func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func newBridge(t *testing.T, addr string, h Handler) *Bridge {
	t.Helper()
	ctx := context.Background()
	b, err := New(ctx, Config{Addr: addr, Channel: "test"}, h)
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBridgeDeliversToOtherInstances(t *testing.T) {
	mr := setupMiniRedis(t)

	var a, b received
	bridgeA := newBridge(t, mr.Addr(), a.handle)
	newBridge(t, mr.Addr(), b.handle)

	frame := `{"type":"remoteUpdate","payload":{"roomId":"idea:42","update":"AAE="}}`
	require.NoError(t, bridgeA.Publish(context.Background(), "idea:42", []byte(frame)))

	require.Eventually(t, func() bool { return len(b.get("idea:42")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, frame, b.get("idea:42")[0])

	// The publisher never receives its own frames.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.get("idea:42"))
}

func TestBridgeIgnoresMalformedMessages(t *testing.T) {
	mr := setupMiniRedis(t)

	var r received
	newBridge(t, mr.Addr(), r.handle)

	mr.Publish("test:doc", "not json")
	mr.Publish("test:doc", `{"instance":"other","frame":{"type":"presenceUpdate"}}`)

	require.Eventually(t, func() bool { return len(r.get("doc")) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewFailsWithoutRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = New(ctx, Config{Addr: addr}, func(string, []byte) error { return nil })
	assert.Error(t, err)
}
