package hmr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetEntryKeepsEdgesSymmetric(t *testing.T) {
	e := New(Options{})
	e.SetEntry("/app.js", []string{"/util.js", "/dep.js"}, false)

	app, ok := e.GetEntry("/app.js")
	require.True(t, ok)
	assert.Equal(t, []string{"/dep.js", "/util.js"}, app.Dependencies)

	util, ok := e.GetEntry("/util.js")
	require.True(t, ok)
	assert.Equal(t, []string{"/app.js"}, util.Dependents)

	e.SetEntry("/app.js", []string{"/dep.js"}, true)
	util, _ = e.GetEntry("/util.js")
	assert.Empty(t, util.Dependents)
	app, _ = e.GetEntry("/app.js")
	assert.Equal(t, []string{"/dep.js"}, app.Dependencies)
	assert.True(t, app.IsHMREnabled)
}

func TestSelfImportIsIgnored(t *testing.T) {
	e := New(Options{})
	e.SetEntry("/a.js", []string{"/a.js"}, false)
	a, _ := e.GetEntry("/a.js")
	assert.Empty(t, a.Dependencies)
	assert.Empty(t, a.Dependents)
}

func TestRelationships(t *testing.T) {
	e := New(Options{})
	e.AddRelationship("/a.js", "/b.js")
	b, _ := e.GetEntry("/b.js")
	assert.Equal(t, []string{"/a.js"}, b.Dependents)

	e.RemoveRelationship("/a.js", "/b.js")
	b, _ = e.GetEntry("/b.js")
	a, _ := e.GetEntry("/a.js")
	assert.Empty(t, b.Dependents)
	assert.Empty(t, a.Dependencies)
}

func TestMarkForReplacement(t *testing.T) {
	e := New(Options{})
	e.MarkForReplacement("/a.js", true)
	e.MarkForReplacement("/a.js", true)
	a, _ := e.GetEntry("/a.js")
	assert.True(t, a.NeedsReplacement)
	assert.Equal(t, 2, a.NeedsReplacementCount)

	e.MarkForReplacement("/a.js", false)
	e.MarkForReplacement("/a.js", false)
	e.MarkForReplacement("/a.js", false)
	a, _ = e.GetEntry("/a.js")
	assert.False(t, a.NeedsReplacement)
	assert.Equal(t, 0, a.NeedsReplacementCount)
}

func TestConsumeReplacement(t *testing.T) {
	e := New(Options{})
	assert.False(t, e.ConsumeReplacement("/unknown.js"))

	e.MarkForReplacement("/a.js", true)
	e.MarkForReplacement("/a.js", true)

	var consumed atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.ConsumeReplacement("/a.js") {
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), consumed.Load(), "each mark is consumed exactly once")
	a, _ := e.GetEntry("/a.js")
	assert.Equal(t, 0, a.NeedsReplacementCount)
}

func TestPropagate(t *testing.T) {
	t.Run("unaccepted chain reaches the page and reloads", func(t *testing.T) {
		e := New(Options{})
		e.SetEntry("/index.html", []string{"/app.js"}, false)
		e.SetEntry("/app.js", []string{"/util.js"}, false)
		e.SetEntry("/util.js", nil, false)

		assert.Equal(t, []Message{Reload()}, e.Propagate("/util.js"))

		app, _ := e.GetEntry("/app.js")
		assert.True(t, app.NeedsReplacement, "modules passed through are marked")
	})

	t.Run("accepted module updates itself", func(t *testing.T) {
		e := New(Options{})
		e.SetEntry("/app.js", []string{"/comp.js"}, false)
		e.SetEntry("/comp.js", nil, true)
		e.AcceptHotUpdates("/comp.js")

		assert.Equal(t, []Message{Update("/comp.js", false)}, e.Propagate("/comp.js"))
	})

	t.Run("update bubbles to an accepting importer", func(t *testing.T) {
		e := New(Options{})
		e.SetEntry("/index.html", []string{"/app.js"}, false)
		e.SetEntry("/app.js", []string{"/util.js"}, true)
		e.AcceptHotUpdates("/app.js")

		assert.Equal(t, []Message{Update("/app.js", true)}, e.Propagate("/util.js"))
	})

	t.Run("unknown module reloads", func(t *testing.T) {
		e := New(Options{})
		assert.Equal(t, []Message{Reload()}, e.Propagate("/nowhere.js"))
	})

	t.Run("cycles terminate", func(t *testing.T) {
		e := New(Options{})
		e.SetEntry("/a.js", []string{"/b.js"}, false)
		e.SetEntry("/b.js", []string{"/a.js"}, false)

		done := make(chan []Message, 1)
		go func() { done <- e.Propagate("/a.js") }()
		select {
		case msgs := <-done:
			assert.Empty(t, msgs, "a cycle with no way out has nothing to notify")
		case <-time.After(time.Second):
			t.Fatal("propagation did not terminate")
		}
	})

	t.Run("duplicate reloads collapse", func(t *testing.T) {
		e := New(Options{})
		e.SetEntry("/one.html", []string{"/shared.js"}, false)
		e.SetEntry("/two.html", []string{"/shared.js"}, false)
		assert.Equal(t, []Message{Reload()}, e.Propagate("/shared.js"))
	})
}

func TestMessageJSON(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Reload(), `{"type":"reload"}`},
		{Update("/comp.js", false), `{"type":"update","url":"/comp.js","bubbled":false}`},
		{ErrorMessage(fmt.Errorf("boom\n  at line 1"), "/src/a.ts"), `{"type":"error","title":"Build Error","errorMessage":"boom","fileLoc":"/src/a.ts","errorStackTrace":"  at line 1"}`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.msg)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(got))
	}
}

func TestScheduler(t *testing.T) {
	var runs int32
	s := NewScheduler(30*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })

	for i := 0; i < 5; i++ {
		s.Reset()
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, s.Pending())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "resets debounce instead of stacking")

	s.Reset()
	assert.True(t, s.Cancel())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	s.Reset()
	s.Fire()
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
	assert.False(t, s.Pending())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs), "fired run is not repeated by the timer")
}

func dial(t *testing.T, e *Engine) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return string(data)
}

func TestBroadcastImmediate(t *testing.T) {
	e := New(Options{})
	defer e.Stop()
	conn := dial(t, e)
	require.Eventually(t, func() bool { return e.Clients() == 1 }, time.Second, 5*time.Millisecond)

	e.HandleUpdate("/unknown.js")
	assert.JSONEq(t, `{"type":"reload"}`, readFrame(t, conn))
}

func TestBroadcastBatchesWithinDelay(t *testing.T) {
	e := New(Options{Delay: 40 * time.Millisecond})
	defer e.Stop()
	conn := dial(t, e)
	require.Eventually(t, func() bool { return e.Clients() == 1 }, time.Second, 5*time.Millisecond)

	e.Broadcast(Update("/a.js", false))
	e.Broadcast(Update("/b.js", true))
	assert.JSONEq(t,
		`[{"type":"update","url":"/a.js","bubbled":false},{"type":"update","url":"/b.js","bubbled":true}]`,
		readFrame(t, conn))
}

func TestBatchWithReloadSendsOnlyReload(t *testing.T) {
	e := New(Options{Delay: 40 * time.Millisecond})
	defer e.Stop()
	conn := dial(t, e)
	require.Eventually(t, func() bool { return e.Clients() == 1 }, time.Second, 5*time.Millisecond)

	e.Broadcast(Update("/a.js", false))
	e.Broadcast(Reload())
	e.Broadcast(Update("/b.js", true))
	assert.JSONEq(t, `{"type":"reload"}`, readFrame(t, conn))
}

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name  string
		batch []Message
		want  string
	}{
		{name: "single message", batch: []Message{Update("/a.js", false)}, want: `{"type":"update","url":"/a.js","bubbled":false}`},
		{
			name:  "updates stay batched",
			batch: []Message{Update("/a.js", false), Update("/b.js", true)},
			want:  `[{"type":"update","url":"/a.js","bubbled":false},{"type":"update","url":"/b.js","bubbled":true}]`,
		},
		{
			name:  "reload supersedes the batch",
			batch: []Message{Update("/a.js", false), Reload(), Update("/b.js", true)},
			want:  `{"type":"reload"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := encodeFrame(tt.batch)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(frame))
		})
	}
}

func TestFlushNowSkipsDelay(t *testing.T) {
	e := New(Options{Delay: time.Hour})
	defer e.Stop()
	conn := dial(t, e)
	require.Eventually(t, func() bool { return e.Clients() == 1 }, time.Second, 5*time.Millisecond)

	e.Broadcast(ErrorMessage(fmt.Errorf("broken"), "/src/a.js"))
	e.FlushNow()
	assert.Contains(t, readFrame(t, conn), `"type":"error"`)
}

func TestHotAcceptFromClient(t *testing.T) {
	e := New(Options{})
	defer e.Stop()
	conn := dial(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"id":"/comp.js","type":"hotAccept"}`)))

	require.Eventually(t, func() bool {
		entry, ok := e.GetEntry("/comp.js")
		return ok && entry.IsHMRAccepted
	}, time.Second, 5*time.Millisecond)
}

func TestRecentErrorsReplayedOnConnect(t *testing.T) {
	e := New(Options{})
	defer e.Stop()
	e.Broadcast(ErrorMessage(fmt.Errorf("broken"), "/src/a.js"))

	conn := dial(t, e)
	assert.Contains(t, readFrame(t, conn), `"errorMessage":"broken"`)
}

func TestIsUpgrade(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.False(t, IsUpgrade(r))
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Protocol", "other, esm-hmr")
	assert.True(t, IsUpgrade(r))
}
