package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anniext/sqlpilot/core"
	"github.com/Anniext/sqlpilot/pipeline"
)

// streamingRunner 在运行时向阶段观察者推送两帧进度。
type streamingRunner struct {
	fakeRunner
}

func (f *streamingRunner) Run(ctx context.Context, req *core.QueryRequest) (*core.QueryResponse, error) {
	if observer := pipeline.StageObserverFrom(ctx); observer != nil {
		observer("plan", core.StatePlan, 1.2)
		observer("generate", core.StateGenerate, 3.4)
	}
	return f.fakeRunner.Run(ctx, req)
}

func dialTestServer(t *testing.T, srv *Server) (*websocket.Conn, func()) {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/query"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		httpSrv.Close()
	}
}

func TestHandleQueryStream(t *testing.T) {
	t.Run("阶段帧后跟终态帧", func(t *testing.T) {
		runner := &streamingRunner{}
		srv, _, cleanup := newTestServer(t, Config{}, runner, nil)
		defer cleanup()

		conn, done := dialTestServer(t, srv)
		defer done()

		require.NoError(t, conn.WriteJSON(map[string]any{"query": "how many customers"}))

		var frames []StreamFrame
		for {
			var frame StreamFrame
			require.NoError(t, conn.ReadJSON(&frame))
			frames = append(frames, frame)
			if frame.Type != "stage" {
				break
			}
		}

		require.Len(t, frames, 3)
		assert.Equal(t, "plan", frames[0].Stage)
		assert.Equal(t, string(core.StatePlan), frames[0].State)
		assert.InDelta(t, 1.2, frames[0].ElapsedMs, 0.001)
		assert.Equal(t, "generate", frames[1].Stage)

		final := frames[2]
		assert.Equal(t, "result", final.Type)
		require.NotNil(t, final.Response)
		assert.True(t, final.Response.Success)
		assert.Equal(t, "SELECT COUNT(*) FROM customers LIMIT 10;", final.Response.SQL)
	})

	t.Run("空问题返回错误帧且连接保持", func(t *testing.T) {
		runner := &streamingRunner{}
		srv, _, cleanup := newTestServer(t, Config{}, runner, nil)
		defer cleanup()

		conn, done := dialTestServer(t, srv)
		defer done()

		require.NoError(t, conn.WriteJSON(map[string]any{"query": "  "}))

		var frame StreamFrame
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, "error", frame.Type)
		assert.NotEmpty(t, frame.Error)

		// 同一连接继续处理下一条请求
		require.NoError(t, conn.WriteJSON(map[string]any{"query": "how many customers"}))
		for {
			require.NoError(t, conn.ReadJSON(&frame))
			if frame.Type != "stage" {
				break
			}
		}
		assert.Equal(t, "result", frame.Type)
	})
}
