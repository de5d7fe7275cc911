package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sexfrance/truedriver/log"
	"github.com/sexfrance/truedriver/tests/ws"
)

func TestConnection(t *testing.T) {
	server := ws.NewServer(t, ws.WithEchoHandler("/echo"))

	t.Run("connect", func(t *testing.T) {
		ctx := context.Background()
		conn, err := NewConnection(ctx, server.WSURL("/echo"), log.NewNullLogger())

		require.NoError(t, err)
		conn.Close()
	})
}

func TestConnectionClosureAbnormal(t *testing.T) {
	server := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))

	t.Run("closure abnormal", func(t *testing.T) {
		ctx := context.Background()
		conn, err := NewConnection(ctx, server.WSURL("/closure-abnormal"), log.NewNullLogger())

		if assert.NoError(t, err) {
			action := target.SetDiscoverTargets(true)
			err := action.Do(cdp.WithExecutor(ctx, conn))
			require.EqualError(t, err, "websocket: close 1006 (abnormal closure): unexpected EOF")
		}
	})
}

func TestConnectionSendRecv(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))

	t.Run("send command with empty reply", func(t *testing.T) {
		ctx := context.Background()
		conn, err := NewConnection(ctx, server.WSURL("/cdp"), log.NewNullLogger())

		if assert.NoError(t, err) {
			action := target.SetDiscoverTargets(true)
			err := action.Do(cdp.WithExecutor(ctx, conn))
			require.NoError(t, err)
		}
	})
}

func TestConnectionClosedRejectsCommands(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WSURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)

	conn.Close()

	// Every command issued after shutdown is rejected, not silently
	// dropped.
	action := target.SetDiscoverTargets(true)
	err = action.Do(cdp.WithExecutor(ctx, conn))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionExecuteHonorsContextDeadline(t *testing.T) {
	// A handler that never answers; the command deadline has to cut the
	// wait short on its own.
	silent := func(_ *websocket.Conn, _ *cdproto.Message, _ chan cdproto.Message, _ chan struct{}) {}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", silent, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WSURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	execCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	action := target.SetDiscoverTargets(true)
	err = action.Do(cdp.WithExecutor(execCtx, conn))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionExecuteReturnsOnConnectionClose(t *testing.T) {
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.SessionID != "" {
			// Session-scoped commands never get an answer.
			return
		}
		if msg.Method == cdproto.MethodType(cdproto.CommandTargetAttachToTarget) {
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetAttachedToTarget,
				Params: easyjson.RawMessage([]byte(`
				{
					"sessionId": "0123456789",
					"targetInfo": {
						"targetId": "abcdef0123456789",
						"type": "page",
						"title": "",
						"url": "about:blank",
						"attached": true,
						"browserContextId": "0123456789876543210"
					},
					"waitingForDebugger": false
				}
				`)),
			}
			writeCh <- cdproto.Message{
				ID:        msg.ID,
				SessionID: msg.SessionID,
				Result:    easyjson.RawMessage([]byte(`{"sessionId":"0123456789"}`)),
			}
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WSURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)

	session, err := conn.createSession(&target.Info{
		TargetID:         "abcdef0123456789",
		Type:             "page",
		BrowserContextID: "0123456789876543210",
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}()

	start := time.Now()
	action := target.SetDiscoverTargets(true)
	err = action.Do(cdp.WithExecutor(ctx, session))

	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectionCreateSession(t *testing.T) {
	cmdsReceived := make([]cdproto.MethodType, 0)
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.SessionID == "" && msg.Method != "" {
			switch msg.Method {
			case cdproto.MethodType(cdproto.CommandTargetSetDiscoverTargets):
				writeCh <- cdproto.Message{
					ID:        msg.ID,
					SessionID: msg.SessionID,
					Result:    easyjson.RawMessage([]byte("{}")),
				}
			case cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
				writeCh <- cdproto.Message{
					Method: cdproto.EventTargetAttachedToTarget,
					Params: easyjson.RawMessage([]byte(`
					{
						"sessionId": "0123456789",
						"targetInfo": {
							"targetId": "abcdef0123456789",
							"type": "page",
							"title": "",
							"url": "about:blank",
							"attached": true,
							"browserContextId": "0123456789876543210"
						},
						"waitingForDebugger": false
					}
					`)),
				}
				writeCh <- cdproto.Message{
					ID:        msg.ID,
					SessionID: msg.SessionID,
					Result:    easyjson.RawMessage([]byte(`{"sessionId":"0123456789"}`)),
				}
			}
		}
	}

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, &cmdsReceived))

	t.Run("create session for target", func(t *testing.T) {
		ctx := context.Background()
		conn, err := NewConnection(ctx, server.WSURL("/cdp"), log.NewNullLogger())

		if assert.NoError(t, err) {
			session, err := conn.createSession(&target.Info{
				TargetID:         "abcdef0123456789",
				Type:             "page",
				BrowserContextID: "0123456789876543210",
			})

			require.NoError(t, err)
			require.NotNil(t, session)
			require.NotEmpty(t, session.id)
			require.NotEmpty(t, conn.sessions)
			require.Len(t, conn.sessions, 1)
			require.Equal(t, conn.sessions[session.id], session)
			require.Equal(t, []cdproto.MethodType{
				cdproto.CommandTargetAttachToTarget,
			}, cmdsReceived)
		}
	})
}
