package common

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sexfrance/truedriver/log"
)

// domElement is one scripted element served by domStubSession.
type domElement struct {
	objectID cdpruntime.RemoteObjectID
	text     string
}

// domStubSession scripts the runtime and DOM domains well enough for element
// queries: callFunctionOn returns a fixed array object, getProperties
// expands it, and text content reads come from the element table.
type domStubSession struct {
	*stubSession

	textMatches []domElement
	cssMatches  []domElement
	// textByContext scopes text matches to an execution context; when set it
	// takes precedence over textMatches.
	textByContext map[cdpruntime.ExecutionContextID][]domElement
	// contentFrames maps a frame-owner element to the frame it contains.
	contentFrames map[cdpruntime.RemoteObjectID]cdp.FrameID
}

func newDOMStubSession() *domStubSession {
	s := &domStubSession{
		stubSession:   newStubSession(),
		contentFrames: make(map[cdpruntime.RemoteObjectID]cdp.FrameID),
	}
	s.stubSession.executeFn = s.execute
	return s
}

func (s *domStubSession) elementByID(id cdpruntime.RemoteObjectID) (domElement, bool) {
	all := append(append([]domElement{}, s.textMatches...), s.cssMatches...)
	for _, els := range s.textByContext {
		all = append(all, els...)
	}
	for _, el := range all {
		if el.objectID == id {
			return el, true
		}
	}
	return domElement{}, false
}

func (s *domStubSession) execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	switch method {
	case cdppage.CommandGetFrameTree:
		r := res.(*cdppage.GetFrameTreeReturns)
		r.FrameTree = &cdppage.FrameTree{
			Frame: &cdp.Frame{ID: "main", LoaderID: "loader0", URL: "about:blank"},
		}
		return nil

	case cdpruntime.CommandCallFunctionOn:
		p := params.(*cdpruntime.CallFunctionOnParams)
		r := res.(*cdpruntime.CallFunctionOnReturns)
		if !p.ReturnByValue {
			switch {
			case strings.Contains(p.FunctionDeclaration, "querySelectorAll"):
				r.Result = &cdpruntime.RemoteObject{
					Type: "object", Subtype: "array", ObjectID: "array-css",
				}
			case s.textByContext != nil:
				oid := "array-text-" + strconv.Itoa(int(p.ExecutionContextID))
				r.Result = &cdpruntime.RemoteObject{
					Type: "object", Subtype: "array", ObjectID: cdpruntime.RemoteObjectID(oid),
				}
			default:
				r.Result = &cdpruntime.RemoteObject{
					Type: "object", Subtype: "array", ObjectID: "array-text",
				}
			}
			return nil
		}
		// Text content read on a specific element.
		if len(p.Arguments) > 0 && p.Arguments[0].ObjectID != "" {
			if el, ok := s.elementByID(p.Arguments[0].ObjectID); ok {
				r.Result = &cdpruntime.RemoteObject{
					Type:  "string",
					Value: easyjson.RawMessage(`"` + el.text + `"`),
				}
				return nil
			}
		}
		r.Result = &cdpruntime.RemoteObject{Type: "undefined"}
		return nil

	case cdpruntime.CommandGetProperties:
		p := params.(*cdpruntime.GetPropertiesParams)
		r := res.(*cdpruntime.GetPropertiesReturns)
		matches := s.textMatches
		switch {
		case p.ObjectID == "array-css":
			matches = s.cssMatches
		case strings.HasPrefix(string(p.ObjectID), "array-text-"):
			id, _ := strconv.Atoi(strings.TrimPrefix(string(p.ObjectID), "array-text-"))
			matches = s.textByContext[cdpruntime.ExecutionContextID(id)]
		}
		for i, el := range matches {
			r.Result = append(r.Result, &cdpruntime.PropertyDescriptor{
				Name:  strconv.Itoa(i),
				Value: &cdpruntime.RemoteObject{Type: "object", ObjectID: el.objectID},
			})
		}
		return nil

	case cdpruntime.CommandReleaseObject:
		return nil

	case dom.CommandDescribeNode:
		p := params.(*dom.DescribeNodeParams)
		r := res.(*dom.DescribeNodeReturns)
		r.Node = &cdp.Node{NodeID: 1, BackendNodeID: 1}
		if fid, ok := s.contentFrames[p.ObjectID]; ok {
			r.Node.FrameID = fid
		}
		return nil

	default:
		return nil
	}
}

func newTestTab(t *testing.T, sess session) *Tab {
	t.Helper()
	tab, err := NewTab(context.Background(), sess, "target", nil, log.NewNullLogger())
	require.NoError(t, err)
	return tab
}

func readyContext(sess session, tab *Tab, frameID cdp.FrameID, id cdpruntime.ExecutionContextID) {
	ec := NewExecutionContext(context.Background(), sess, nil, id, log.NewNullLogger())
	tab.manager.executionContextCreated(ec, frameID)
}

func TestTabSwitchToFrameSelectors(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	tab := newTestTab(t, sess)

	navigateFrameManager(tab.manager, "a", "main", "https://cdn.example/widget", "widget")
	navigateFrameManager(tab.manager, "b", "main", "https://challenge.example/captcha", "")

	t.Run("by name", func(t *testing.T) {
		f, err := tab.SwitchToFrame(context.Background(), ByName("widget"))
		require.NoError(t, err)
		assert.Equal(t, cdp.FrameID("a"), f.ID())
		assert.Equal(t, cdp.FrameID("a"), tab.CurrentFrame().ID())
	})

	t.Run("by url pattern", func(t *testing.T) {
		f, err := tab.SwitchToFrame(context.Background(), ByURL(`captcha`))
		require.NoError(t, err)
		assert.Equal(t, cdp.FrameID("b"), f.ID())
	})

	t.Run("by frame id", func(t *testing.T) {
		f, err := tab.SwitchToFrame(context.Background(), ByFrameID("a"))
		require.NoError(t, err)
		assert.Equal(t, cdp.FrameID("a"), f.ID())
	})

	t.Run("by index is pre-order", func(t *testing.T) {
		f, err := tab.SwitchToFrame(context.Background(), ByIndex(0))
		require.NoError(t, err)
		assert.Equal(t, cdp.FrameID("main"), f.ID())

		f, err = tab.SwitchToFrame(context.Background(), ByIndex(2))
		require.NoError(t, err)
		assert.Equal(t, cdp.FrameID("b"), f.ID())

		_, err = tab.SwitchToFrame(context.Background(), ByIndex(3))
		require.ErrorIs(t, err, ErrFrameNotFound)
	})

	t.Run("main frame", func(t *testing.T) {
		f, err := tab.SwitchToFrame(context.Background(), MainFrame{})
		require.NoError(t, err)
		assert.Equal(t, cdp.FrameID("main"), f.ID())
	})
}

func TestTabSwitchFailureKeepsCursor(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	tab := newTestTab(t, sess)

	navigateFrameManager(tab.manager, "a", "main", "https://cdn.example/widget", "widget")

	_, err := tab.SwitchToFrame(context.Background(), ByName("widget"))
	require.NoError(t, err)

	// A failed switch must not move the cursor.
	_, err = tab.SwitchToFrame(context.Background(), ByName("missing"))
	require.ErrorIs(t, err, ErrFrameNotFound)
	assert.Equal(t, cdp.FrameID("a"), tab.CurrentFrame().ID())
}

func TestTabCurrentFrameResetsOnDetach(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	tab := newTestTab(t, sess)

	navigateFrameManager(tab.manager, "a", "main", "https://cdn.example/widget", "widget")

	_, err := tab.SwitchToFrame(context.Background(), ByName("widget"))
	require.NoError(t, err)
	require.Equal(t, cdp.FrameID("a"), tab.CurrentFrame().ID())

	tab.manager.frameDetached("a")
	assert.Equal(t, cdp.FrameID("main"), tab.CurrentFrame().ID())
}

func TestTabSwitchToFrameByCSSSelector(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	sess.cssMatches = []domElement{{objectID: "el-iframe"}}
	sess.contentFrames["el-iframe"] = "child"

	tab := newTestTab(t, sess)
	navigateFrameManager(tab.manager, "child", "main", "https://challenge.example/captcha", "")
	readyContext(sess, tab, "main", 1)

	f, err := tab.SwitchToFrame(context.Background(), ByCSSSelector("iframe#captcha"))
	require.NoError(t, err)
	assert.Equal(t, cdp.FrameID("child"), f.ID())
	assert.Equal(t, cdp.FrameID("child"), tab.CurrentFrame().ID())
}

func TestTabSwitchToFrameByElement(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	sess.contentFrames["el-iframe"] = "child"

	tab := newTestTab(t, sess)
	navigateFrameManager(tab.manager, "child", "main", "https://challenge.example/captcha", "")
	readyContext(sess, tab, "main", 1)

	handle := NewElementHandle(context.Background(), sess, nil, tab.MainFrame(),
		&cdpruntime.RemoteObject{ObjectID: "el-iframe"}, log.NewNullLogger())

	f, err := tab.SwitchToFrame(context.Background(), ByElement{Handle: handle})
	require.NoError(t, err)
	assert.Equal(t, cdp.FrameID("child"), f.ID())

	// A non-frame-owner element cannot be switched to.
	plain := NewElementHandle(context.Background(), sess, nil, tab.MainFrame(),
		&cdpruntime.RemoteObject{ObjectID: "el-plain"}, log.NewNullLogger())
	_, err = tab.SwitchToFrame(context.Background(), ByElement{Handle: plain})
	require.ErrorIs(t, err, ErrFrameNotFound)
	assert.Equal(t, cdp.FrameID("child"), tab.CurrentFrame().ID())
}

func TestTabFindFirstMatch(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	sess.textMatches = []domElement{
		{objectID: "el-div", text: "A quite long paragraph which happens to say Sign in."},
		{objectID: "el-span", text: "Sign in now"},
		{objectID: "el-button", text: "Sign in"},
	}

	tab := newTestTab(t, sess)
	readyContext(sess, tab, "main", 1)

	h, err := tab.Find(context.Background(), "Sign in")
	require.NoError(t, err)
	assert.Equal(t, cdpruntime.RemoteObjectID("el-div"), h.remoteObject.ObjectID)
}

func TestTabFindBestMatch(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	sess.textMatches = []domElement{
		{objectID: "el-div", text: "A quite long paragraph which happens to say Sign in."},
		{objectID: "el-span", text: "Sign in now"},
		{objectID: "el-button", text: "Sign in"},
	}

	tab := newTestTab(t, sess)
	readyContext(sess, tab, "main", 1)

	// The element whose text length is closest to the query wins over the
	// container that merely includes it.
	h, err := tab.Find(context.Background(), "Sign in", FindOptions{BestMatch: true})
	require.NoError(t, err)
	assert.Equal(t, cdpruntime.RemoteObjectID("el-button"), h.remoteObject.ObjectID)
}

func TestTabFindAll(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	sess.textMatches = []domElement{
		{objectID: "el-div", text: "first"},
		{objectID: "el-span", text: "second"},
	}

	tab := newTestTab(t, sess)
	readyContext(sess, tab, "main", 1)

	hs, err := tab.FindAll(context.Background(), "e")
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, cdpruntime.RemoteObjectID("el-div"), hs[0].remoteObject.ObjectID)
	assert.Equal(t, cdpruntime.RemoteObjectID("el-span"), hs[1].remoteObject.ObjectID)
}

func TestTabFindTimesOutWithNotFound(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession() // no matches scripted
	tab := newTestTab(t, sess)
	readyContext(sess, tab, "main", 1)

	const timeout = 250 * time.Millisecond
	start := time.Now()
	_, err := tab.Find(context.Background(), "nothing", FindOptions{Timeout: timeout})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrNotFound)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+DefaultPollInterval+200*time.Millisecond)
}

func TestTabFindHonorsTimeoutDuringSlowEvaluation(t *testing.T) {
	t.Parallel()

	// An evaluation that never answers; the query deadline has to cut it
	// short instead of waiting out the round-trip.
	sess := newDOMStubSession()
	base := sess.execute
	sess.stubSession.executeFn = func(
		ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
	) error {
		if method == cdpruntime.CommandCallFunctionOn {
			<-ctx.Done()
			return ctx.Err()
		}
		return base(ctx, method, params, res)
	}

	tab := newTestTab(t, sess)
	readyContext(sess, tab, "main", 1)

	const timeout = 150 * time.Millisecond
	start := time.Now()
	_, err := tab.Find(context.Background(), "anything", FindOptions{Timeout: timeout})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, elapsed, time.Second)
}

func TestTabQueryPropagatesRuntimeError(t *testing.T) {
	t.Parallel()

	// A remote evaluation failure that is not context churn must surface
	// immediately instead of being polled into a not-found result.
	sess := newDOMStubSession()
	base := sess.execute
	sess.stubSession.executeFn = func(
		ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
	) error {
		if method == cdpruntime.CommandCallFunctionOn {
			return &cdproto.Error{Code: -32000, Message: "DOM Error while querying"}
		}
		return base(ctx, method, params, res)
	}

	tab := newTestTab(t, sess)
	readyContext(sess, tab, "main", 1)

	start := time.Now()
	_, err := tab.QuerySelector(context.Background(), "div[", FindOptions{Timeout: 300 * time.Millisecond})
	elapsed := time.Since(start)

	var cdpErr *cdproto.Error
	require.ErrorAs(t, err, &cdpErr)
	assert.Equal(t, int64(-32000), cdpErr.Code)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestTabFindWithoutContextTimesOut(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	tab := newTestTab(t, sess)
	// No execution context is ever created for the main frame.

	_, err := tab.Find(context.Background(), "anything", FindOptions{Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestTabFindReturnsWhenConnectionCloses(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	tab := newTestTab(t, sess)

	errCh := make(chan error, 1)
	go func() {
		_, err := tab.Find(context.Background(), "anything", FindOptions{Timeout: time.Minute})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(sess.done)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		require.FailNow(t, "Find should return when the session closes")
	}
}

func TestElementHandleGoesStaleOnNavigation(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	sess.textMatches = []domElement{{objectID: "el-button", text: "Sign in"}}

	tab := newTestTab(t, sess)
	readyContext(sess, tab, "main", 1)

	h, err := tab.Find(context.Background(), "Sign in")
	require.NoError(t, err)

	text, err := h.TextContent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Sign in", text)

	// A navigation in the owning frame invalidates the handle.
	_ = tab.manager.frameNavigated(&cdp.Frame{
		ID: "main", LoaderID: "loader1", URL: "https://example.com/next",
	}, false)

	_, err = h.TextContent(context.Background())
	require.ErrorIs(t, err, ErrStaleElement)
}

func TestElementHandleGoesStaleOnDetach(t *testing.T) {
	t.Parallel()

	sess := newDOMStubSession()
	sess.textMatches = []domElement{{objectID: "el-button", text: "OK"}}

	tab := newTestTab(t, sess)
	navigateFrameManager(tab.manager, "child", "main", "https://example.com/child", "dialog")

	_, err := tab.SwitchToFrame(context.Background(), ByName("dialog"))
	require.NoError(t, err)
	readyContext(sess, tab, "child", 2)

	h, err := tab.Find(context.Background(), "OK")
	require.NoError(t, err)

	tab.manager.frameDetached("child")

	_, err = h.TextContent(context.Background())
	require.ErrorIs(t, err, ErrStaleElement)
}

func TestTabFindIsScopedToCurrentFrame(t *testing.T) {
	t.Parallel()

	// A page with one nested iframe named "captcha" holding the text
	// "I am human". Finding the text succeeds inside the iframe and fails
	// after switching back to the main frame.
	sess := newDOMStubSession()
	sess.textByContext = map[cdpruntime.ExecutionContextID][]domElement{
		2: {{objectID: "el-human", text: "I am human"}},
	}

	tab := newTestTab(t, sess)
	navigateFrameManager(tab.manager, "frame-captcha", "main", "https://challenge.example/captcha", "captcha")
	readyContext(sess, tab, "main", 1)
	readyContext(sess, tab, "frame-captcha", 2)

	_, err := tab.SwitchToFrame(context.Background(), ByName("captcha"))
	require.NoError(t, err)

	h, err := tab.Find(context.Background(), "human")
	require.NoError(t, err)
	text, err := h.TextContent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "I am human", text)

	tab.SwitchToMainFrame()
	_, err = tab.Find(context.Background(), "human", FindOptions{Timeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTwoTabsKeepIndependentCursors(t *testing.T) {
	t.Parallel()

	sessA, sessB := newDOMStubSession(), newDOMStubSession()
	tabA, tabB := newTestTab(t, sessA), newTestTab(t, sessB)

	navigateFrameManager(tabA.manager, "a", "main", "https://example.com/a", "left")
	navigateFrameManager(tabB.manager, "b", "main", "https://example.com/b", "right")

	_, err := tabA.SwitchToFrame(context.Background(), ByName("left"))
	require.NoError(t, err)

	assert.Equal(t, cdp.FrameID("a"), tabA.CurrentFrame().ID())
	assert.Equal(t, cdp.FrameID("main"), tabB.CurrentFrame().ID())
}
