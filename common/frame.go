package common

import (
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// FrameInfo is a point-in-time value snapshot of a frame node. It is safe to
// hold and iterate without any locking.
type FrameInfo struct {
	ID                 cdp.FrameID
	ParentID           cdp.FrameID
	URL                string
	Name               string
	SecurityOrigin     string
	MimeType           string
	ExecutionContextID runtime.ExecutionContextID
}

// IsMainFrame reports whether the node is the root of its tab's tree.
func (fi FrameInfo) IsMainFrame() bool {
	return fi.ParentID == ""
}

// Frame represents one browsing context in a tab's frame tree. Metadata
// mutations happen only on the event-delivery goroutine; readers take the
// frame's own lock so they never observe a half-applied navigation.
type Frame struct {
	manager *FrameManager

	childMu     sync.RWMutex
	childFrames []*Frame

	propsMu        sync.RWMutex
	parentFrame    *Frame
	id             cdp.FrameID
	loaderID       string
	name           string
	url            string
	securityOrigin string
	mimeType       string
	detached       bool

	// generation is bumped on every navigation and on detach; element
	// handles remember the generation they were created in and go stale
	// when it moves on.
	generation int64

	execCtxMu    sync.Mutex
	execCtx      *ExecutionContext
	execCtxReady chan struct{}
}

// NewFrame creates a new frame node.
func NewFrame(m *FrameManager, parentFrame *Frame, frameID cdp.FrameID) *Frame {
	return &Frame{
		manager:      m,
		parentFrame:  parentFrame,
		id:           frameID,
		execCtxReady: make(chan struct{}),
	}
}

func (f *Frame) addChildFrame(child *Frame) {
	f.childMu.Lock()
	f.childFrames = append(f.childFrames, child)
	f.childMu.Unlock()
}

func (f *Frame) removeChildFrame(child *Frame) {
	f.childMu.Lock()
	for i, c := range f.childFrames {
		if c == child {
			f.childFrames = append(f.childFrames[:i], f.childFrames[i+1:]...)
			break
		}
	}
	f.childMu.Unlock()
}

// ChildFrames returns the direct children in attachment order.
func (f *Frame) ChildFrames() []*Frame {
	f.childMu.RLock()
	defer f.childMu.RUnlock()
	l := make([]*Frame, len(f.childFrames))
	copy(l, f.childFrames)
	return l
}

// navigated applies a committed navigation as a whole-record replace.
func (f *Frame) navigated(frame *cdp.Frame) {
	f.propsMu.Lock()
	f.name = frame.Name
	f.url = frame.URL + frame.URLFragment
	f.loaderID = string(frame.LoaderID)
	f.securityOrigin = frame.SecurityOrigin
	f.mimeType = frame.MimeType
	f.propsMu.Unlock()
	atomic.AddInt64(&f.generation, 1)
}

func (f *Frame) navigatedWithinDocument(url string) {
	f.propsMu.Lock()
	f.url = url
	f.propsMu.Unlock()
}

func (f *Frame) detach() {
	f.propsMu.Lock()
	f.detached = true
	parent := f.parentFrame
	f.parentFrame = nil
	f.propsMu.Unlock()
	atomic.AddInt64(&f.generation, 1)
	if parent != nil {
		parent.removeChildFrame(f)
	}
	f.nullContext(0)
}

func (f *Frame) setID(id cdp.FrameID) {
	f.propsMu.Lock()
	f.id = id
	f.propsMu.Unlock()
}

// ID returns the frame's identifier.
func (f *Frame) ID() cdp.FrameID {
	f.propsMu.RLock()
	defer f.propsMu.RUnlock()
	return f.id
}

// Name returns the frame's name attribute as reported by the browser.
func (f *Frame) Name() string {
	f.propsMu.RLock()
	defer f.propsMu.RUnlock()
	return f.name
}

// URL returns the frame's current document URL.
func (f *Frame) URL() string {
	f.propsMu.RLock()
	defer f.propsMu.RUnlock()
	return f.url
}

// IsDetached reports whether the frame was removed from the tree.
func (f *Frame) IsDetached() bool {
	f.propsMu.RLock()
	defer f.propsMu.RUnlock()
	return f.detached
}

// ParentFrame returns the parent node, or nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	f.propsMu.RLock()
	defer f.propsMu.RUnlock()
	return f.parentFrame
}

// Generation returns the frame's navigation generation counter.
func (f *Frame) Generation() int64 {
	return atomic.LoadInt64(&f.generation)
}

func (f *Frame) info() FrameInfo {
	f.propsMu.RLock()
	defer f.propsMu.RUnlock()
	fi := FrameInfo{
		ID:             f.id,
		URL:            f.url,
		Name:           f.name,
		SecurityOrigin: f.securityOrigin,
		MimeType:       f.mimeType,
	}
	if f.parentFrame != nil {
		fi.ParentID = f.parentFrame.ID()
	}
	if ec := f.executionContext(); ec != nil {
		fi.ExecutionContextID = ec.ID()
	}
	return fi
}

// setContext installs the frame's default execution context and wakes any
// caller blocked in waitForExecutionContext.
func (f *Frame) setContext(execCtx *ExecutionContext) {
	f.execCtxMu.Lock()
	defer f.execCtxMu.Unlock()
	if f.execCtx != nil {
		// A default context already exists; navigation will clear it first.
		return
	}
	f.execCtx = execCtx
	close(f.execCtxReady)
}

// nullContext clears the frame's execution context. A zero id clears
// unconditionally, otherwise only a matching context is cleared. The ready
// channel is re-armed so waiters block until the next context arrives.
func (f *Frame) nullContext(execCtxID runtime.ExecutionContextID) {
	f.execCtxMu.Lock()
	defer f.execCtxMu.Unlock()
	if f.execCtx == nil {
		return
	}
	if execCtxID != 0 && f.execCtx.ID() != execCtxID {
		return
	}
	f.execCtx = nil
	f.execCtxReady = make(chan struct{})
}

// executionContext returns the frame's default execution context, or nil if
// it has not been observed yet.
func (f *Frame) executionContext() *ExecutionContext {
	f.execCtxMu.Lock()
	defer f.execCtxMu.Unlock()
	return f.execCtx
}

// contextReady returns a channel that is closed once the frame's default
// execution context is available.
func (f *Frame) contextReady() <-chan struct{} {
	f.execCtxMu.Lock()
	defer f.execCtxMu.Unlock()
	return f.execCtxReady
}
