package common

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
)

// FrameManager tracks all frames in a tab and their life-cycles. All
// mutations arrive on the event-delivery goroutine in transport order
// (single writer); lookups may happen concurrently from any caller.
type FrameManager struct {
	session session
	tab     *Tab

	framesMu  sync.RWMutex
	frames    map[cdp.FrameID]*Frame
	mainFrame *Frame

	logger *log.Logger
}

// NewFrameManager creates a new frame tree registry for one tab.
func NewFrameManager(session session, tab *Tab, logger *log.Logger) *FrameManager {
	return &FrameManager{
		session: session,
		tab:     tab,
		frames:  make(map[cdp.FrameID]*Frame),
		logger:  logger,
	}
}

func (m *FrameManager) frameAttached(frameID cdp.FrameID, parentFrameID cdp.FrameID) {
	m.framesMu.Lock()
	if _, ok := m.frames[frameID]; ok {
		m.framesMu.Unlock()
		return
	}
	parentFrame, ok := m.frames[parentFrameID]
	if !ok {
		m.framesMu.Unlock()
		// Parent not yet observed; the frame will materialize with its
		// frameNavigated event.
		m.logger.Debugf("FrameManager:frameAttached",
			"fid:%v pfid:%v parent unknown, dropping", frameID, parentFrameID)
		return
	}
	frame := NewFrame(m, parentFrame, frameID)
	m.frames[frameID] = frame
	parentFrame.addChildFrame(frame)
	m.framesMu.Unlock()

	if m.tab != nil {
		m.tab.emit(EventTabFrameAttached, frame)
	}
}

func (m *FrameManager) frameNavigated(cdpFrame *cdp.Frame, initial bool) error {
	m.framesMu.Lock()

	isMainFrame := cdpFrame.ParentID == ""
	frame := m.frames[cdpFrame.ID]
	if isMainFrame && frame == nil {
		// Cross-process navigation re-announces the main frame under a
		// new ID.
		frame = m.mainFrame
	}

	if !isMainFrame && frame == nil {
		m.framesMu.Unlock()
		return errors.New("navigated frame is neither the main frame nor a known child")
	}

	var removed []*Frame
	if frame != nil {
		// The navigated frame's old subtree belongs to the previous
		// document.
		for _, child := range frame.ChildFrames() {
			removed = m.removeFramesRecursively(child, removed)
		}
	}

	if isMainFrame {
		if frame != nil {
			if frame.ID() != cdpFrame.ID {
				// Update the frame ID to retain frame identity.
				delete(m.frames, frame.ID())
				frame.setID(cdpFrame.ID)
			}
		} else {
			// Initial main frame navigation.
			frame = NewFrame(m, nil, cdpFrame.ID)
		}
		m.frames[cdpFrame.ID] = frame
		m.mainFrame = frame
	}

	if !initial {
		// The document is replaced; any existing context belongs to the
		// old document.
		frame.nullContext(0)
	}
	frame.navigated(cdpFrame)
	m.framesMu.Unlock()

	m.notifyRemoved(removed)
	if m.tab != nil {
		m.tab.frameNavigated(frame, isMainFrame)
		m.tab.emit(EventTabFrameNavigated, frame)
	}
	return nil
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	m.framesMu.RLock()
	frame := m.frames[frameID]
	m.framesMu.RUnlock()
	if frame == nil {
		return
	}
	frame.navigatedWithinDocument(url)
}

func (m *FrameManager) frameDetached(frameID cdp.FrameID) {
	var removed []*Frame
	m.framesMu.Lock()
	if frame, ok := m.frames[frameID]; ok {
		removed = m.removeFramesRecursively(frame, removed)
	}
	m.framesMu.Unlock()
	m.notifyRemoved(removed)
}

// removeFramesRecursively removes the subtree bottom-up and collects the
// removed frames for notification outside the lock. Callers must hold the
// frames write lock.
func (m *FrameManager) removeFramesRecursively(frame *Frame, removed []*Frame) []*Frame {
	for _, child := range frame.ChildFrames() {
		removed = m.removeFramesRecursively(child, removed)
	}
	frame.detach()
	delete(m.frames, frame.ID())
	return append(removed, frame)
}

func (m *FrameManager) notifyRemoved(removed []*Frame) {
	if m.tab == nil {
		return
	}
	for _, frame := range removed {
		m.tab.frameDetached(frame.ID())
		m.tab.emit(EventTabFrameDetached, frame)
	}
}

func (m *FrameManager) executionContextCreated(execCtx *ExecutionContext, frameID cdp.FrameID) {
	m.framesMu.RLock()
	frame := m.frames[frameID]
	m.framesMu.RUnlock()
	if frame == nil {
		m.logger.Debugf("FrameManager:executionContextCreated",
			"ectxid:%d fid:%v missing frame", execCtx.ID(), frameID)
		return
	}
	execCtx.frame = frame
	frame.setContext(execCtx)
}

func (m *FrameManager) executionContextDestroyed(id runtime.ExecutionContextID) {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	for _, f := range m.frames {
		f.nullContext(id)
	}
}

func (m *FrameManager) executionContextsCleared() {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	for _, f := range m.frames {
		f.nullContext(0)
	}
}

// getFrameByID returns the live frame node for the given ID, or nil.
func (m *FrameManager) getFrameByID(id cdp.FrameID) *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.frames[id]
}

// MainFrame returns the root of the tab's frame tree.
func (m *FrameManager) MainFrame() *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.mainFrame
}

// framesPreOrder returns every live frame, root first, children in
// attachment order, so index-based lookups are deterministic.
func (m *FrameManager) framesPreOrder() []*Frame {
	m.framesMu.RLock()
	root := m.mainFrame
	m.framesMu.RUnlock()
	if root == nil {
		return nil
	}
	var out []*Frame
	var walk func(f *Frame)
	walk = func(f *Frame) {
		out = append(out, f)
		for _, c := range f.ChildFrames() {
			walk(c)
		}
	}
	walk(root)
	return out
}

// Frames returns a point-in-time snapshot of the frame tree in pre-order.
func (m *FrameManager) Frames() []FrameInfo {
	frames := m.framesPreOrder()
	infos := make([]FrameInfo, 0, len(frames))
	for _, f := range frames {
		infos = append(infos, f.info())
	}
	return infos
}

// FindFrames returns every frame matching pred, in pre-order.
func (m *FrameManager) FindFrames(pred func(FrameInfo) bool) []*Frame {
	var out []*Frame
	for _, f := range m.framesPreOrder() {
		if pred(f.info()) {
			out = append(out, f)
		}
	}
	return out
}

// waitForExecutionContext blocks until the frame's default execution context
// is available. It returns ErrTimedOut when ctx's deadline passes first,
// ErrConnectionClosed when the session goes away, ErrFrameNotFound when the
// frame detaches while waiting, and ctx's own error on cancellation.
func (m *FrameManager) waitForExecutionContext(ctx context.Context, frameID cdp.FrameID) (*ExecutionContext, error) {
	for {
		frame := m.getFrameByID(frameID)
		if frame == nil {
			return nil, ErrFrameNotFound
		}
		if ec := frame.executionContext(); ec != nil {
			return ec, nil
		}

		var done <-chan struct{}
		if m.session != nil {
			done = m.session.Done()
		}
		select {
		case <-frame.contextReady():
			// Re-check; the context may have been torn down again.
		case <-done:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimedOut
			}
			return nil, ctx.Err()
		}
	}
}

// WaitForExecutionContext is the exported, timeout-bounded variant used by
// callers that switch to a frame preemptively and want to block until it can
// evaluate expressions.
func (m *FrameManager) WaitForExecutionContext(
	ctx context.Context, frameID cdp.FrameID, timeout time.Duration,
) (*ExecutionContext, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.waitForExecutionContext(ctx, frameID)
}
