package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Tab drives a single page target. It owns the frame tree for the target and
// a current-frame cursor that element queries and evaluations run against.
//
// Switching frames is all-or-nothing: when a selector fails to resolve, the
// cursor stays where it was.
type Tab struct {
	BaseEventEmitter

	ctx          context.Context
	session      session
	manager      *FrameManager
	frameSession *FrameSession
	targetID     target.ID

	currentMu      sync.RWMutex
	currentFrameID cdp.FrameID

	timeoutSettings *TimeoutSettings

	crashedMu sync.Mutex
	crashed   bool

	logger *log.Logger
}

// NewTab attaches the frame engine to an already established session for a
// page target.
func NewTab(
	ctx context.Context, s session, tid target.ID, ts *TimeoutSettings, logger *log.Logger,
) (*Tab, error) {
	t := &Tab{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		session:          s,
		targetID:         tid,
		timeoutSettings:  NewTimeoutSettings(ts),
		logger:           logger,
	}
	t.manager = NewFrameManager(s, t, logger)

	fs, err := NewFrameSession(ctx, s, t, t.manager, tid, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing frame session: %w", err)
	}
	t.frameSession = fs

	if mf := t.manager.MainFrame(); mf != nil {
		t.currentMu.Lock()
		t.currentFrameID = mf.ID()
		t.currentMu.Unlock()
	}
	return t, nil
}

// TargetID returns the CDP target this tab drives.
func (t *Tab) TargetID() target.ID {
	return t.targetID
}

// frameNavigated is called by the frame manager after a navigation commits.
func (t *Tab) frameNavigated(frame *Frame, isMainFrame bool) {
	if !isMainFrame {
		return
	}
	// The main frame can change identity on cross-process navigation; keep
	// the cursor pointing at it when it was there.
	t.currentMu.Lock()
	defer t.currentMu.Unlock()
	if t.currentFrameID == "" {
		t.currentFrameID = frame.ID()
	}
}

// frameDetached resets the cursor to the main frame when the current frame
// goes away.
func (t *Tab) frameDetached(frameID cdp.FrameID) {
	t.currentMu.Lock()
	defer t.currentMu.Unlock()
	if t.currentFrameID != frameID {
		return
	}
	if mf := t.manager.MainFrame(); mf != nil {
		t.currentFrameID = mf.ID()
	} else {
		t.currentFrameID = ""
	}
}

func (t *Tab) didCrash() {
	t.crashedMu.Lock()
	t.crashed = true
	t.crashedMu.Unlock()
	t.emit(EventTabClose, nil)
}

// CurrentFrame returns the frame the cursor points at. It falls back to the
// main frame when the cursor's frame no longer exists.
func (t *Tab) CurrentFrame() *Frame {
	t.currentMu.RLock()
	id := t.currentFrameID
	t.currentMu.RUnlock()

	if f := t.manager.getFrameByID(id); f != nil && !f.IsDetached() {
		return f
	}
	return t.manager.MainFrame()
}

// Frames returns a snapshot of all frames in the tab in pre-order.
func (t *Tab) Frames() []FrameInfo {
	return t.manager.Frames()
}

// MainFrame returns the root frame of the tab.
func (t *Tab) MainFrame() *Frame {
	return t.manager.MainFrame()
}

// SwitchToMainFrame points the cursor back at the main frame.
func (t *Tab) SwitchToMainFrame() {
	t.currentMu.Lock()
	defer t.currentMu.Unlock()
	if mf := t.manager.MainFrame(); mf != nil {
		t.currentFrameID = mf.ID()
	}
}

// SwitchToFrame resolves the selector against the live tree and moves the
// cursor to the resolved frame. On any resolution failure the cursor is left
// unchanged and the error describes the selector that failed.
func (t *Tab) SwitchToFrame(ctx context.Context, sel FrameSelector) (*Frame, error) {
	frame, err := t.resolveFrameSelector(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("switching to %s: %w", sel, err)
	}

	t.currentMu.Lock()
	t.currentFrameID = frame.ID()
	t.currentMu.Unlock()

	t.logger.Debugf("Tab:SwitchToFrame", "tid:%v fid:%v sel:%s", t.targetID, frame.ID(), sel)
	return frame, nil
}

func (t *Tab) resolveFrameSelector(ctx context.Context, sel FrameSelector) (*Frame, error) {
	switch s := sel.(type) {
	case MainFrame:
		if mf := t.manager.MainFrame(); mf != nil {
			return mf, nil
		}
		return nil, ErrFrameNotFound

	case ByFrameID:
		if f := t.manager.getFrameByID(cdp.FrameID(s)); f != nil {
			return f, nil
		}
		return nil, ErrFrameNotFound

	case ByName:
		frames := t.manager.FindFrames(func(fi FrameInfo) bool {
			return fi.Name == string(s)
		})
		if len(frames) == 0 {
			return nil, ErrFrameNotFound
		}
		return frames[0], nil

	case ByURL:
		frames := t.manager.FindFrames(func(fi FrameInfo) bool {
			return s.matches(fi.URL)
		})
		if len(frames) == 0 {
			return nil, ErrFrameNotFound
		}
		return frames[0], nil

	case ByIndex:
		frames := t.manager.framesPreOrder()
		if int(s) < 0 || int(s) >= len(frames) {
			return nil, ErrFrameNotFound
		}
		return frames[int(s)], nil

	case ByCSSSelector:
		handle, err := t.QuerySelector(ctx, string(s))
		if err != nil {
			return nil, err
		}
		defer handle.Dispose(ctx) //nolint:errcheck
		return t.frameOfElement(ctx, handle)

	case ByElement:
		if s.Handle == nil {
			return nil, ErrFrameNotFound
		}
		return t.frameOfElement(ctx, s.Handle)

	default:
		return nil, fmt.Errorf("unsupported frame selector %T", sel)
	}
}

// frameOfElement maps a frame-owner element, such as an iframe, to the frame
// node of the document it contains.
func (t *Tab) frameOfElement(ctx context.Context, handle *ElementHandle) (*Frame, error) {
	frameID, err := handle.ContentFrameID(ctx)
	if err != nil {
		return nil, err
	}
	if f := t.manager.getFrameByID(frameID); f != nil {
		return f, nil
	}
	return nil, ErrFrameNotFound
}

// WaitForExecutionContext blocks until the current frame can evaluate
// expressions, bounded by the default timeout.
func (t *Tab) WaitForExecutionContext(ctx context.Context) error {
	frame := t.CurrentFrame()
	if frame == nil {
		return ErrFrameNotFound
	}
	_, err := t.manager.WaitForExecutionContext(ctx, frame.ID(), t.timeoutSettings.timeout())
	return err
}

// Navigate drives the main frame to the URL and waits for the new document's
// execution context.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	mf := t.manager.MainFrame()
	if mf == nil {
		return ErrFrameNotFound
	}
	if _, err := t.frameSession.navigateFrame(mf, url, ""); err != nil {
		return err
	}
	_, err := t.manager.WaitForExecutionContext(
		ctx, mf.ID(), t.timeoutSettings.navigationTimeout())
	return err
}

// Evaluate runs the page function in the current frame's execution context
// and returns its value.
func (t *Tab) Evaluate(ctx context.Context, js string, args ...any) (any, error) {
	frame := t.CurrentFrame()
	if frame == nil {
		return nil, ErrFrameNotFound
	}
	ec, err := t.manager.WaitForExecutionContext(ctx, frame.ID(), t.timeoutSettings.timeout())
	if err != nil {
		return nil, err
	}
	return ec.Eval(ctx, js, args...)
}

// Close detaches the tab from its target.
func (t *Tab) Close(ctx context.Context) error {
	t.emit(EventTabClose, nil)
	action := target.CloseTarget(t.targetID)
	if err := action.Do(cdp.WithExecutor(ctx, t.session)); err != nil {
		return fmt.Errorf("closing target: %w", err)
	}
	return nil
}
