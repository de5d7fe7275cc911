package common

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// FrameSession subscribes to the page and runtime domains on one session and
// applies their unsolicited events to the frame tree, in the order the
// browser sent them.
type FrameSession struct {
	ctx      context.Context
	session  session
	tab      *Tab
	manager  *FrameManager
	targetID target.ID

	eventCh chan Event

	logger *log.Logger
}

// NewFrameSession starts tracking frame events on the session and enumerates
// the frames that already exist in the target.
func NewFrameSession(
	ctx context.Context, s session, tab *Tab, manager *FrameManager, tid target.ID, l *log.Logger,
) (*FrameSession, error) {
	fs := &FrameSession{
		ctx:      ctx,
		session:  s,
		tab:      tab,
		manager:  manager,
		targetID: tid,
		eventCh:  make(chan Event),
		logger:   l,
	}
	fs.initEvents()
	if err := fs.initDomains(); err != nil {
		return nil, err
	}
	if err := fs.initFrameTree(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FrameSession) initEvents() {
	fs.logger.Debugf("FrameSession:initEvents", "sid:%v tid:%v", fs.session.ID(), fs.targetID)

	events := []string{
		cdproto.EventInspectorTargetCrashed,
		cdproto.EventPageFrameAttached,
		cdproto.EventPageFrameDetached,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageNavigatedWithinDocument,
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventRuntimeExecutionContextsCleared,
	}
	fs.session.on(fs.ctx, events, fs.eventCh)

	go func() {
		defer fs.logger.Debugf("FrameSession:initEvents:go:return",
			"sid:%v tid:%v", fs.session.ID(), fs.targetID)

		for {
			select {
			case <-fs.session.Done():
				return
			case <-fs.ctx.Done():
				return
			case event := <-fs.eventCh:
				switch ev := event.data.(type) {
				case *inspector.EventTargetCrashed:
					fs.onTargetCrashed()
				case *cdppage.EventFrameAttached:
					fs.manager.frameAttached(ev.FrameID, ev.ParentFrameID)
				case *cdppage.EventFrameDetached:
					fs.manager.frameDetached(ev.FrameID)
				case *cdppage.EventFrameNavigated:
					const initial = false
					fs.onFrameNavigated(ev.Frame, initial)
				case *cdppage.EventNavigatedWithinDocument:
					fs.manager.frameNavigatedWithinDocument(ev.FrameID, ev.URL)
				case *cdpruntime.EventExecutionContextCreated:
					fs.onExecutionContextCreated(ev)
				case *cdpruntime.EventExecutionContextDestroyed:
					fs.manager.executionContextDestroyed(ev.ExecutionContextID)
				case *cdpruntime.EventExecutionContextsCleared:
					fs.manager.executionContextsCleared()
				}
			}
		}
	}()
}

func (fs *FrameSession) initDomains() error {
	for _, action := range []Action{
		cdppage.Enable(),
		cdpruntime.Enable(),
		target.SetAutoAttach(true, true).WithFlatten(true),
	} {
		if err := action.Do(cdp.WithExecutor(fs.ctx, fs.session)); err != nil {
			return fmt.Errorf("enabling domains: %w", err)
		}
	}
	return nil
}

func (fs *FrameSession) initFrameTree() error {
	fs.logger.Debugf("FrameSession:initFrameTree", "sid:%v tid:%v", fs.session.ID(), fs.targetID)

	// Recursively enumerate existing frames so the tree is populated before
	// the first event arrives.
	frameTree, err := cdppage.GetFrameTree().Do(cdp.WithExecutor(fs.ctx, fs.session))
	if err != nil {
		return fmt.Errorf("getting page frame tree: %w", err)
	}
	if frameTree == nil {
		return fmt.Errorf("got a nil page frame tree")
	}

	fs.handleFrameTree(frameTree, true)
	return nil
}

func (fs *FrameSession) handleFrameTree(frameTree *cdppage.FrameTree, initialFrame bool) {
	fs.logger.Debugf("FrameSession:handleFrameTree",
		"fid:%v sid:%v tid:%v", frameTree.Frame.ID, fs.session.ID(), fs.targetID)

	if frameTree.Frame.ParentID != "" {
		fs.manager.frameAttached(frameTree.Frame.ID, frameTree.Frame.ParentID)
	}
	fs.onFrameNavigated(frameTree.Frame, initialFrame)
	for _, child := range frameTree.ChildFrames {
		fs.handleFrameTree(child, initialFrame)
	}
}

func (fs *FrameSession) onFrameNavigated(frame *cdp.Frame, initial bool) {
	if err := fs.manager.frameNavigated(frame, initial); err != nil {
		fs.logger.Errorf("FrameSession:onFrameNavigated",
			"sid:%v tid:%v fid:%v err:%v", fs.session.ID(), fs.targetID, frame.ID, err)
	}
}

func (fs *FrameSession) onExecutionContextCreated(event *cdpruntime.EventExecutionContextCreated) {
	fs.logger.Debugf("FrameSession:onExecutionContextCreated",
		"sid:%v tid:%v ectxid:%d", fs.session.ID(), fs.targetID, event.Context.ID)

	var i struct {
		FrameID   cdp.FrameID `json:"frameId"`
		IsDefault bool        `json:"isDefault"`
		Type      string      `json:"type"`
	}
	if err := json.Unmarshal(event.Context.AuxData, &i); err != nil {
		fs.logger.Errorf("FrameSession:onExecutionContextCreated",
			"sid:%v tid:%v unmarshaling auxData: %v", fs.session.ID(), fs.targetID, err)
		return
	}
	if !i.IsDefault {
		// Isolated worlds and extension contexts never own the frame's
		// document.
		return
	}

	execCtx := NewExecutionContext(fs.ctx, fs.session, nil, event.Context.ID, fs.logger)
	fs.manager.executionContextCreated(execCtx, i.FrameID)
}

func (fs *FrameSession) onTargetCrashed() {
	fs.logger.Warnf("FrameSession:onTargetCrashed", "sid:%v tid:%v", fs.session.ID(), fs.targetID)

	if s, ok := fs.session.(*Session); ok {
		s.markAsCrashed()
	}
	if fs.tab != nil {
		fs.tab.didCrash()
	}
}

// navigateFrame starts a navigation in the given frame and returns the new
// document ID.
func (fs *FrameSession) navigateFrame(frame *Frame, url, referrer string) (string, error) {
	fs.logger.Debugf("FrameSession:navigateFrame",
		"sid:%v fid:%s tid:%v url:%q referrer:%q",
		fs.session.ID(), frame.ID(), fs.targetID, url, referrer)

	action := cdppage.Navigate(url).WithReferrer(referrer).WithFrameID(frame.ID())
	_, documentID, errorText, err := action.Do(cdp.WithExecutor(fs.ctx, fs.session))
	if err != nil {
		if errorText == "" {
			return "", fmt.Errorf("navigating frame: %w", err)
		}
		return "", fmt.Errorf("navigating frame: %q: %w", errorText, err)
	}
	if errorText != "" {
		return "", fmt.Errorf("navigating frame: %s", errorText)
	}
	return documentID.String(), nil
}
