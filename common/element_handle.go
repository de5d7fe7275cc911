package common

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
)

// ElementHandle is a reference to a DOM element inside a specific frame's
// execution context. A handle goes stale when its frame detaches or
// navigates; the stale check is a generation comparison, so every operation
// on an outlived handle fails with ErrStaleElement instead of acting on the
// wrong document.
type ElementHandle struct {
	ctx          context.Context
	logger       *log.Logger
	session      session
	execCtx      *ExecutionContext
	frame        *Frame
	remoteObject *runtime.RemoteObject

	generation int64
	disposed   int32
}

// NewElementHandle creates a handle pinned to the frame's current generation.
func NewElementHandle(
	ctx context.Context, s session, ec *ExecutionContext, f *Frame,
	remoteObject *runtime.RemoteObject, l *log.Logger,
) *ElementHandle {
	h := &ElementHandle{
		ctx:          ctx,
		logger:       l,
		session:      s,
		execCtx:      ec,
		frame:        f,
		remoteObject: remoteObject,
	}
	if f != nil {
		h.generation = f.Generation()
	}
	return h
}

// checkAlive reports whether the handle still refers to a live element.
func (h *ElementHandle) checkAlive() error {
	if atomic.LoadInt32(&h.disposed) == 1 {
		return ErrHandleDisposed
	}
	if h.frame == nil {
		return nil
	}
	if h.frame.IsDetached() || h.frame.Generation() != h.generation {
		return ErrStaleElement
	}
	return nil
}

// IsDisposed reports whether Dispose has released the handle.
func (h *ElementHandle) IsDisposed() bool {
	return atomic.LoadInt32(&h.disposed) == 1
}

// Frame returns the frame that owns the element.
func (h *ElementHandle) Frame() *Frame {
	return h.frame
}

func (h *ElementHandle) eval(apiCtx context.Context, returnByValue bool, js string, args ...any) (any, error) {
	if err := h.checkAlive(); err != nil {
		return nil, err
	}
	callArgs := append([]any{h}, args...)
	return h.execCtx.eval(apiCtx,
		evalOptions{forceCallable: true, returnByValue: returnByValue}, js, callArgs...)
}

// TextContent returns the element's textContent, trimmed of surrounding
// whitespace.
func (h *ElementHandle) TextContent(apiCtx context.Context) (string, error) {
	res, err := h.eval(apiCtx, true, `el => el.textContent || ''`)
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return strings.TrimSpace(s), nil
}

// GetAttribute returns the value of the named attribute, or "" when the
// attribute is absent.
func (h *ElementHandle) GetAttribute(apiCtx context.Context, name string) (string, error) {
	res, err := h.eval(apiCtx, true, `(el, name) => el.getAttribute(name) || ''`, name)
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return s, nil
}

// Click dispatches a click on the element after scrolling it into view.
func (h *ElementHandle) Click(apiCtx context.Context) error {
	_, err := h.eval(apiCtx, true, `el => {
		el.scrollIntoView({block: 'center', inline: 'center'});
		el.click();
	}`)
	return err
}

// Focus gives the element keyboard focus.
func (h *ElementHandle) Focus(apiCtx context.Context) error {
	_, err := h.eval(apiCtx, true, `el => el.focus()`)
	return err
}

// ScrollIntoView scrolls the element to the center of the viewport.
func (h *ElementHandle) ScrollIntoView(apiCtx context.Context) error {
	_, err := h.eval(apiCtx, true, `el => el.scrollIntoView({block: 'center', inline: 'center'})`)
	return err
}

// describeNode asks the DOM domain about the node behind the handle.
func (h *ElementHandle) describeNode(apiCtx context.Context) (*cdp.Node, error) {
	if err := h.checkAlive(); err != nil {
		return nil, err
	}
	action := dom.DescribeNode().WithObjectID(h.remoteObject.ObjectID)
	node, err := action.Do(cdp.WithExecutor(apiCtx, h.session))
	if err != nil {
		return nil, fmt.Errorf("cannot describe DOM node: %w", err)
	}
	return node, nil
}

// ContentFrameID returns the frame ID of the document contained by the
// element, when the element is a frame owner such as an iframe. It returns
// ErrFrameNotFound for non-frame-owner elements.
func (h *ElementHandle) ContentFrameID(apiCtx context.Context) (cdp.FrameID, error) {
	node, err := h.describeNode(apiCtx)
	if err != nil {
		return "", err
	}
	if node.FrameID == "" {
		return "", ErrFrameNotFound
	}
	return node.FrameID, nil
}

// Dispose releases the remote object backing the handle.
func (h *ElementHandle) Dispose(apiCtx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.disposed, 0, 1) {
		return nil
	}
	if h.remoteObject.ObjectID == "" {
		return nil
	}
	action := runtime.ReleaseObject(h.remoteObject.ObjectID)
	if err := action.Do(cdp.WithExecutor(apiCtx, h.session)); err != nil {
		return fmt.Errorf("cannot release remote object: %w", err)
	}
	return nil
}
