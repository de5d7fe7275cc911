package common

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// textQueryJS collects elements whose own text nodes or common value
// attributes contain the query. Matching on the element's own text instead
// of textContent keeps container elements like body from swallowing every
// query.
const textQueryJS = `(q) => {
	const needle = q.toLowerCase();
	const results = [];
	const walker = document.createTreeWalker(document.documentElement, NodeFilter.SHOW_ELEMENT);
	let node = walker.currentNode;
	while (node) {
		let own = '';
		for (const child of node.childNodes) {
			if (child.nodeType === Node.TEXT_NODE) own += child.textContent;
		}
		const attrs = [
			node.getAttribute('value') || '',
			node.getAttribute('placeholder') || '',
			node.getAttribute('title') || '',
			node.getAttribute('alt') || '',
		];
		if (own.toLowerCase().includes(needle) ||
			attrs.some((a) => a.toLowerCase().includes(needle))) {
			results.push(node);
		}
		node = walker.nextNode();
	}
	return results;
}`

const cssQueryJS = `(sel) => Array.from(document.querySelectorAll(sel))`

// FindOptions bound an element query.
type FindOptions struct {
	// Timeout limits how long the query polls for a match. Zero means the
	// tab's default timeout.
	Timeout time.Duration

	// BestMatch picks the matching element whose trimmed text length is
	// closest to the query length, instead of the first match in document
	// order. Long container elements that merely contain the query text
	// lose to the tight match this way.
	BestMatch bool
}

func (t *Tab) findTimeout(opts *FindOptions) time.Duration {
	if opts != nil && opts.Timeout > 0 {
		return opts.Timeout
	}
	return t.timeoutSettings.timeout()
}

// QuerySelector polls the current frame for the first element matching the
// CSS selector. It returns ErrNotFound when the deadline passes without a
// match.
func (t *Tab) QuerySelector(ctx context.Context, sel string, opts ...FindOptions) (*ElementHandle, error) {
	matches, err := t.query(ctx, cssQueryJS, sel, optsOrNil(opts), true)
	if err != nil {
		return nil, err
	}
	return matches[0], nil
}

// QuerySelectorAll returns every element currently matching the CSS selector
// in the current frame, in document order. A selector with no matches polls
// until the deadline and then returns ErrNotFound.
func (t *Tab) QuerySelectorAll(ctx context.Context, sel string, opts ...FindOptions) ([]*ElementHandle, error) {
	return t.query(ctx, cssQueryJS, sel, optsOrNil(opts), false)
}

// Find polls the current frame for an element whose own text nodes or common
// value attributes contain the given text, ignoring case. With BestMatch set, the
// element whose trimmed text length is closest to the query length wins.
func (t *Tab) Find(ctx context.Context, text string, opts ...FindOptions) (*ElementHandle, error) {
	o := optsOrNil(opts)
	matches, err := t.query(ctx, textQueryJS, text, o, false)
	if err != nil {
		return nil, err
	}
	if o == nil || !o.BestMatch {
		return firstAndDisposeRest(ctx, matches), nil
	}
	return t.bestMatch(ctx, matches, text)
}

// FindAll returns every element in the current frame containing the given
// text.
func (t *Tab) FindAll(ctx context.Context, text string, opts ...FindOptions) ([]*ElementHandle, error) {
	return t.query(ctx, textQueryJS, text, optsOrNil(opts), false)
}

func optsOrNil(opts []FindOptions) *FindOptions {
	if len(opts) == 0 {
		return nil
	}
	return &opts[0]
}

// query runs the match function against the current frame until it yields at
// least one element or the deadline passes. The returned error is
// ErrTimedOut when no execution context ever became ready, ErrNotFound when
// queries ran but nothing matched, and ErrConnectionClosed when the session
// went away mid-wait.
func (t *Tab) query(
	ctx context.Context, js, arg string, opts *FindOptions, firstOnly bool,
) ([]*ElementHandle, error) {
	frame := t.CurrentFrame()
	if frame == nil {
		return nil, ErrFrameNotFound
	}

	timeout := t.findTimeout(opts)
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		ec, err := t.manager.waitForExecutionContext(ctx, frame.ID())
		if err != nil {
			return nil, err
		}

		matches, err := t.evalMatches(ctx, ec, js, arg, firstOnly)
		switch {
		case err == nil:
		case errors.Is(err, ErrConnectionClosed):
			return nil, ErrConnectionClosed
		case ctx.Err() != nil:
			return nil, t.queryDeadlineErr(ctx)
		case isContextDestroyedErr(err):
			// The context was torn down between the wait and the
			// evaluation; retry against the fresh one.
			t.logger.Debugf("Tab:query", "tid:%v retrying after: %v", t.targetID, err)
		default:
			return nil, err
		}
		if len(matches) > 0 {
			return matches, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNotFound
		}
		sleep := DefaultPollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-time.After(sleep):
		case <-t.session.Done():
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, t.queryDeadlineErr(ctx)
		}
	}
}

// queryDeadlineErr maps an expired query context to the engine's sentinel
// errors. Expiry of the per-query deadline means the frame was queried but
// nothing matched; a canceled or closed parent stays distinguishable.
func (t *Tab) queryDeadlineErr(ctx context.Context) error {
	select {
	case <-t.session.Done():
		return ErrConnectionClosed
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrNotFound
	}
	return ctx.Err()
}

// isContextDestroyedErr reports whether an evaluation failed because its
// execution context went away mid-flight, which a navigating frame does
// routinely. Anything else, invalid selectors included, is a real failure.
func isContextDestroyedErr(err error) bool {
	if errors.Is(err, ErrContextDetached) || errors.Is(err, ErrWrongExecutionContext) {
		return true
	}
	var cdpErr *cdproto.Error
	if !errors.As(err, &cdpErr) {
		return false
	}
	return strings.Contains(cdpErr.Message, "Cannot find context with specified id") ||
		strings.Contains(cdpErr.Message, "Execution context was destroyed") ||
		strings.Contains(cdpErr.Message, "Inspected target navigated or closed")
}

// evalMatches runs the match function once and expands the returned array
// into individual element handles.
func (t *Tab) evalMatches(
	ctx context.Context, ec *ExecutionContext, js, arg string, firstOnly bool,
) ([]*ElementHandle, error) {
	arrHandle, err := ec.EvalHandle(ctx, js, arg)
	if err != nil {
		return nil, err
	}
	if arrHandle == nil {
		return nil, nil
	}
	defer arrHandle.Dispose(ctx) //nolint:errcheck

	handles, err := t.arrayElements(ctx, ec, arrHandle)
	if err != nil {
		return nil, err
	}
	if firstOnly && len(handles) > 1 {
		for _, h := range handles[1:] {
			_ = h.Dispose(ctx)
		}
		handles = handles[:1]
	}
	return handles, nil
}

// arrayElements expands a handle to a JS array into handles for its indexed
// elements, preserving array order.
func (t *Tab) arrayElements(
	ctx context.Context, ec *ExecutionContext, arr *ElementHandle,
) ([]*ElementHandle, error) {
	params := &cdpruntime.GetPropertiesParams{
		ObjectID:      arr.remoteObject.ObjectID,
		OwnProperties: true,
	}
	res := &cdpruntime.GetPropertiesReturns{}
	if err := t.session.Execute(ctx, cdpruntime.CommandGetProperties, params, res); err != nil {
		return nil, fmt.Errorf("getting array properties: %w", err)
	}

	type indexed struct {
		idx    int
		handle *ElementHandle
	}
	var out []indexed
	for _, prop := range res.Result {
		idx, err := strconv.Atoi(prop.Name)
		if err != nil || prop.Value == nil || prop.Value.ObjectID == "" {
			continue
		}
		out = append(out, indexed{
			idx:    idx,
			handle: NewElementHandle(t.ctx, t.session, ec, ec.Frame(), prop.Value, t.logger),
		})
	}
	// GetProperties does not guarantee index order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].idx < out[j-1].idx; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	handles := make([]*ElementHandle, 0, len(out))
	for _, e := range out {
		handles = append(handles, e.handle)
	}
	return handles, nil
}

// bestMatch returns the candidate whose trimmed text length is closest to
// the query length, disposing the others. Ties go to the earliest element in
// document order.
func (t *Tab) bestMatch(
	ctx context.Context, matches []*ElementHandle, text string,
) (*ElementHandle, error) {
	if len(matches) == 1 {
		return matches[0], nil
	}

	best := -1
	bestDist := -1
	for i, h := range matches {
		content, err := h.TextContent(ctx)
		if err != nil {
			continue
		}
		dist := len(content) - len(text)
		if dist < 0 {
			dist = -dist
		}
		if best == -1 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	if best == -1 {
		return nil, ErrNotFound
	}
	for i, h := range matches {
		if i != best {
			_ = h.Dispose(ctx)
		}
	}
	return matches[best], nil
}

func firstAndDisposeRest(ctx context.Context, matches []*ElementHandle) *ElementHandle {
	for _, h := range matches[1:] {
		_ = h.Dispose(ctx)
	}
	return matches[0]
}
