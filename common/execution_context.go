package common

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

const evaluationScriptURL = "__truedriver_evaluation_script__"

var sourceURLRegex = regexp.MustCompile(`^(?s)[\040\t]*//[@#] sourceURL=\s*(\S*?)\s*$`)

type evalOptions struct {
	forceCallable, returnByValue bool
}

func (ea evalOptions) String() string {
	return fmt.Sprintf("forceCallable:%t returnByValue:%t", ea.forceCallable, ea.returnByValue)
}

// ExecutionContext represents a JS execution context belonging to a frame's
// current document. A context is only valid until the frame navigates or the
// context is destroyed.
type ExecutionContext struct {
	ctx     context.Context
	logger  *log.Logger
	session session
	frame   *Frame
	id      runtime.ExecutionContextID

	// Used for logging
	sid  target.SessionID
	fid  cdp.FrameID
	furl string
}

// NewExecutionContext creates a new JS execution context.
func NewExecutionContext(
	ctx context.Context, s session, f *Frame, id runtime.ExecutionContextID, l *log.Logger,
) *ExecutionContext {
	e := &ExecutionContext{
		ctx:     ctx,
		session: s,
		frame:   f,
		id:      id,
		logger:  l,
	}
	if s != nil {
		e.sid = s.ID()
	}
	if f != nil {
		e.fid = f.ID()
		e.furl = f.URL()
	}
	l.Debugf("NewExecutionContext", "sid:%s fid:%s ectxid:%d furl:%q", e.sid, e.fid, id, e.furl)

	return e
}

// adoptBackendNodeID resolves the specified backend node into this execution
// context, producing an element handle owned by this context's frame.
func (e *ExecutionContext) adoptBackendNodeID(
	apiCtx context.Context, backendNodeID cdp.BackendNodeID,
) (*ElementHandle, error) {
	e.logger.Debugf(
		"ExecutionContext:adoptBackendNodeID",
		"sid:%s fid:%s ectxid:%d bnid:%d", e.sid, e.fid, e.id, backendNodeID)

	action := dom.ResolveNode().
		WithBackendNodeID(backendNodeID).
		WithExecutionContextID(e.id)

	remoteObj, err := action.Do(cdp.WithExecutor(apiCtx, e.session))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve DOM node: %w", err)
	}

	return NewElementHandle(e.ctx, e.session, e, e.frame, remoteObj, e.logger), nil
}

// eval will evaluate provided expression or callable within this execution
// context and return by value or handle.
func (e *ExecutionContext) eval(
	apiCtx context.Context, opts evalOptions, js string, args ...any,
) (any, error) {
	e.logger.Debugf(
		"ExecutionContext:eval",
		"sid:%s fid:%s ectxid:%d furl:%q %s", e.sid, e.fid, e.id, e.furl, opts)

	if e.frame != nil && e.frame.executionContext() != e {
		return nil, ErrContextDetached
	}

	suffix := `//# sourceURL=` + evaluationScriptURL

	var action interface {
		Do(context.Context) (*runtime.RemoteObject, *runtime.ExceptionDetails, error)
	}

	if !opts.forceCallable {
		if !sourceURLRegex.MatchString(js) {
			js += "\n" + suffix
		}

		action = runtime.Evaluate(js).
			WithContextID(e.id).
			WithReturnByValue(opts.returnByValue).
			WithAwaitPromise(true).
			WithUserGesture(true)
	} else {
		var arguments []*runtime.CallArgument
		for _, arg := range args {
			result, err := convertArgument(e, arg)
			if err != nil {
				return nil, fmt.Errorf("cannot convert argument (%q) "+
					"in execution context (%d) in frame (%v): %w",
					arg, e.id, e.fid, err)
			}
			arguments = append(arguments, result)
		}

		js += "\n" + suffix + "\n"
		action = runtime.CallFunctionOn(js).
			WithArguments(arguments).
			WithExecutionContextID(e.id).
			WithReturnByValue(opts.returnByValue).
			WithAwaitPromise(true).
			WithUserGesture(true)
	}

	remoteObject, exceptionDetails, err := action.Do(cdp.WithExecutor(apiCtx, e.session))
	if err != nil {
		return nil, fmt.Errorf("cannot evaluate expression "+
			"in execution context (%d) in frame (%v): %w", e.id, e.fid, err)
	}
	if exceptionDetails != nil {
		return nil, fmt.Errorf("cannot evaluate expression "+
			"in execution context (%d) in frame (%v): %s",
			e.id, e.fid, parseExceptionDetails(exceptionDetails))
	}
	if remoteObject == nil {
		return nil, nil
	}

	if opts.returnByValue {
		res, err := valueFromRemoteObject(remoteObject)
		if err != nil {
			return nil, fmt.Errorf("cannot extract value from remote object (%s) "+
				"in execution context (%d) in frame (%v): %w",
				remoteObject.ObjectID, e.id, e.fid, err)
		}
		return res, nil
	}
	if remoteObject.ObjectID != "" {
		// Don't tie the handle to apiCtx, which may carry a timeout.
		return NewElementHandle(e.ctx, e.session, e, e.frame, remoteObject, e.logger), nil
	}
	return nil, nil
}

// Eval evaluates the given page function within this execution context and
// returns its value.
func (e *ExecutionContext) Eval(apiCtx context.Context, js string, args ...any) (any, error) {
	return e.eval(apiCtx, evalOptions{forceCallable: true, returnByValue: true}, js, args...)
}

// EvalHandle evaluates the given page function within this execution context
// and returns a handle to its result.
func (e *ExecutionContext) EvalHandle(apiCtx context.Context, js string, args ...any) (*ElementHandle, error) {
	res, err := e.eval(apiCtx, evalOptions{forceCallable: true, returnByValue: false}, js, args...)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	handle, ok := res.(*ElementHandle)
	if !ok {
		return nil, fmt.Errorf("expression did not return an object handle")
	}
	return handle, nil
}

// Frame returns the frame that this execution context belongs to.
func (e *ExecutionContext) Frame() *Frame {
	return e.frame
}

// ID returns the CDP runtime ID of this execution context.
func (e *ExecutionContext) ID() runtime.ExecutionContextID {
	return e.id
}
