package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Browser is the top-level handle on a running browser. It owns the CDP
// connection and one Tab per attached page target.
type Browser struct {
	BaseEventEmitter

	ctx    context.Context
	cancel context.CancelFunc

	conn   *Connection
	opts   Options
	logger *log.Logger

	timeoutSettings *TimeoutSettings

	tabsMu sync.RWMutex
	tabs   map[target.ID]*Tab
}

// Connect dials the browser's DevTools websocket endpoint and attaches to
// every open page target.
func Connect(ctx context.Context, opts Options, logger *log.Logger) (*Browser, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := NewConnection(ctx, opts.WSURL, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	ts := NewTimeoutSettings(nil)
	if opts.Timeout > 0 {
		ts.setDefaultTimeout(opts.Timeout)
	}
	if opts.NavigationTimeout > 0 {
		ts.setDefaultNavigationTimeout(opts.NavigationTimeout)
	}

	b := &Browser{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		cancel:           cancel,
		conn:             conn,
		opts:             opts,
		logger:           logger,
		timeoutSettings:  ts,
		tabs:             make(map[target.ID]*Tab),
	}

	if err := b.attachExistingPages(); err != nil {
		conn.Close()
		cancel()
		return nil, err
	}
	return b, nil
}

func (b *Browser) attachExistingPages() error {
	infos, err := target.GetTargets().Do(cdp.WithExecutor(b.ctx, b.conn))
	if err != nil {
		return fmt.Errorf("listing targets: %w", err)
	}
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if _, err := b.attachTab(info); err != nil {
			return err
		}
	}
	return nil
}

func (b *Browser) attachTab(info *target.Info) (*Tab, error) {
	sess, err := b.conn.createSession(info)
	if err != nil {
		return nil, fmt.Errorf("attaching to target %v: %w", info.TargetID, err)
	}
	tab, err := NewTab(b.ctx, sess, info.TargetID, b.timeoutSettings, b.logger)
	if err != nil {
		return nil, fmt.Errorf("initializing tab for target %v: %w", info.TargetID, err)
	}

	b.tabsMu.Lock()
	b.tabs[info.TargetID] = tab
	b.tabsMu.Unlock()

	// Drop the tab when its session detaches.
	go func() {
		select {
		case <-sess.Done():
		case <-b.ctx.Done():
		}
		b.tabsMu.Lock()
		delete(b.tabs, info.TargetID)
		b.tabsMu.Unlock()
	}()

	return tab, nil
}

// NewPage opens a blank page target and returns its tab.
func (b *Browser) NewPage(ctx context.Context) (*Tab, error) {
	tid, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("creating page target: %w", err)
	}
	return b.attachTab(&target.Info{TargetID: tid, Type: "page"})
}

// Pages returns the tabs attached to this browser.
func (b *Browser) Pages() []*Tab {
	b.tabsMu.RLock()
	defer b.tabsMu.RUnlock()
	tabs := make([]*Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		tabs = append(tabs, t)
	}
	return tabs
}

// TabForTarget returns the tab driving the given target, or nil.
func (b *Browser) TabForTarget(tid target.ID) *Tab {
	b.tabsMu.RLock()
	defer b.tabsMu.RUnlock()
	return b.tabs[tid]
}

// Done is closed when the underlying connection shuts down.
func (b *Browser) Done() <-chan struct{} {
	return b.conn.Done()
}

// Close shuts down the connection to the browser.
func (b *Browser) Close() {
	b.logger.Debugf("Browser:Close", "")
	b.conn.Close()
	b.cancel()
}
