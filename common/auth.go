package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/sexfrance/truedriver/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
)

// Credentials holds HTTP authentication credentials.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// IsEmpty returns true if the credentials are empty.
func (c Credentials) IsEmpty() bool {
	return c == (Credentials{})
}

// authInterceptor answers HTTP auth challenges on a session with fixed
// credentials via the Fetch domain. Paused requests are continued untouched;
// the interceptor exists only for the auth dialog.
type authInterceptor struct {
	ctx         context.Context
	session     session
	credentials Credentials

	attemptedMu sync.Mutex
	attempted   map[fetch.RequestID]bool

	logger *log.Logger
}

// Authenticate enables answering proxy and server auth challenges in this
// tab with the given credentials. Each request gets one attempt; a second
// challenge for the same request cancels it so bad credentials fail fast
// instead of looping.
func (t *Tab) Authenticate(credentials Credentials) error {
	a := &authInterceptor{
		ctx:         t.ctx,
		session:     t.session,
		credentials: credentials,
		attempted:   make(map[fetch.RequestID]bool),
		logger:      t.logger,
	}

	action := fetch.Enable().
		WithHandleAuthRequests(true).
		WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}})
	if err := action.Do(cdp.WithExecutor(t.ctx, t.session)); err != nil {
		return fmt.Errorf("enabling fetch interception: %w", err)
	}

	a.initEvents()
	return nil
}

func (a *authInterceptor) initEvents() {
	ch := make(chan Event)
	a.session.on(a.ctx, []string{
		cdproto.EventFetchRequestPaused,
		cdproto.EventFetchAuthRequired,
	}, ch)

	go func() {
		for {
			select {
			case <-a.session.Done():
				return
			case <-a.ctx.Done():
				return
			case event := <-ch:
				switch ev := event.data.(type) {
				case *fetch.EventRequestPaused:
					a.onRequestPaused(ev)
				case *fetch.EventAuthRequired:
					a.onAuthRequired(ev)
				}
			}
		}
	}()
}

func (a *authInterceptor) onRequestPaused(event *fetch.EventRequestPaused) {
	err := fetch.ContinueRequest(event.RequestID).
		Do(cdp.WithExecutor(a.ctx, a.session))
	if err != nil {
		a.logger.Debugf("authInterceptor:onRequestPaused",
			"continueRequest url:%q err:%v", event.Request.URL, err)
	}
}

func (a *authInterceptor) onAuthRequired(event *fetch.EventAuthRequired) {
	var (
		res = fetch.AuthChallengeResponseResponseDefault
		rid = event.RequestID

		username, password string
	)

	a.attemptedMu.Lock()
	switch {
	case a.attempted[rid]:
		delete(a.attempted, rid)
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case !a.credentials.IsEmpty():
		a.attempted[rid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		// Username and password should only be set when the response is
		// ProvideCredentials.
		// See: https://chromedevtools.github.io/devtools-protocol/tot/Fetch/#type-AuthChallengeResponse
		username, password = a.credentials.Username, a.credentials.Password
	}
	a.attemptedMu.Unlock()

	err := fetch.ContinueWithAuth(
		rid,
		&fetch.AuthChallengeResponse{
			Response: res,
			Username: username,
			Password: password,
		},
	).Do(cdp.WithExecutor(a.ctx, a.session))
	if err != nil {
		a.logger.Debugf("authInterceptor:onAuthRequired",
			"continueWithAuth url:%q err:%v", event.Request.URL, err)
	} else {
		a.logger.Debugf("authInterceptor:onAuthRequired",
			"continueWithAuth url:%q OK", event.Request.URL)
	}
}
