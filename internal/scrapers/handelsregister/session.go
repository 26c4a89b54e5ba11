package handelsregister

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"handelsregister/internal/components/assert"
	"handelsregister/internal/components/telemetry"
	"handelsregister/lib/htmlutil"
	"handelsregister/lib/textutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/avast/retry-go/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_session_open        = "session.open"
	report_session_follow_link = "session.follow-link"
	report_session_submit      = "session.submit"
	report_session_fork        = "session.fork"
	report_session_parse_page  = "session.parse-page"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.5 Safari/605.1.15"

	// number of pages Back can return to
	maxHistory = 16
)

type SessionOptions struct {
	BaseUrl   string
	UserAgent string
	// bound of every single request, defaults to 30 seconds
	Timeout time.Duration
	// politeness limit shared by a session and all of its forks, defaults to 2
	RequestsPerSecond float64
	// attempts of Open on transport failure, defaults to 3
	OpenAttempts int
	// pause between Open attempts, defaults to 1 second
	RetryDelay time.Duration
	// use a transport with a browser-like tls fingerprint
	CloudflareBypass bool
	// if set, every http exchange is written to it
	Dump telemetry.Output
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.BaseUrl == "" {
		o.BaseUrl = DefaultBaseUrl
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
	if o.OpenAttempts <= 0 {
		o.OpenAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// SessionState is everything the portal keys its server side state on, apart
// from the cookies: the page currently displayed, its correlation token and the
// hidden fields of the last form that was submitted.
type SessionState struct {
	PageUrl    *url.URL
	Markup     []byte
	ViewState  string
	FormFields map[string]string
}

func (s SessionState) clone() SessionState {
	out := s
	if s.PageUrl != nil {
		u := *s.PageUrl
		out.PageUrl = &u
	}
	out.Markup = bytes.Clone(s.Markup)
	if s.FormFields != nil {
		out.FormFields = make(map[string]string, len(s.FormFields))
		for k, v := range s.FormFields {
			out.FormFields[k] = v
		}
	}
	return out
}

// Session replays a browser against the portal. It is not safe for
// concurrent use: divergent work (ex. tree traversals) must run on a Fork.
type Session struct {
	opts    SessionOptions
	baseUrl *url.URL
	http    *resty.Client
	jar     *recordingJar
	limiter *rate.Limiter

	// shared with forks, they dump into the same output
	requestIds *telemetry.RequestIds
	tel        telemetry.API

	state   SessionState
	doc     *goquery.Document
	history []SessionState
}

func NewSession(opts SessionOptions, tel telemetry.API) (*Session, error) {
	assert.NotNil(tel)
	opts = opts.withDefaults()

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	jar, err := newRecordingJar()
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	s := &Session{
		opts:       opts,
		baseUrl:    baseUrl,
		jar:        jar,
		limiter:    limiter,
		requestIds: &telemetry.RequestIds{},
		tel:        telemetry.NewScopedAPI("session", tel),
	}
	s.http = s.newHttpClient()
	return s, nil
}

func (s *Session) newHttpClient() *resty.Client {
	client := resty.New()
	client.SetCookieJar(s.jar)
	if s.opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}

	client.SetHeader("User-Agent", s.opts.UserAgent)
	client.SetHeader("Accept-Language", "en-GB,en;q=0.9")
	client.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(s.baseUrl.Hostname()))
	client.SetTimeout(s.opts.Timeout)

	limiter := s.limiter
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(client, s.tel, s.opts.Dump, s.requestIds)
	return client
}

// State returns a copy of the current session state.
func (s *Session) State() SessionState {
	return s.state.clone()
}

func (s *Session) ViewState() string {
	return s.state.ViewState
}

func (s *Session) BaseUrl() *url.URL {
	u := *s.baseUrl
	return &u
}

// Document returns the parsed current page.
func (s *Session) Document() (*goquery.Document, error) {
	if s.doc != nil {
		return s.doc, nil
	}
	if s.state.Markup == nil {
		return nil, shapeError("session", "no page has been loaded yet")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(s.state.Markup))
	if err != nil {
		s.tel.ReportBroken(report_session_parse_page, err, s.state.PageUrl)
		return nil, err
	}
	s.doc = doc
	return doc, nil
}

// Form locates a form on the current page.
func (s *Session) Form(name string) (*Form, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	return FindForm(doc, s.state.PageUrl, name)
}

func (s *Session) resolve(endpoint string) (*url.URL, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	base := s.baseUrl
	if s.state.PageUrl != nil {
		base = s.state.PageUrl
	}
	return base.ResolveReference(ref), nil
}

type request struct {
	method  string
	url     string
	body    string
	headers map[string]string
}

// do performs exactly one request/response pair. The caller's context is only
// checked before the request is sent; once sent, the exchange runs to
// completion (bounded by the client timeout) so that a cancelled run never
// leaves the server with a half-submitted form.
func (s *Session) do(ctx context.Context, req request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := s.http.R().SetContext(context.WithoutCancel(ctx))
	if s.state.PageUrl != nil {
		r.SetHeader("Referer", s.state.PageUrl.String())
	}
	for k, v := range req.headers {
		r.SetHeader(k, v)
	}
	if req.body != "" {
		r.SetHeader("Content-Type", "application/x-www-form-urlencoded")
		r.SetBody(req.body)
	}

	res, err := r.Execute(req.method, req.url)
	if err != nil {
		return nil, &TransportError{Url: req.url, Attempts: 1, Err: err}
	}

	finalUrl, err := url.Parse(req.url)
	if err != nil {
		return nil, err
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		finalUrl = res.RawResponse.Request.URL
	}

	out := &Response{
		Url:        finalUrl,
		StatusCode: res.StatusCode(),
		Header:     res.Header(),
		Body:       res.Body(),
	}
	if out.StatusCode < 200 || out.StatusCode > 299 {
		return out, &HttpStatusError{
			Url:        req.url,
			StatusCode: out.StatusCode,
			Status:     res.Status(),
		}
	}
	return out, nil
}

// commit makes an html response the current page.
func (s *Session) commit(res *Response) {
	if !res.IsHTML() {
		return
	}
	if s.state.Markup != nil {
		s.history = append(s.history, s.state)
		if len(s.history) > maxHistory {
			s.history = s.history[len(s.history)-maxHistory:]
		}
	}

	s.state = SessionState{
		PageUrl:    res.Url,
		Markup:     res.Body,
		ViewState:  s.state.ViewState,
		FormFields: s.state.FormFields,
	}
	s.doc = nil

	doc, err := s.Document()
	if err != nil {
		return
	}
	if token, ok := doc.Find(fmt.Sprintf(`input[name="%s"]`, viewStateField)).First().Attr("value"); ok {
		s.state.ViewState = token
	}
}

// Back returns to the previously displayed page, like a browser's back
// button: cookies are left as they are. It reports false if there is no
// previous page.
func (s *Session) Back() bool {
	if len(s.history) == 0 {
		return false
	}
	s.state = s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]
	s.doc = nil
	return true
}

// Open navigates to `endpoint`. It is the only step retried on transport
// failure; a non-2xx status is never retried.
func (s *Session) Open(ctx context.Context, endpoint string) (*Response, error) {
	target, err := s.resolve(endpoint)
	if err != nil {
		return nil, err
	}

	attempts := 0
	var res *Response
	err = retry.Do(
		func() error {
			attempts++
			var err error
			res, err = s.do(ctx, request{method: http.MethodGet, url: target.String()})
			if err != nil {
				s.tel.ReportWarning(report_session_open, err, attempts)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.opts.OpenAttempts)),
		retry.Delay(s.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransportError),
	)
	if err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			transportErr.Attempts = attempts
		}
		s.tel.ReportBroken(report_session_open, err, target.String())
		return nil, err
	}

	s.commit(res)
	return res, nil
}

// Navigate is a single-shot GET that becomes the current page.
func (s *Session) Navigate(ctx context.Context, endpoint string) (*Response, error) {
	target, err := s.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	res, err := s.do(ctx, request{method: http.MethodGet, url: target.String()})
	if err != nil {
		return nil, err
	}
	s.commit(res)
	return res, nil
}

// FollowLink navigates to the first anchor of the current page whose visible
// text matches `text`.
func (s *Session) FollowLink(ctx context.Context, text string) (*Response, error) {
	doc, err := s.Document()
	if err != nil {
		return nil, err
	}
	for _, a := range htmlutil.GetAnchors(s.state.PageUrl, doc.Find("a")) {
		if textutil.EqualNames(a.Name, text) {
			return s.Navigate(ctx, a.Url.String())
		}
	}

	err = shapeError("link", "could not find link %q on %s", text, s.state.PageUrl)
	s.tel.ReportBroken(report_session_follow_link, err)
	return nil, err
}

func (s *Session) send(ctx context.Context, form *Form, body string, headers map[string]string) (*Response, error) {
	req := request{method: form.Method, url: form.Action.String(), body: body, headers: headers}
	if form.Method == http.MethodGet {
		u := *form.Action
		u.RawQuery = body
		req = request{method: http.MethodGet, url: u.String(), headers: headers}
	}

	res, err := s.do(ctx, req)
	if err != nil {
		s.tel.ReportWarning(report_session_submit, err, form.Name)
		return nil, err
	}
	s.state.FormFields = form.Hidden()
	s.commit(res)
	return res, nil
}

// SubmitForm binds `bindings` onto the named form of the current page and
// submits it through its first submit control. Binding errors are returned
// before anything is sent.
func (s *Session) SubmitForm(ctx context.Context, formName string, bindings ...Binding) (*Response, error) {
	form, err := s.Form(formName)
	if err != nil {
		return nil, err
	}
	err = form.Bind(bindings...)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, form, form.Encode(true), nil)
}

// SynthesizeClick sends what a browser sends when a command link rendered
// outside of the form's controls is activated: the form's default payload
// plus the link's client id.
func (s *Session) SynthesizeClick(ctx context.Context, formName, actionSelector string) (*Response, error) {
	assert.NotEmptyStr(actionSelector)

	form, err := s.Form(formName)
	if err != nil {
		return nil, err
	}
	form.Method = http.MethodPost
	return s.send(ctx, form, form.EncodeWithAction(actionSelector), nil)
}

// PostForm posts an explicit payload to the named form's action.
func (s *Session) PostForm(ctx context.Context, formName string, pairs []pair) (*Response, error) {
	form, err := s.Form(formName)
	if err != nil {
		return nil, err
	}
	form.Method = http.MethodPost
	return s.send(ctx, form, encodePairs(pairs), nil)
}

// PartialUpdate posts an ajax request to the named form's action. The
// response is a markup delta and never becomes the current page.
func (s *Session) PartialUpdate(ctx context.Context, formName string, pairs []pair) (*Response, error) {
	form, err := s.Form(formName)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"Faces-Request":    "partial/ajax",
		"X-Requested-With": "XMLHttpRequest",
		"Accept":           "application/xml, text/xml, */*; q=0.01",
	}
	res, err := s.do(ctx, request{
		method:  http.MethodPost,
		url:     form.Action.String(),
		body:    encodePairs(pairs),
		headers: headers,
	})
	if err != nil {
		s.tel.ReportWarning(report_session_submit, err, formName)
		return nil, err
	}
	return res, nil
}

// adoptViewState records a correlation token delivered by a partial response.
func (s *Session) adoptViewState(token string) {
	s.state.ViewState = token
}

// Fork returns an independent session starting from the current state: its
// own cookie jar, page and token. Only the politeness limiter is shared.
func (s *Session) Fork() (*Session, error) {
	jar, err := s.jar.clone()
	if err != nil {
		s.tel.ReportBroken(report_session_fork, err)
		return nil, err
	}
	fork := &Session{
		opts:       s.opts,
		baseUrl:    s.BaseUrl(),
		jar:        jar,
		limiter:    s.limiter,
		requestIds: s.requestIds,
		tel:        s.tel,
		state:      s.state.clone(),
	}
	fork.http = fork.newHttpClient()
	return fork, nil
}

// recordingJar is a cookie jar that remembers every cookie it was given so
// that it can be replayed into an independent copy.
type recordingJar struct {
	mu      sync.Mutex
	jar     *cookiejar.Jar
	records []cookieRecord
}

type cookieRecord struct {
	url     *url.URL
	cookies []*http.Cookie
}

func newRecordingJar() (*recordingJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &recordingJar{jar: jar}, nil
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	copied := make([]*http.Cookie, len(cookies))
	for i, c := range cookies {
		cc := *c
		copied[i] = &cc
	}
	uc := *u
	j.records = append(j.records, cookieRecord{url: &uc, cookies: copied})
	j.jar.SetCookies(u, cookies)
}

func (j *recordingJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

func (j *recordingJar) clone() (*recordingJar, error) {
	j.mu.Lock()
	records := make([]cookieRecord, len(j.records))
	copy(records, j.records)
	j.mu.Unlock()

	out, err := newRecordingJar()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out.SetCookies(r.url, r.cookies)
	}
	return out, nil
}
