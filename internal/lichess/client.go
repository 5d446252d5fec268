package lichess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL    = "https://lichess.org"
	defaultReqTimeout = 15 * time.Second
	ratePenalty       = 60 * time.Second
)

// DeclineReason is the server-side vocabulary for declining a challenge.
type DeclineReason string

const (
	DeclineGeneric     DeclineReason = "generic"
	DeclineLater       DeclineReason = "later"
	DeclineTooFast     DeclineReason = "tooFast"
	DeclineTooSlow     DeclineReason = "tooSlow"
	DeclineTimeControl DeclineReason = "timeControl"
	DeclineRated       DeclineReason = "rated"
	DeclineCasual      DeclineReason = "casual"
	DeclineStandard    DeclineReason = "standard"
	DeclineVariant     DeclineReason = "variant"
	DeclineNoBot       DeclineReason = "noBot"
	DeclineOnlyBot     DeclineReason = "onlyBot"
)

// ParseDeclineReason maps a reason string onto the documented
// enumeration, degrading anything unknown to generic.
func ParseDeclineReason(s string) DeclineReason {
	switch r := DeclineReason(s); r {
	case DeclineGeneric, DeclineLater, DeclineTooFast, DeclineTooSlow,
		DeclineTimeControl, DeclineRated, DeclineCasual, DeclineStandard,
		DeclineVariant, DeclineNoBot, DeclineOnlyBot:
		return r
	}
	return DeclineGeneric
}

// endpointClass buckets endpoints for rate accounting, so a 429 on one
// class does not stall traffic to the others.
type endpointClass int

const (
	classAccount endpointClass = iota
	classEvent
	classGame
	classChallenge
	classChat
)

func (c endpointClass) String() string {
	switch c {
	case classAccount:
		return "account"
	case classEvent:
		return "event"
	case classGame:
		return "game"
	case classChallenge:
		return "challenge"
	case classChat:
		return "chat"
	}
	return "unknown"
}

// RetryPolicy controls backoff between attempts of a failed call.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultRetryPolicy matches the documented bot behaviour: 1s doubling
// to a 60s ceiling, at most 8 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Cap:         60 * time.Second,
		Factor:      2,
		MaxAttempts: 8,
	}
}

// Backoff returns the jittered delay before the given retry. attempt is
// zero-based: Backoff(0) precedes the second try.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	// Spread delays by ±25% so parallel workers do not retry in step.
	d *= 0.75 + rand.Float64()*0.5
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	return time.Duration(d)
}

// Client talks to the lichess bot API. All methods are safe for
// concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
	retry      RetryPolicy

	mu      sync.Mutex
	budgets map[endpointClass]time.Time // class blocked until
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL points the client at a different server, e.g. a test
// fixture.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithLogger sets the logger for request tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryPolicy replaces the default backoff schedule.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// NewClient creates a client authenticating with the given personal API
// token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
		retry:      DefaultRetryPolicy(),
		budgets:    make(map[endpointClass]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account is the authenticated user's profile.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

// IsBot reports whether the account holds the BOT title.
func (a Account) IsBot() bool { return a.Title == "BOT" }

// Account fetches the authenticated user's profile.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	body, err := c.do(ctx, classAccount, true, http.MethodGet, "/api/account", nil)
	if err != nil {
		return nil, err
	}
	var acct Account
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	return &acct, nil
}

// UpgradeToBot converts the account to a bot account. Irreversible, and
// rejected by the server once the account has played games.
func (c *Client) UpgradeToBot(ctx context.Context) error {
	_, err := c.do(ctx, classAccount, false, http.MethodPost, "/api/bot/account/upgrade", nil)
	return err
}

// AcceptChallenge accepts the challenge with the given id.
func (c *Client) AcceptChallenge(ctx context.Context, challengeID string) error {
	path := fmt.Sprintf("/api/challenge/%s/accept", challengeID)
	_, err := c.do(ctx, classChallenge, false, http.MethodPost, path, nil)
	return err
}

// DeclineChallenge declines the challenge with the given id, citing
// reason.
func (c *Client) DeclineChallenge(ctx context.Context, challengeID string, reason DeclineReason) error {
	path := fmt.Sprintf("/api/challenge/%s/decline", challengeID)
	form := url.Values{}
	form.Set("reason", string(reason))
	_, err := c.do(ctx, classChallenge, false, http.MethodPost, path, form)
	return err
}

// ChallengeRequest describes an outgoing challenge. Clock values are
// seconds.
type ChallengeRequest struct {
	Rated          bool
	ClockLimit     int
	ClockIncrement int
	Color          string
	Variant        string
}

// CreateChallenge challenges the named user and returns the challenge id.
func (c *Client) CreateChallenge(ctx context.Context, username string, req ChallengeRequest) (string, error) {
	path := fmt.Sprintf("/api/challenge/%s", username)
	form := url.Values{}
	form.Set("rated", strconv.FormatBool(req.Rated))
	form.Set("clock.limit", strconv.Itoa(req.ClockLimit))
	form.Set("clock.increment", strconv.Itoa(req.ClockIncrement))
	if req.Color != "" {
		form.Set("color", req.Color)
	}
	if req.Variant != "" {
		form.Set("variant", req.Variant)
	}
	body, err := c.do(ctx, classChallenge, false, http.MethodPost, path, form)
	if err != nil {
		return "", err
	}
	// Older servers wrap the challenge object, newer ones return it bare.
	var resp struct {
		ID        string `json:"id"`
		Challenge *struct {
			ID string `json:"id"`
		} `json:"challenge"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding challenge response: %w", err)
	}
	if resp.Challenge != nil && resp.Challenge.ID != "" {
		return resp.Challenge.ID, nil
	}
	return resp.ID, nil
}

// CancelChallenge withdraws an outgoing challenge that has not been
// accepted yet.
func (c *Client) CancelChallenge(ctx context.Context, challengeID string) error {
	path := fmt.Sprintf("/api/challenge/%s/cancel", challengeID)
	_, err := c.do(ctx, classChallenge, false, http.MethodPost, path, nil)
	return err
}

// MakeMove plays a move in UCI notation, optionally offering a draw with
// it.
func (c *Client) MakeMove(ctx context.Context, gameID, move string, offerDraw bool) error {
	path := fmt.Sprintf("/api/bot/game/%s/move/%s", gameID, move)
	if offerDraw {
		path += "?offeringDraw=true"
	}
	_, err := c.do(ctx, classGame, false, http.MethodPost, path, nil)
	return err
}

// SendChat posts a message to the given room ("player" or "spectator").
func (c *Client) SendChat(ctx context.Context, gameID, room, text string) error {
	path := fmt.Sprintf("/api/bot/game/%s/chat", gameID)
	form := url.Values{}
	form.Set("room", room)
	form.Set("text", text)
	_, err := c.do(ctx, classChat, false, http.MethodPost, path, form)
	return err
}

// Resign resigns the game.
func (c *Client) Resign(ctx context.Context, gameID string) error {
	path := fmt.Sprintf("/api/bot/game/%s/resign", gameID)
	_, err := c.do(ctx, classGame, false, http.MethodPost, path, nil)
	return err
}

// HandleDraw answers the opponent's draw offer.
func (c *Client) HandleDraw(ctx context.Context, gameID string, accept bool) error {
	path := fmt.Sprintf("/api/bot/game/%s/draw/%s", gameID, yesNo(accept))
	_, err := c.do(ctx, classGame, false, http.MethodPost, path, nil)
	return err
}

// HandleTakeback answers the opponent's takeback request.
func (c *Client) HandleTakeback(ctx context.Context, gameID string, accept bool) error {
	path := fmt.Sprintf("/api/bot/game/%s/takeback/%s", gameID, yesNo(accept))
	_, err := c.do(ctx, classGame, false, http.MethodPost, path, nil)
	return err
}

// ClaimVictory claims the win after the opponent abandoned the game.
// Only valid once the server's claim window has passed.
func (c *Client) ClaimVictory(ctx context.Context, gameID string) error {
	path := fmt.Sprintf("/api/bot/game/%s/claim-victory", gameID)
	_, err := c.do(ctx, classGame, false, http.MethodPost, path, nil)
	return err
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// Abort aborts a game that has not really started yet.
func (c *Client) Abort(ctx context.Context, gameID string) error {
	path := fmt.Sprintf("/api/bot/game/%s/abort", gameID)
	_, err := c.do(ctx, classGame, false, http.MethodPost, path, nil)
	return err
}

// UserStatus is the online/playing snapshot for one user.
type UserStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Online  bool   `json:"online"`
	Playing bool   `json:"playing"`
}

// UsersStatus reports whether the named users are online and playing.
func (c *Client) UsersStatus(ctx context.Context, ids []string) ([]UserStatus, error) {
	path := "/api/users/status?ids=" + url.QueryEscape(strings.Join(ids, ","))
	body, err := c.do(ctx, classAccount, true, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var statuses []UserStatus
	if err := json.Unmarshal(body, &statuses); err != nil {
		return nil, fmt.Errorf("decoding user statuses: %w", err)
	}
	return statuses, nil
}

// do issues one API call with retries and rate accounting, and returns
// the response body.
func (c *Client) do(ctx context.Context, class endpointClass, idempotent bool, method, path string, form url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retry.Backoff(attempt - 1)
			c.logger.Debug().
				Str("endpoint", path).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("retrying request")
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, &APIError{Kind: KindCancelled, Endpoint: path, Err: err}
			}
		}
		if err := c.awaitBudget(ctx, class); err != nil {
			return nil, &APIError{Kind: KindCancelled, Endpoint: path, Err: err}
		}

		body, err := c.attempt(ctx, method, path, form)
		if err == nil {
			return body, nil
		}
		lastErr = err

		apiErr, ok := err.(*APIError)
		if !ok {
			return nil, err
		}
		if apiErr.Kind == KindRateLimited {
			c.penalize(class, apiErr.RetryAfter)
		}
		if apiErr.Kind == KindCancelled || !retryable(apiErr.Kind, idempotent) {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs a single HTTP exchange.
func (c *Client) attempt(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	reqCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, defaultReqTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Endpoint: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &APIError{Kind: KindCancelled, Endpoint: path, Err: ctx.Err()}
		}
		return nil, &APIError{Kind: KindTransport, Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Endpoint: path, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := &APIError{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Endpoint:   path,
	}
	if apiErr.Kind == KindRateLimited {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	c.logger.Debug().
		Str("endpoint", path).
		Int("status", resp.StatusCode).
		Str("body", truncateBody(body)).
		Msg("request failed")
	return nil, apiErr
}

// awaitBudget blocks until the endpoint class is allowed to send again.
func (c *Client) awaitBudget(ctx context.Context, class endpointClass) error {
	c.mu.Lock()
	wait := time.Until(c.budgets[class])
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	c.logger.Warn().
		Str("class", class.String()).
		Dur("wait", wait).
		Msg("rate budget exhausted, waiting")
	return sleepCtx(ctx, wait)
}

// penalize blocks an endpoint class after a 429.
func (c *Client) penalize(class endpointClass, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = ratePenalty
	}
	until := time.Now().Add(retryAfter)
	c.mu.Lock()
	if until.After(c.budgets[class]) {
		c.budgets[class] = until
	}
	c.mu.Unlock()
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
