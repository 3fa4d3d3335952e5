// Package webhook runs the bot behind an HTTP endpoint. A Coordinator owns a
// single worker goroutine that performs every bot client call in submission
// order; HTTP handlers only submit work and wait on it with timeouts.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"
)

var (
	// ErrStarting is returned while the bot client is not ready for events.
	ErrStarting = errors.New("bot client is starting")
	// ErrQueueFull is returned when an event cannot be admitted without blocking.
	ErrQueueFull = errors.New("event queue is full")
	// ErrUpstreamTimeout is returned when Telegram did not answer in time.
	ErrUpstreamTimeout = errors.New("telegram did not respond in time")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator is closed")
)

const (
	defaultQueueSize       = 256
	defaultStartTimeout    = 30 * time.Second
	defaultRegisterTimeout = 20 * time.Second
	defaultInfoTimeout     = 10 * time.Second
	maskedValue            = "***"
)

// Client is the bot client driven by the coordinator. All methods are called
// from the worker goroutine only.
type Client interface {
	// Init fetches the bot identity.
	Init(ctx context.Context) error
	// Start registers handlers and the command menu.
	Start(ctx context.Context) error
	RegisterWebhook(ctx context.Context, url, secretToken string) error
	WebhookInfo(ctx context.Context) (*WebhookInfo, error)
	ProcessUpdate(update telebot.Update)
	Username() string
}

// ClientFactory builds a fresh client for each start attempt.
type ClientFactory func() (Client, error)

// WebhookInfo is the registration state Telegram reports.
type WebhookInfo struct {
	URL                string `json:"url"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorDate      int64  `json:"last_error_date,omitempty"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

// RegistrationError describes a failed setWebhook call.
type RegistrationError struct {
	URL      string
	Err      error
	timedOut bool
}

func (e *RegistrationError) Error() string {
	if e.timedOut {
		return fmt.Sprintf("webhook registration for %s timed out: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("webhook registration for %s failed: %v", e.URL, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the registration ran out of time.
func (e *RegistrationError) Timeout() bool {
	return e.timedOut
}

// RegistrationStatus is the outcome of a registration request.
type RegistrationStatus string

const (
	StatusSuccess RegistrationStatus = "success"
	// StatusStarted means this request launched a registration that is still running.
	StatusStarted RegistrationStatus = "started"
	// StatusRunning means an earlier request's registration is still running.
	StatusRunning RegistrationStatus = "running"
	StatusError   RegistrationStatus = "error"
)

// Status is a snapshot of the coordinator state.
type Status struct {
	Bot               string `json:"bot,omitempty"`
	ClientStarted     bool   `json:"client_started"`
	WebhookRegistered bool   `json:"webhook_registered"`
	LastStartError    string `json:"last_start_error,omitempty"`
	LastRegisterError string `json:"last_register_error,omitempty"`
	QueueLength       int    `json:"queue_length"`
}

// Options configures a Coordinator.
type Options struct {
	NewClient   ClientFactory
	WebhookURL  string
	SecretToken string
	// Token is masked wherever URLs are reported.
	Token string

	QueueSize int
	// StartWait bounds how long an event waits for the client to start.
	// Zero means events never wait.
	StartWait       time.Duration
	StartTimeout    time.Duration
	RegisterTimeout time.Duration
	InfoTimeout     time.Duration
}

// call is an in-flight operation that concurrent callers can join.
type call struct {
	done chan struct{}
	err  error
}

func newCall() *call {
	return &call{done: make(chan struct{})}
}

// Coordinator serializes bot client work onto one worker goroutine.
type Coordinator struct {
	opts Options

	execOnce  sync.Once
	closeOnce sync.Once
	jobs      chan func()
	quit      chan struct{}
	wg        sync.WaitGroup

	startMu      sync.Mutex
	client       Client
	started      bool
	startCall    *call
	lastStartErr error

	regMu      sync.Mutex
	registered bool
	regCall    *call
	lastRegErr error
}

// NewCoordinator creates a coordinator. No goroutine runs until the first
// operation needs one.
func NewCoordinator(opts Options) *Coordinator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = defaultRegisterTimeout
	}
	if opts.InfoTimeout <= 0 {
		opts.InfoTimeout = defaultInfoTimeout
	}
	return &Coordinator{
		opts: opts,
		jobs: make(chan func(), opts.QueueSize),
		quit: make(chan struct{}),
	}
}

// EnsureExecutionContext starts the worker once.
func (c *Coordinator) EnsureExecutionContext() {
	c.execOnce.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case job := <-c.jobs:
			c.runJob(job)
		}
	}
}

func (c *Coordinator) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Webhook worker job panicked: %v", r)
		}
	}()
	job()
}

// do runs fn on the worker and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	c.EnsureExecutionContext()

	done := make(chan error, 1)
	job := func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			done <- err
		}()
		err = fn()
	}

	select {
	case c.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}
}

// EnsureClientStarted builds, initializes and starts the bot client on the
// worker. Concurrent callers share one attempt; a failed attempt is recorded
// and the next call retries.
func (c *Coordinator) EnsureClientStarted(ctx context.Context) error {
	c.startMu.Lock()
	if c.started {
		c.startMu.Unlock()
		return nil
	}
	cl := c.startCall
	if cl == nil {
		cl = newCall()
		c.startCall = cl
		go c.runStart(cl)
	}
	c.startMu.Unlock()

	select {
	case <-cl.done:
		return cl.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) runStart(cl *call) {
	var client Client
	err := c.do(context.Background(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StartTimeout)
		defer cancel()

		built, err := c.opts.NewClient()
		if err != nil {
			return fmt.Errorf("failed to build bot client: %w", err)
		}
		if err := built.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize bot client: %w", err)
		}
		if err := built.Start(ctx); err != nil {
			return fmt.Errorf("failed to start bot client: %w", err)
		}
		client = built
		return nil
	})

	c.startMu.Lock()
	if err == nil {
		c.client = client
		c.started = true
		log.Infof("Bot client started as @%s", client.Username())
	} else {
		log.Errorf("Bot client start failed: %v", err)
	}
	c.lastStartErr = err
	c.startCall = nil
	c.startMu.Unlock()

	cl.err = err
	close(cl.done)
}

// LastStartError returns the error of the most recent start attempt.
func (c *Coordinator) LastStartError() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	return c.lastStartErr
}

func (c *Coordinator) startedClient() (Client, bool) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	return c.client, c.started
}

// awaitStart waits up to StartWait for the client. With no wait configured it
// only kicks off a start attempt.
func (c *Coordinator) awaitStart(ctx context.Context) (Client, error) {
	if client, ok := c.startedClient(); ok {
		return client, nil
	}

	if c.opts.StartWait <= 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.StartTimeout)
			defer cancel()
			_ = c.EnsureClientStarted(ctx)
		}()
		return nil, ErrStarting
	}

	wctx, cancel := context.WithTimeout(ctx, c.opts.StartWait)
	defer cancel()
	if err := c.EnsureClientStarted(wctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStarting, err)
	}
	client, _ := c.startedClient()
	return client, nil
}

// RegisterWebhook declares the webhook URL to Telegram, starting the client
// first if needed. Without force an existing registration is reused. While a
// registration is in flight, callers join it. When ctx expires first the
// registration keeps running and StatusStarted or StatusRunning is returned.
func (c *Coordinator) RegisterWebhook(ctx context.Context, force bool) (RegistrationStatus, error) {
	c.regMu.Lock()
	if c.registered && !force {
		c.regMu.Unlock()
		return StatusSuccess, nil
	}
	cl := c.regCall
	joined := cl != nil
	if !joined {
		cl = newCall()
		c.regCall = cl
		c.registered = false
		go c.runRegistration(cl)
	}
	c.regMu.Unlock()

	select {
	case <-cl.done:
		if cl.err != nil {
			return StatusError, cl.err
		}
		return StatusSuccess, nil
	case <-ctx.Done():
		if joined {
			return StatusRunning, nil
		}
		return StatusStarted, nil
	}
}

// EnsureWebhookRegistered registers the webhook and waits for the outcome.
func (c *Coordinator) EnsureWebhookRegistered(ctx context.Context, force bool) error {
	status, err := c.RegisterWebhook(ctx, force)
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		return ctx.Err()
	}
	return nil
}

func (c *Coordinator) runRegistration(cl *call) {
	url := c.MaskedWebhookURL()

	startCtx, cancel := context.WithTimeout(context.Background(), c.opts.StartTimeout)
	err := c.EnsureClientStarted(startCtx)
	cancel()
	if err != nil {
		err = &RegistrationError{URL: url, Err: fmt.Errorf("client not started: %w", err)}
	} else {
		err = c.do(context.Background(), func() error {
			client, _ := c.startedClient()
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.RegisterTimeout)
			defer cancel()

			if err := client.RegisterWebhook(ctx, c.opts.WebhookURL, c.opts.SecretToken); err != nil {
				return &RegistrationError{
					URL:      url,
					Err:      err,
					timedOut: errors.Is(err, context.DeadlineExceeded),
				}
			}
			return nil
		})
	}

	c.regMu.Lock()
	if err == nil {
		c.registered = true
		log.Infof("Webhook registered at %s", url)
	} else {
		log.Errorf("Webhook registration failed: %v", err)
	}
	c.lastRegErr = err
	c.regCall = nil
	c.regMu.Unlock()

	cl.err = err
	close(cl.done)
}

// SubmitEvent admits an update for processing. It waits a bounded time for
// the client to start and never blocks on a full queue. Processing errors are
// logged, not returned.
func (c *Coordinator) SubmitEvent(ctx context.Context, update telebot.Update) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	client, err := c.awaitStart(ctx)
	if err != nil {
		return err
	}

	traceID := uuid.NewString()
	job := func() {
		c.process(client, traceID, update)
	}

	c.EnsureExecutionContext()
	select {
	case c.jobs <- job:
		log.WithFields(log.Fields{"trace_id": traceID, "update_id": update.ID}).Debug("Update queued")
		return nil
	default:
		log.WithField("update_id", update.ID).Warn("Dropping update: queue is full")
		return ErrQueueFull
	}
}

func (c *Coordinator) process(client Client, traceID string, update telebot.Update) {
	entry := log.WithFields(log.Fields{"trace_id": traceID, "update_id": update.ID})
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("Update processing panicked: %v", r)
		}
	}()

	started := time.Now()
	client.ProcessUpdate(update)
	entry.Debugf("Update processed in %s", time.Since(started))
}

// WebhookInfo asks Telegram for the current registration, with the secret
// parts of the URL masked.
func (c *Coordinator) WebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	client, err := c.awaitStart(ctx)
	if err != nil {
		return nil, err
	}

	var info *WebhookInfo
	tctx, cancel := context.WithTimeout(ctx, c.opts.InfoTimeout)
	defer cancel()
	err = c.do(tctx, func() error {
		var err error
		info, err = client.WebhookInfo(tctx)
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrUpstreamTimeout
		}
		return nil, err
	}

	masked := *info
	masked.URL = c.mask(masked.URL)
	return &masked, nil
}

// Status returns a snapshot for health reporting.
func (c *Coordinator) Status() Status {
	var s Status

	c.startMu.Lock()
	s.ClientStarted = c.started
	if c.client != nil {
		s.Bot = c.client.Username()
	}
	if c.lastStartErr != nil {
		s.LastStartError = c.lastStartErr.Error()
	}
	c.startMu.Unlock()

	c.regMu.Lock()
	s.WebhookRegistered = c.registered
	if c.lastRegErr != nil {
		s.LastRegisterError = c.lastRegErr.Error()
	}
	c.regMu.Unlock()

	s.QueueLength = len(c.jobs)
	return s
}

// MaskedWebhookURL returns the configured webhook URL safe for display.
func (c *Coordinator) MaskedWebhookURL() string {
	return c.mask(c.opts.WebhookURL)
}

func (c *Coordinator) mask(s string) string {
	for _, secret := range []string{c.opts.Token, c.opts.SecretToken} {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, maskedValue)
		}
	}
	return s
}

// Close stops the worker. Queued events are dropped.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
	c.wg.Wait()
}
