package wemo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Dispatcher defaults.
const (
	DefaultCommandSpacing = 250 * time.Millisecond
	DefaultQueueTimeout   = 9 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

// Result is the outcome of one queued SOAP request.
type Result struct {
	Response Response
	Err      error
}

// QueueOptions configures a per-device command queue.
type QueueOptions struct {
	// Resolve maps a service type to its absolute control URL.
	Resolve func(serviceType string) (string, bool)

	Client  *http.Client
	Spacing time.Duration
	// QueueTimeout bounds one request once it reaches the head of the queue.
	QueueTimeout time.Duration

	// OnSuccess runs after every successful request.
	OnSuccess func()
	// OnFailure runs when a request fails with ErrUnreachable or ErrTimeout.
	OnFailure func(kind error)
}

// QueueStats is a point-in-time view of queue activity.
type QueueStats struct {
	Sent        uint64
	Failed      uint64
	Pending     int
	MaxInFlight int32
}

type job struct {
	ctx     context.Context
	service string
	action  string
	args    Args
	done    chan Result
}

// Queue serialises SOAP requests to one device endpoint. Exactly one
// request is in flight at a time, jobs run in submission order, and
// consecutive requests are separated by at least Spacing.
type Queue struct {
	logSink

	opts QueueOptions

	mu      sync.Mutex
	pending []*job
	signal  chan struct{}
	stopped bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	sent        atomic.Uint64
	failed      atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue creates a queue and starts its worker.
func NewQueue(opts QueueOptions) *Queue {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if opts.Spacing <= 0 {
		opts.Spacing = DefaultCommandSpacing
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}
	q := &Queue{
		opts:   opts,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Send enqueues a request and waits for its result.
func (q *Queue) Send(ctx context.Context, service, action string, args Args) (Response, error) {
	select {
	case res := <-q.Submit(ctx, service, action, args):
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, ctxError(action, ctx.Err())
	}
}

// Submit enqueues a request. The returned channel receives exactly one
// Result.
func (q *Queue) Submit(ctx context.Context, service, action string, args Args) <-chan Result {
	j := &job{
		ctx:     ctx,
		service: service,
		action:  action,
		args:    args,
		done:    make(chan Result, 1),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		j.done <- Result{Err: ErrStopped}
		return j.done
	}
	q.pending = append(q.pending, j)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return j.done
}

// Stop fails pending jobs with ErrStopped and waits for the worker.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		drained := q.pending
		q.pending = nil
		q.mu.Unlock()

		close(q.done)
		for _, j := range drained {
			j.done <- Result{Err: ErrStopped}
		}
	})
	q.wg.Wait()
}

// Stats returns counters for the queue.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return QueueStats{
		Sent:        q.sent.Load(),
		Failed:      q.failed.Load(),
		Pending:     pending,
		MaxInFlight: q.maxInFlight.Load(),
	}
}

func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return j
}

func (q *Queue) run() {
	defer q.wg.Done()

	var last time.Time
	for {
		j := q.next()
		if j == nil {
			select {
			case <-q.done:
				return
			case <-q.signal:
				continue
			}
		}

		if wait := q.opts.Spacing - time.Since(last); !last.IsZero() && wait > 0 {
			select {
			case <-q.done:
				j.done <- Result{Err: ErrStopped}
				return
			case <-time.After(wait):
			}
		}

		j.done <- q.execute(j)
		last = time.Now()
	}
}

// ctxError maps a finished caller context to the error returned for action.
// Only an expired deadline counts as a timeout; cancellation passes through.
func ctxError(action string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

func (q *Queue) execute(j *job) Result {
	if err := j.ctx.Err(); err != nil {
		return Result{Err: ctxError(j.action, err)}
	}

	// The slot deadline bounds how long this request may hold the queue.
	ctx, cancel := context.WithTimeout(j.ctx, q.opts.QueueTimeout)
	defer cancel()

	n := q.inFlight.Add(1)
	for {
		maxSeen := q.maxInFlight.Load()
		if n <= maxSeen || q.maxInFlight.CompareAndSwap(maxSeen, n) {
			break
		}
	}
	defer q.inFlight.Add(-1)

	resp, err := q.roundTrip(ctx, j)
	if err != nil && isResetOrEOF(err) && ctx.Err() == nil {
		q.logDebug("retrying after connection reset", "action", j.action)
		resp, err = q.roundTrip(ctx, j)
	}

	q.sent.Add(1)
	if err == nil {
		q.notifySuccess()
		return Result{Response: resp}
	}

	q.failed.Add(1)
	switch {
	case j.ctx.Err() != nil && errors.Is(j.ctx.Err(), context.Canceled):
		// Caller gave up; says nothing about the device.
		err = ctxError(j.action, j.ctx.Err())
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrNoService):
		// Logged and surfaced only.
	case errors.Is(err, ErrUnreachable):
		q.notifyFailure(ErrUnreachable)
	case errors.Is(err, ErrTimeout):
		q.notifyFailure(ErrTimeout)
	}
	return Result{Err: err}
}

func (q *Queue) notifySuccess() {
	if q.opts.OnSuccess != nil {
		q.opts.OnSuccess()
	}
}

func (q *Queue) notifyFailure(kind error) {
	if q.opts.OnFailure != nil {
		q.opts.OnFailure(kind)
	}
}

func (q *Queue) roundTrip(ctx context.Context, j *job) (Response, error) {
	if q.opts.Resolve == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoService, j.service)
	}
	controlURL, ok := q.opts.Resolve(j.service)
	if !ok || controlURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoService, j.service)
	}

	body, err := BuildEnvelope(j.service, j.action, j.args)
	if err != nil {
		return nil, fmt.Errorf("%w: building %s: %w", ErrProtocol, j.action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, j.action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header["SOAPACTION"] = []string{SOAPActionHeader(j.service, j.action)}

	resp, err := q.opts.Client.Do(req)
	if err != nil {
		return nil, classify(j.action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(j.action, err)
	}

	// Faults come back as 500 with a Fault body; ParseResponse reports them.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrProtocol, j.action, resp.StatusCode)
	}
	return ParseResponse(j.action, data)
}

// classify maps transport errors onto ErrTimeout or ErrUnreachable.
func classify(action string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, action, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, action, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnreachable, action, err)
}

func isResetOrEOF(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.HasSuffix(msg, "EOF")
}
