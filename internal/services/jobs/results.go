// -----------------------------------------------------------------------
// Result Service - Push delivery of job progress and terminal results
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
)

type event struct {
	progress *models.ProgressUpdate
	result   *models.JobResult
}

// listener buffers the events of one job for one consumer. Pushes never
// block the broker; the consumer drains in arrival order.
type listener struct {
	mu     sync.Mutex
	events []event
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newListener() *listener {
	return &listener{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (l *listener) push(e event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *listener) pop() (event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return event{}, false
	}
	e := l.events[0]
	l.events = l.events[1:]
	return e, true
}

func (l *listener) close() {
	l.once.Do(func() { close(l.closed) })
}

// ResultService delivers job results and progress over one shared
// subscriber. A job's channels are subscribed when its first listener
// attaches and unsubscribed when its last listener detaches.
type ResultService struct {
	store         interfaces.JobStatusStore
	logger        arbor.ILogger
	subscriber    interfaces.Subscriber
	resultTimeout time.Duration

	mu        sync.Mutex
	listeners map[string]map[*listener]struct{}
	closed    bool
}

// NewResultService creates a result service subscribed through events
func NewResultService(events interfaces.PubSub, store interfaces.JobStatusStore, config *common.JobsConfig, logger arbor.ILogger) *ResultService {
	s := &ResultService{
		store:         store,
		logger:        logger,
		resultTimeout: common.ParseDuration(config.ResultTimeout, 5*time.Minute),
		listeners:     make(map[string]map[*listener]struct{}),
	}
	s.subscriber = events.NewSubscriber(s.dispatch)
	return s
}

// dispatch runs on the publishing goroutine, once per message in publish order
func (s *ResultService) dispatch(channel string, payload []byte) {
	jobID, isResult, ok := parseChannel(channel)
	if !ok {
		return
	}

	var e event
	if isResult {
		var result models.JobResult
		if err := json.Unmarshal(payload, &result); err != nil {
			s.logger.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed result message")
			return
		}
		e.result = &result
	} else {
		var update models.ProgressUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			s.logger.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed progress message")
			return
		}
		e.progress = &update
	}

	s.mu.Lock()
	targets := make([]*listener, 0, len(s.listeners[jobID]))
	for l := range s.listeners[jobID] {
		targets = append(targets, l)
	}
	s.mu.Unlock()

	for _, l := range targets {
		l.push(e)
	}
}

func (s *ResultService) attach(ctx context.Context, jobID string, l *listener) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}

	set, ok := s.listeners[jobID]
	if !ok {
		if err := s.subscriber.Subscribe(ctx, ResultChannel(jobID), ProgressChannel(jobID)); err != nil {
			return fmt.Errorf("failed to subscribe to job %s: %w", jobID, err)
		}
		set = make(map[*listener]struct{})
		s.listeners[jobID] = set
	}
	set[l] = struct{}{}
	return nil
}

func (s *ResultService) detach(jobID string, l *listener) {
	l.close()

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.listeners[jobID]
	if !ok {
		return
	}
	if _, ok := set[l]; !ok {
		return
	}
	delete(set, l)
	if len(set) > 0 {
		return
	}

	delete(s.listeners, jobID)
	if s.closed {
		return
	}
	if err := s.subscriber.Unsubscribe(context.Background(), ResultChannel(jobID), ProgressChannel(jobID)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to unsubscribe job channels")
	}
}

// terminalResult returns the stored terminal result for jobID, if any
func (s *ResultService) terminalResult(ctx context.Context, jobID string) *models.JobResult {
	record, err := s.store.GetStatus(ctx, jobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Status lookup failed, waiting for publish")
		}
		return nil
	}
	if !record.Status.IsTerminal() {
		return nil
	}
	if record.Result != nil {
		return record.Result
	}

	result := &models.JobResult{JobID: jobID, Status: record.Status}
	if record.CompletedAt != nil {
		result.CompletedAt = *record.CompletedAt
	}
	if record.Error != "" {
		result.Error = &models.JobError{Code: "JOB_FAILED", Message: record.Error}
	}
	return result
}

// AwaitResult waits for the job's terminal message. A job that already
// finished resolves immediately from the status store. The listener is
// removed on every return path.
func (s *ResultService) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (*models.JobResult, error) {
	if timeout <= 0 {
		timeout = s.resultTimeout
	}

	l := newListener()
	if err := s.attach(ctx, jobID, l); err != nil {
		return nil, err
	}
	defer s.detach(jobID, l)

	// Subscribed before the lookup, so a result published in between is buffered
	if result := s.terminalResult(ctx, jobID); result != nil {
		return result, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		for e, ok := l.pop(); ok; e, ok = l.pop() {
			if e.result != nil {
				return e.result, nil
			}
		}

		select {
		case <-l.notify:
		case <-l.closed:
			return nil, ErrServiceClosed
		case <-timer.C:
			s.logger.Debug().Str("job_id", jobID).Dur("timeout", timeout).Msg("Result wait timed out")
			return nil, &ResultTimeoutError{JobID: jobID, Timeout: timeout}
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for job %s: %w", jobID, ctx.Err())
		}
	}
}

// StreamProgress opens a progress stream for jobID. The caller must Close it
// unless it was read to the end.
func (s *ResultService) StreamProgress(ctx context.Context, jobID string) (*ProgressStream, error) {
	l := newListener()
	if err := s.attach(ctx, jobID, l); err != nil {
		return nil, err
	}

	stream := &ProgressStream{jobID: jobID, service: s, listener: l}
	if result := s.terminalResult(ctx, jobID); result != nil {
		stream.finish(result)
	}
	return stream, nil
}

// ListenerCount returns the number of attached listeners for jobID
func (s *ResultService) ListenerCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[jobID])
}

// Close detaches every listener and releases the shared subscriber
func (s *ResultService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*listener
	for _, set := range s.listeners {
		for l := range set {
			all = append(all, l)
		}
	}
	s.listeners = make(map[string]map[*listener]struct{})
	s.mu.Unlock()

	for _, l := range all {
		l.close()
	}

	s.logger.Debug().Int("listeners", len(all)).Msg("Result service closed")
	return s.subscriber.Close()
}
