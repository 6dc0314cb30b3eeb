package jobs

import (
	"context"
	"io"
	"sync"

	"github.com/ternarybob/hearth/internal/models"
)

// ProgressStream yields a job's progress updates in publish order and ends
// with io.EOF after the terminal message. Updates buffered before the
// terminal message are always returned first. There is no implicit timeout.
type ProgressStream struct {
	jobID    string
	service  *ResultService
	listener *listener

	mu     sync.Mutex
	result *models.JobResult
	done   bool
	once   sync.Once
}

// JobID returns the streamed job
func (p *ProgressStream) JobID() string {
	return p.jobID
}

// Next blocks until the next progress update. It returns io.EOF once the
// terminal message has been consumed and ErrStreamClosed after Close.
func (p *ProgressStream) Next(ctx context.Context) (*models.ProgressUpdate, error) {
	for {
		p.mu.Lock()
		done := p.done
		p.mu.Unlock()
		if done {
			return nil, io.EOF
		}

		if e, ok := p.listener.pop(); ok {
			if e.progress != nil {
				return e.progress, nil
			}
			p.finish(e.result)
			return nil, io.EOF
		}

		select {
		case <-p.listener.notify:
		case <-p.listener.closed:
			// Drain anything that arrived before the close
			if _, ok := p.peek(); ok {
				continue
			}
			return nil, ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *ProgressStream) peek() (event, bool) {
	p.listener.mu.Lock()
	defer p.listener.mu.Unlock()
	if len(p.listener.events) == 0 {
		return event{}, false
	}
	return p.listener.events[0], true
}

// Result returns the terminal message once the stream has ended
func (p *ProgressStream) Result() *models.JobResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// finish records the terminal result and detaches from the service
func (p *ProgressStream) finish(result *models.JobResult) {
	p.mu.Lock()
	p.result = result
	p.done = true
	p.mu.Unlock()
	p.Close()
}

// Close detaches the stream; it is safe to call more than once
func (p *ProgressStream) Close() {
	p.once.Do(func() {
		p.service.detach(p.jobID, p.listener)
	})
}
