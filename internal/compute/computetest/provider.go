// Package computetest provides a scriptable in-memory compute provider for tests.
package computetest

import (
	"context"
	"sync"
	"time"

	"container-job-runner/internal/models"
)

// Reply is one scripted answer to a status query.
type Reply struct {
	Status models.JobStatus
	Err    error
}

// Provider records calls and replays scripted statuses; the last reply repeats.
type Provider struct {
	mu sync.Mutex

	CreateErr   error
	CreateDelay time.Duration
	Replies     []Reply
	LogText     string
	LogErr      error
	DeleteErr   error
	DeleteDelay time.Duration

	Created     []models.JobSpec
	Deleted     []string
	StatusCalls int
	LogCalls    int
	LastLogTail int
	deleteCalls int
	createCalls int
	replyCursor int
}

// Terminal is a convenience reply for a finished job.
func Terminal(state string, exit int) Reply {
	return Reply{Status: models.JobStatus{State: state, ExitCode: models.IntPtr(exit)}}
}

// Running is a convenience reply for a job still in progress.
func Running() Reply {
	return Reply{Status: models.JobStatus{State: models.StateRunning}}
}

// Create waits CreateDelay, like a provisioning poller, unless ctx ends first.
func (p *Provider) Create(ctx context.Context, spec models.JobSpec) error {
	p.mu.Lock()
	p.createCalls++
	delay := p.CreateDelay
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return p.CreateErr
	}
	p.Created = append(p.Created, spec)
	return nil
}

func (p *Provider) Status(_ context.Context, _ string) (models.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StatusCalls++
	if len(p.Replies) == 0 {
		return models.JobStatus{State: models.StateRunning}, nil
	}
	r := p.Replies[p.replyCursor]
	if p.replyCursor < len(p.Replies)-1 {
		p.replyCursor++
	}
	if r.Err != nil {
		return models.JobStatus{State: models.StateUnknown}, r.Err
	}
	return r.Status, nil
}

func (p *Provider) Logs(ctx context.Context, _ string, tail int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LogCalls++
	p.LastLogTail = tail
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.LogErr != nil {
		return "", p.LogErr
	}
	return p.LogText, nil
}

// Delete honors ctx so DeleteDelay can simulate a slow provider.
func (p *Provider) Delete(ctx context.Context, name string) error {
	p.mu.Lock()
	p.deleteCalls++
	p.Deleted = append(p.Deleted, name)
	delay, err := p.DeleteDelay, p.DeleteErr
	p.mu.Unlock()

	if werr := wait(ctx, delay); werr != nil {
		return werr
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// CreateCalls counts Create invocations, including failed ones.
func (p *Provider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

// DeleteCalls counts Delete invocations.
func (p *Provider) DeleteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteCalls
}

// RemoteCalls counts every call that would reach the provider.
func (p *Provider) RemoteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls + p.StatusCalls + p.LogCalls + p.deleteCalls
}
