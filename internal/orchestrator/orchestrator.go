package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"container-job-runner/internal/compute"
	"container-job-runner/internal/config"
	"container-job-runner/internal/models"
	"container-job-runner/internal/telemetry"
)

// Failure classes carried in JobResult.Err.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrSubmission     = errors.New("job submission failed")
	ErrPollingTimeout = errors.New("job did not reach a terminal state")
	ErrCancelled      = errors.New("run cancelled")
)

// LogsUnavailablePrefix starts the placeholder stored when logs cannot be fetched.
const LogsUnavailablePrefix = "Logs unavailable: "

// Recorder persists run history. Failures are logged and never affect the run.
type Recorder interface {
	RunStarted(ctx context.Context, spec models.JobSpec) error
	AppendEvent(ctx context.Context, name, event, detail string) error
	RunFinished(ctx context.Context, result models.JobResult) error
}

// Tracker registers live remote jobs so a sweeper can remove orphans. The
// deadline is when an entry still present is treated as abandoned.
type Tracker interface {
	Track(ctx context.Context, name string, deadline time.Time) error
	Extend(ctx context.Context, name string, deadline time.Time) error
	Forget(ctx context.Context, name string) error
}

// RunRequest carries caller details that are logged but do not shape the job.
type RunRequest struct {
	Caller string
	Tenant string
}

// Orchestrator drives one job from submission through cleanup.
type Orchestrator struct {
	cfg      config.Config
	provider compute.Provider
	recorder Recorder
	tracker  Tracker
	logger   *slog.Logger
	newName  func() string
	now      func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder enables run history.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTracker enables in-flight registration.
func WithTracker(t Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithNameFunc overrides job name generation.
func WithNameFunc(fn func() string) Option {
	return func(o *Orchestrator) { o.newName = fn }
}

// New builds an orchestrator. provider may be nil when configuration is incomplete;
// Run rejects such requests before any remote call.
func New(cfg config.Config, provider compute.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		provider: provider,
		logger:   slog.Default(),
		newName:  NewJobName,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Run executes one job end to end. It never returns without having attempted to
// delete the remote job it created; the outcome is always expressed in the result.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) models.JobResult {
	if err := o.cfg.ValidateRun(); err != nil {
		o.logger.Error("run rejected", "error", err)
		telemetry.RunOutcomes.WithLabelValues("config_error").Inc()
		return models.JobResult{Message: err.Error(), Err: fmt.Errorf("%w: %w", ErrConfiguration, err)}
	}
	if o.provider == nil {
		err := errors.New("compute provider is not initialised")
		o.logger.Error("run rejected", "error", err)
		telemetry.RunOutcomes.WithLabelValues("config_error").Inc()
		return models.JobResult{Message: err.Error(), Err: fmt.Errorf("%w: %w", ErrConfiguration, err)}
	}

	spec := o.jobSpec()
	log := o.logger.With("job", spec.Name)
	started := o.now()
	detached := context.WithoutCancel(ctx)

	telemetry.RunsStarted.Inc()
	log.Info("run started", "caller", req.Caller, "tenant", req.Tenant, "image", spec.Image)
	if o.recorder != nil {
		if err := o.recorder.RunStarted(detached, spec); err != nil {
			log.Warn("record run start failed", "error", err)
		}
	}
	if o.tracker != nil {
		deadline := started.Add(o.cfg.SubmitTimeout + o.cfg.ActiveBudget() + o.cfg.SweepGrace)
		if err := o.tracker.Track(detached, spec.Name, deadline); err != nil {
			log.Warn("track job failed", "error", err)
		}
	}

	result := o.execute(ctx, detached, spec, log)
	result.JobName = spec.Name

	if warning := o.cleanup(detached, spec.Name, log); warning != "" {
		result.Warnings = append(result.Warnings, warning)
	}

	result.Success = result.Err == nil && models.IsTerminal(result.State) &&
		result.ExitCode != nil && *result.ExitCode == 0
	if !result.Success && result.Err == nil && result.Message == "" {
		if result.ExitCode == nil {
			result.Message = fmt.Sprintf("job reached state %s without an exit code", result.State)
		} else {
			result.Message = fmt.Sprintf("job reached state %s with exit code %d", result.State, *result.ExitCode)
		}
	}

	telemetry.RunOutcomes.WithLabelValues(outcome(result)).Inc()
	telemetry.RunDuration.Observe(o.now().Sub(started).Seconds())
	log.Info("run finished", "success", result.Success, "state", result.State, "exit_code", result.ExitCode)
	if o.recorder != nil {
		if err := o.recorder.RunFinished(detached, result); err != nil {
			log.Warn("record run result failed", "error", err)
		}
	}
	return result
}

func (o *Orchestrator) jobSpec() models.JobSpec {
	env := make(map[string]string, len(o.cfg.JobEnv)+1)
	for k, v := range o.cfg.JobEnv {
		env[k] = v
	}
	name := o.newName()
	env["JOB_NAME"] = name
	return models.JobSpec{
		Name:       name,
		Image:      o.cfg.Image,
		Registry:   o.cfg.RegistryServer,
		IdentityID: o.cfg.IdentityID,
		CPU:        o.cfg.JobCPU,
		MemoryGB:   o.cfg.JobMemoryGB,
		Env:        env,
	}
}

func (o *Orchestrator) execute(ctx, detached context.Context, spec models.JobSpec, log *slog.Logger) models.JobResult {
	if err := o.submit(ctx, spec); err != nil {
		log.Error("job submission failed", "error", err)
		o.event(ctx, spec.Name, "submission_failed", err.Error(), log)
		return models.JobResult{
			State:   models.StateFailed,
			Message: "failed to create job: " + err.Error(),
			Err:     fmt.Errorf("%w: %w", ErrSubmission, err),
		}
	}
	log.Info("job submitted", "cpu", spec.CPU, "memory_gb", spec.MemoryGB)
	o.event(ctx, spec.Name, "submitted", spec.Image, log)
	o.extend(detached, spec.Name, log)

	status, err := o.poll(ctx, spec.Name, log)
	result := models.JobResult{State: status.State, ExitCode: status.ExitCode}
	if err != nil {
		result.State = models.StateUnknown
		result.ExitCode = nil
		result.Message = err.Error()
		result.Err = err
		log.Error("job did not finish", "error", err)
		o.event(ctx, spec.Name, "poll_aborted", err.Error(), log)
	} else {
		o.event(ctx, spec.Name, "terminal", status.State, log)
	}

	result.Logs = o.collectLogs(detached, spec.Name, log)
	return result
}

func (o *Orchestrator) submit(ctx context.Context, spec models.JobSpec) error {
	sctx, cancel := withTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()
	return o.provider.Create(sctx, spec)
}

// extend restarts the orphan deadline once provisioning is over, since the
// submission may have used anything up to its whole timeout.
func (o *Orchestrator) extend(ctx context.Context, name string, log *slog.Logger) {
	if o.tracker == nil {
		return
	}
	deadline := o.now().Add(o.cfg.ActiveBudget() + o.cfg.SweepGrace)
	if err := o.tracker.Extend(ctx, name, deadline); err != nil {
		log.Warn("extend job deadline failed", "error", err)
	}
}

// poll queries status at a fixed interval until a terminal state is seen or the
// attempt budget runs out. Query errors are inconclusive and do not stop the loop.
func (o *Orchestrator) poll(ctx context.Context, name string, log *slog.Logger) (models.JobStatus, error) {
	last := models.JobStatus{State: models.StateUnknown}
	attempts := o.cfg.PollMaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		telemetry.PollTicks.Inc()
		status, err := o.status(ctx, name)
		switch {
		case err != nil && ctx.Err() != nil:
			return last, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case err != nil:
			telemetry.StatusQueryErrors.Inc()
			log.Warn("job status query failed", "attempt", attempt, "error", err)
			last = models.JobStatus{State: models.StateUnknown}
		default:
			last = status
			log.Info("job status", "attempt", attempt, "state", status.State, "exit_code", status.ExitCode)
			if models.IsTerminal(status.State) {
				return status, nil
			}
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, o.cfg.PollInterval); err != nil {
			return last, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}
	return last, fmt.Errorf("%w after %d attempts (%s)", ErrPollingTimeout, attempts, o.cfg.PollBudget())
}

func (o *Orchestrator) status(ctx context.Context, name string) (models.JobStatus, error) {
	qctx, cancel := withTimeout(ctx, o.cfg.StatusTimeout)
	defer cancel()
	return o.provider.Status(qctx, name)
}

// collectLogs runs on a detached context so a cancelled caller still gets
// the container output in history and logs.
func (o *Orchestrator) collectLogs(ctx context.Context, name string, log *slog.Logger) string {
	lctx, cancel := withTimeout(ctx, o.cfg.LogFetchTimeout)
	defer cancel()
	logs, err := o.provider.Logs(lctx, name, o.cfg.LogTail)
	if err != nil {
		telemetry.LogFetchFailures.Inc()
		log.Warn("job logs unavailable", "error", err)
		return LogsUnavailablePrefix + err.Error()
	}
	log.Info("job logs captured", "bytes", len(logs))
	return logs
}

// cleanup issues exactly one delete bounded by CleanupTimeout. It returns a
// warning when the delete fails or does not finish in time.
func (o *Orchestrator) cleanup(ctx context.Context, name string, log *slog.Logger) string {
	timeout := o.cfg.CleanupTimeout
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.provider.Delete(cctx, name) }()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = fmt.Errorf("delete did not finish within %s: %w", timeout, cctx.Err())
	}
	if err != nil {
		telemetry.CleanupFailures.Inc()
		log.Warn("job cleanup failed", "error", err)
		o.event(ctx, name, "cleanup_failed", err.Error(), log)
		return "cleanup failed: " + err.Error()
	}

	log.Info("job cleanup complete")
	o.event(ctx, name, "deleted", "", log)
	if o.tracker != nil {
		if err := o.tracker.Forget(ctx, name); err != nil {
			log.Warn("forget job failed", "error", err)
		}
	}
	return ""
}

func (o *Orchestrator) event(ctx context.Context, name, event, detail string, log *slog.Logger) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.AppendEvent(context.WithoutCancel(ctx), name, event, detail); err != nil {
		log.Warn("record event failed", "event", event, "error", err)
	}
}

func outcome(r models.JobResult) string {
	switch {
	case r.Success:
		return "succeeded"
	case errors.Is(r.Err, ErrSubmission):
		return "submission_error"
	case errors.Is(r.Err, ErrPollingTimeout):
		return "timeout"
	case errors.Is(r.Err, ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}

// withTimeout leaves ctx unbounded when d is not positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
