// Package jobs wraps generation in a pollable background job with
// per-session idempotency. The registry is the single point of shared
// mutable state; all of it lives in process memory.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/events"
	"planline/internal/knowledge"
	"planline/internal/llm"
)

var (
	// ErrNotFound means the job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrInProgress means the job has not reached a terminal state yet.
	ErrInProgress = errors.New("job still in progress")
	// ErrFailed means the job reached the failed state.
	ErrFailed = errors.New("job failed")
)

const (
	// jobMessageLimit caps the user-facing status message.
	jobMessageLimit = 100
	// jobErrorLimit caps the user-facing error field; full diagnostics
	// stay in process logs only.
	jobErrorLimit = 500

	generatorName = "planline-multi-agent"
)

// Manager owns the job registry and runs one worker goroutine per job.
type Manager struct {
	LLM    llm.Completer
	Config *config.Config
	Events *events.Log
	Logger *log.Logger
	Now    func() time.Time

	mu       sync.Mutex
	jobs     map[string]domain.Job
	sessions map[string]string
	done     sync.WaitGroup
}

// NewManager builds a Manager with an empty registry.
func NewManager(completer llm.Completer, cfg *config.Config, eventLog *events.Log) *Manager {
	return &Manager{
		LLM:      completer,
		Config:   cfg,
		Events:   eventLog,
		Logger:   log.Default(),
		Now:      time.Now,
		jobs:     map[string]domain.Job{},
		sessions: map[string]string{},
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) logf(format string, args ...any) {
	if m.Logger != nil {
		m.Logger.Printf(format, args...)
	}
}

func (m *Manager) emit(eventType, jobID string, payload events.EventPayload) {
	if m.Events != nil {
		m.Events.Append(eventType, jobID, payload)
	}
}

// Start validates the input and registers a new job, spawning its worker.
// When the session already has a non-terminal job, that job is returned
// unchanged; the check-then-insert is a single atomic step under the
// registry lock so concurrent starts for one session cannot race.
func (m *Manager) Start(input domain.GeneratorInput) (domain.Job, error) {
	if err := engine.ValidateInput(input); err != nil {
		return domain.Job{}, err
	}

	m.mu.Lock()
	if input.SessionID != "" {
		if existingID, ok := m.sessions[input.SessionID]; ok {
			existing := m.jobs[existingID]
			m.mu.Unlock()
			return existing, nil
		}
	}
	job := domain.Job{
		ID:          uuid.NewString(),
		Status:      domain.JobPending,
		Progress:    0,
		TotalRounds: len(m.Config.Rounds),
		Message:     "Job accepted",
		CreatedAt:   m.now().UTC().Format(time.RFC3339),
		SessionID:   input.SessionID,
	}
	m.jobs[job.ID] = job
	if input.SessionID != "" {
		m.sessions[input.SessionID] = job.ID
	}
	m.mu.Unlock()

	m.emit("job.created", job.ID, events.EventPayload{"sessionId": input.SessionID})

	m.done.Add(1)
	go func() {
		defer m.done.Done()
		m.work(job.ID, input)
	}()

	return job, nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(jobID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return job, nil
}

// Result returns the generation output once the job completed. A running job
// yields ErrInProgress, a failed one ErrFailed with the captured message.
func (m *Manager) Result(jobID string) (*domain.GeneratorOutput, error) {
	job, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case domain.JobCompleted:
		return job.Result, nil
	case domain.JobFailed:
		return nil, fmt.Errorf("%w: %s", ErrFailed, job.Error)
	default:
		return nil, ErrInProgress
	}
}

// Wait blocks until every running worker has finished. Test helper.
func (m *Manager) Wait() {
	m.done.Wait()
}

// Generate runs orchestration and curation inline for callers that accept
// blocking. No job is registered.
func (m *Manager) Generate(ctx context.Context, input domain.GeneratorInput) (domain.GeneratorOutput, error) {
	started := m.now()
	eng := m.newEngine(nil)
	res, err := eng.Run(ctx, input)
	if err != nil {
		return domain.GeneratorOutput{}, err
	}
	ledger := m.newCurator().Curate(ctx, res.ConversationLog, res.Program)
	return m.assemble(res, ledger, started), nil
}

func (m *Manager) newEngine(onRound func(round int, name string)) *engine.Engine {
	eng := engine.New(m.LLM, m.Config)
	eng.Logger = m.Logger
	eng.Now = m.Now
	eng.OnRound = onRound
	return eng
}

func (m *Manager) newCurator() *knowledge.Curator {
	persona := llm.Persona{Role: "Knowledge Curator", Goal: "Extract reusable knowledge from agent conversations"}
	if agent, ok := m.Config.Agents[m.Config.Service.CuratorRole]; ok {
		persona = llm.Persona{Role: agent.Role, Goal: agent.Goal, Backstory: agent.Backstory}
	}
	cur := knowledge.New(m.LLM, persona)
	cur.Logger = m.Logger
	cur.Now = m.Now
	return cur
}

// work runs one job to completion on its own goroutine. Jobs are not
// cancellable once started; the worker runs until done or failed.
func (m *Manager) work(jobID string, input domain.GeneratorInput) {
	ctx := context.Background()
	started := m.now()

	m.update(jobID, domain.JobRunning, 5, 0, "Starting generation")
	m.emit("job.running", jobID, nil)

	eng := m.newEngine(func(round int, name string) {
		progress := 10 + 10*round
		if progress > 80 {
			progress = 80
		}
		m.update(jobID, domain.JobRunning, progress, round, fmt.Sprintf("Round %d: %s", round, name))
		m.emit("job.round", jobID, events.EventPayload{"round": round, "name": name})
	})
	m.update(jobID, domain.JobRunning, 10, 0, "Agents initialized")

	res, err := eng.Run(ctx, input)
	if err != nil {
		m.fail(jobID, err)
		return
	}

	m.update(jobID, domain.JobRunning, 85, res.RoundsCompleted, "Post-processing results")
	ledger := m.newCurator().Curate(ctx, res.ConversationLog, res.Program)
	output := m.assemble(res, ledger, started)

	m.complete(jobID, output)
}

func (m *Manager) assemble(res engine.Result, ledger domain.KnowledgeLedger, started time.Time) domain.GeneratorOutput {
	return domain.GeneratorOutput{
		Program: res.Program,
		Metadata: domain.GeneratorMetadata{
			Generator:          generatorName,
			GeneratedAt:        m.now().UTC().Format(time.RFC3339),
			Confidence:         res.Program.OverallConfidence,
			RoundsCompleted:    res.RoundsCompleted,
			AgentsParticipated: res.AgentsParticipated,
			KnowledgeEmissions: len(ledger.Emissions),
			GenerationTimeMs:   m.now().Sub(started).Milliseconds(),
		},
		ConversationLog: res.ConversationLog,
		Decisions:       res.Decisions,
		KnowledgeLedger: ledger,
	}
}

// update advances a job's visible state. Progress and current round never
// regress regardless of call ordering.
func (m *Manager) update(jobID, status string, progress, currentRound int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || domain.Terminal(job.Status) {
		return
	}
	job.Status = status
	if progress > job.Progress {
		job.Progress = progress
	}
	if currentRound > job.CurrentRound {
		job.CurrentRound = currentRound
	}
	job.Message = domain.Truncate(message, jobMessageLimit)
	m.jobs[jobID] = job
}

func (m *Manager) complete(jobID string, output domain.GeneratorOutput) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || domain.Terminal(job.Status) {
		m.mu.Unlock()
		return
	}
	job.Status = domain.JobCompleted
	job.Progress = 100
	job.Message = "Generation complete"
	job.Result = &output
	m.jobs[jobID] = job
	m.clearSessionLocked(job)
	m.mu.Unlock()

	m.emit("job.completed", jobID, events.EventPayload{"programId": output.Program.ID})
	m.logf("job %s completed: program=%s rounds=%d emissions=%d",
		jobID, output.Program.ID, output.Metadata.RoundsCompleted, output.Metadata.KnowledgeEmissions)
}

func (m *Manager) fail(jobID string, cause error) {
	m.logf("job %s failed: %v", jobID, cause)

	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || domain.Terminal(job.Status) {
		m.mu.Unlock()
		return
	}
	job.Status = domain.JobFailed
	job.Message = domain.Truncate("Generation failed", jobMessageLimit)
	job.Error = domain.Truncate(cause.Error(), jobErrorLimit)
	m.jobs[jobID] = job
	m.clearSessionLocked(job)
	m.mu.Unlock()

	m.emit("job.failed", jobID, events.EventPayload{"error": domain.Truncate(cause.Error(), jobErrorLimit)})
}

// clearSessionLocked removes the session mapping once a job is terminal so a
// later start for the same session creates a fresh job. Caller holds mu.
func (m *Manager) clearSessionLocked(job domain.Job) {
	if job.SessionID == "" {
		return
	}
	if m.sessions[job.SessionID] == job.ID {
		delete(m.sessions, job.SessionID)
	}
}
