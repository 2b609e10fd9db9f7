package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/jobs"
	"planline/internal/llm"
)

// gatedCompleter blocks every completion until the gate is opened, so tests
// can observe jobs mid-flight.
type gatedCompleter struct {
	gate chan struct{}
}

func (g *gatedCompleter) Complete(context.Context, llm.Request) (string, error) {
	if g.gate != nil {
		<-g.gate
	}
	return "round output, nothing structured", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(`service:
  name: planline-test
  coordinator_role: program_coordinator
  curator_role: knowledge_curator
agents:
  program_coordinator:
    role: Program Coordinator
    goal: synthesize
    backstory: coordinator
  knowledge_curator:
    role: Knowledge Curator
    goal: curate
    backstory: curator
rounds:
  - round: 1
    name: Vision
    description: align
    objectives: [agree]
    participating_agents: [program_coordinator]
    outputs: [vision]
  - round: 2
    name: Delivery
    description: deliver
    objectives: [plan]
    participating_agents: [program_coordinator]
    outputs: [plan]
`))
	if err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

func testManager(t *testing.T, completer llm.Completer) (*jobs.Manager, *events.Log) {
	t.Helper()
	eventLog := events.NewLog()
	m := jobs.NewManager(completer, testConfig(t), eventLog)
	m.Logger = nil
	return m, eventLog
}

func testInput(session string) domain.GeneratorInput {
	return domain.GeneratorInput{
		BusinessContext: domain.BusinessContext{
			Name:        "Acme",
			Type:        "saas",
			Scale:       "smb",
			Description: "small business transformation",
		},
		SessionID: session,
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	m, _ := testManager(t, &gatedCompleter{})
	if _, err := m.Start(domain.GeneratorInput{}); err == nil {
		t.Fatal("expected validation error before any job is created")
	}
	if _, err := m.Get("anything"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected no jobs registered, got %v", err)
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	m, eventLog := testManager(t, &gatedCompleter{})

	job, err := m.Start(testInput(""))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != domain.JobPending || job.Progress != 0 {
		t.Fatalf("new job = %s/%d, want pending/0", job.Status, job.Progress)
	}
	if job.TotalRounds != 2 {
		t.Fatalf("total rounds = %d, want 2", job.TotalRounds)
	}
	m.Wait()

	done, err := m.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if done.Status != domain.JobCompleted || done.Progress != 100 {
		t.Fatalf("final job = %s/%d, want completed/100", done.Status, done.Progress)
	}
	if done.CurrentRound != 2 {
		t.Errorf("current round = %d, want 2", done.CurrentRound)
	}

	result, err := m.Result(job.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Metadata.Generator != "planline-multi-agent" {
		t.Errorf("generator = %q", result.Metadata.Generator)
	}
	if result.Metadata.RoundsCompleted != 2 {
		t.Errorf("rounds completed = %d", result.Metadata.RoundsCompleted)
	}
	if len(result.Program.Workstreams) != 3 {
		t.Errorf("expected default workstreams, got %d", len(result.Program.Workstreams))
	}
	if len(result.KnowledgeLedger.Emissions) == 0 {
		t.Error("expected fallback knowledge emissions")
	}
	if result.Metadata.KnowledgeEmissions != len(result.KnowledgeLedger.Emissions) {
		t.Error("metadata emission count mismatch")
	}

	var types []string
	for _, e := range eventLog.ForJob(job.ID) {
		types = append(types, e.Type)
	}
	if len(types) < 4 || types[0] != "job.created" || types[len(types)-1] != "job.completed" {
		t.Errorf("event trail = %v", types)
	}
}

func TestResultWhileInProgress(t *testing.T) {
	gate := make(chan struct{})
	m, _ := testManager(t, &gatedCompleter{gate: gate})

	job, err := m.Start(testInput(""))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Result(job.ID); !errors.Is(err, jobs.ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	if _, err := m.Result("unknown"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	close(gate)
	m.Wait()
	if _, err := m.Result(job.ID); err != nil {
		t.Fatalf("Result after completion: %v", err)
	}
}

func TestSessionIdempotency(t *testing.T) {
	gate := make(chan struct{})
	m, _ := testManager(t, &gatedCompleter{gate: gate})

	first, err := m.Start(testInput("session-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := m.Start(testInput("session-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("same session produced two jobs: %s vs %s", first.ID, second.ID)
	}

	other, err := m.Start(testInput("session-2"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct sessions must get distinct jobs")
	}

	close(gate)
	m.Wait()

	// Terminal job clears the session mapping; a new start is fresh.
	fresh, err := m.Start(testInput("session-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatal("terminal session mapping was not cleared")
	}
	m.Wait()
}

func TestConcurrentStartsOneSessionOneJob(t *testing.T) {
	gate := make(chan struct{})
	m, _ := testManager(t, &gatedCompleter{gate: gate})

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := m.Start(testInput("shared-session"))
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			ids[i] = job.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent starts produced multiple jobs: %s vs %s", ids[0], id)
		}
	}
	close(gate)
	m.Wait()
}

func TestProgressMonotonic(t *testing.T) {
	gate := make(chan struct{}, 64)
	for i := 0; i < cap(gate); i++ {
		gate <- struct{}{}
	}
	m, _ := testManager(t, &gatedCompleter{gate: gate})

	job, err := m.Start(testInput(""))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	last := -1
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := m.Get(job.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Progress < last {
			t.Fatalf("progress regressed: %d -> %d", last, got.Progress)
		}
		last = got.Progress
		if domain.Terminal(got.Status) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not finish")
		}
		time.Sleep(time.Millisecond)
	}
	if last != 100 {
		t.Fatalf("final progress = %d", last)
	}
	m.Wait()
}

func TestJobFailureCapturesError(t *testing.T) {
	// A manager with no completer configured fails the run as a whole.
	m, eventLog := testManager(t, nil)

	job, err := m.Start(testInput(""))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Wait()

	failed, err := m.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if failed.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
	if failed.Error == "" {
		t.Fatal("expected captured error message")
	}
	if len(failed.Error) > 500 || len(failed.Message) > 100 {
		t.Fatal("error/message caps not applied")
	}
	if _, err := m.Result(job.ID); !errors.Is(err, jobs.ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}

	trail := eventLog.ForJob(job.ID)
	if trail[len(trail)-1].Type != "job.failed" {
		t.Errorf("last event = %s, want job.failed", trail[len(trail)-1].Type)
	}
}

func TestGenerateSynchronous(t *testing.T) {
	m, _ := testManager(t, &gatedCompleter{})

	out, err := m.Generate(context.Background(), testInput(""))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Program.Title != "Acme Strategic Transformation Program" {
		t.Errorf("title = %q", out.Program.Title)
	}
	if out.Metadata.RoundsCompleted != 2 {
		t.Errorf("rounds completed = %d", out.Metadata.RoundsCompleted)
	}
}
