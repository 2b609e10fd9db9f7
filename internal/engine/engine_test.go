package engine_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/llm"
)

type fakeCompleter struct {
	fn    func(req llm.Request) (string, error)
	calls []llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.calls = append(f.calls, req)
	if f.fn != nil {
		return f.fn(req)
	}
	return "No structured output this round.", nil
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
  tech_architecture:
    role: Tech Architecture Lead
    goal: architecture
    backstory: architect
  knowledge_curator:
    role: Knowledge Curator
    goal: curate
    backstory: curator
rounds:
  - round: 1
    name: Vision
    description: align on vision
    objectives: [agree on goals]
    participating_agents: [program_coordinator, tech_architecture]
    outputs: [shared vision]
  - round: 2
    name: Delivery
    description: define delivery
    objectives: [define workstreams]
    participating_agents: [program_coordinator, tech_architecture, knowledge_curator]
    outputs: [workstream breakdown]
`))
	if err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

func testEngine(t *testing.T, fake *fakeCompleter) *engine.Engine {
	t.Helper()
	e := engine.New(fake, testConfig(t))
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func testInput() domain.GeneratorInput {
	return domain.GeneratorInput{
		BusinessContext: domain.BusinessContext{
			Name:        "Acme",
			Type:        "saas",
			Scale:       "smb",
			Description: "A small business going through transformation",
		},
	}
}

// synthesisFor wraps a JSON payload in prose plus a fenced block, the way the
// coordinator is prompted to respond.
func synthesisFor(payload string) string {
	return "The team aligned on the plan.\n```json\n" + payload + "\n```\nEnd of synthesis."
}

func TestRunDefaultsWhenNothingExtracted(t *testing.T) {
	fake := &fakeCompleter{}
	e := testEngine(t, fake)

	res, err := e.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.RoundsCompleted != 2 {
		t.Fatalf("rounds completed = %d, want 2", res.RoundsCompleted)
	}
	ws := res.Program.Workstreams
	if len(ws) != 3 {
		t.Fatalf("got %d workstreams, want 3 defaults", len(ws))
	}
	if ws[0].Name != "Strategy & Planning" || ws[1].Name != "Capability Development" || ws[2].Name != "Execution & Delivery" {
		t.Fatalf("unexpected default workstreams: %s, %s, %s", ws[0].Name, ws[1].Name, ws[2].Name)
	}
	if len(ws[0].Dependencies) != 0 {
		t.Errorf("first workstream should have no dependencies")
	}
	if len(ws[1].Dependencies) != 1 || ws[1].Dependencies[0] != ws[0].ID {
		t.Errorf("second workstream should depend on first")
	}
	if len(ws[2].Dependencies) != 2 || ws[2].Dependencies[0] != ws[0].ID || ws[2].Dependencies[1] != ws[1].ID {
		t.Errorf("third workstream should depend on first and second")
	}
	if res.Program.Timeline.TotalMonths != 6 {
		t.Errorf("total months = %d, want 6", res.Program.Timeline.TotalMonths)
	}
	want := (0.85 + 0.80 + 0.75) / 3
	if diff := res.Program.OverallConfidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("overall confidence = %v, want %v", res.Program.OverallConfidence, want)
	}
	if len(res.Program.RiskRegister.Risks) != 2 {
		t.Errorf("got %d default risks, want 2", len(res.Program.RiskRegister.Risks))
	}
	if res.Program.ResourcePlan.TotalHeadcount != 3 {
		t.Errorf("default resource plan headcount = %d, want 3", res.Program.ResourcePlan.TotalHeadcount)
	}
}

func TestRunCuratorExcludedFromRounds(t *testing.T) {
	fake := &fakeCompleter{}
	e := testEngine(t, fake)

	if _, err := e.Run(context.Background(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, call := range fake.calls {
		if call.Persona.Role == "Knowledge Curator" {
			t.Fatal("curator must not take a round turn")
		}
	}
}

func TestRunAttributesEntriesByInvokedRole(t *testing.T) {
	fake := &fakeCompleter{fn: func(req llm.Request) (string, error) {
		// Output mentions another agent's role name; attribution must still
		// follow the invoked role, not the text.
		return "On behalf of the Program Coordinator and everyone else: proceed.", nil
	}}
	e := testEngine(t, fake)

	res, err := e.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var techEntries int
	for _, entry := range res.ConversationLog {
		if entry.AgentID == "tech_architecture" {
			techEntries++
			if entry.AgentName != "Tech Architecture Lead" {
				t.Errorf("agent name = %q, want role name", entry.AgentName)
			}
		}
	}
	if techEntries != 2 {
		t.Fatalf("tech_architecture entries = %d, want one per round", techEntries)
	}
}

func TestRunTruncatesMessages(t *testing.T) {
	long := strings.Repeat("x", 5000)
	fake := &fakeCompleter{fn: func(req llm.Request) (string, error) { return long, nil }}
	e := testEngine(t, fake)

	res, err := e.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, entry := range res.ConversationLog {
		if len(entry.Message) > domain.MaxMessageLength {
			t.Fatalf("entry message length %d exceeds cap", len(entry.Message))
		}
	}
}

func TestRunRoundFailureContinues(t *testing.T) {
	call := 0
	fake := &fakeCompleter{fn: func(req llm.Request) (string, error) {
		call++
		if call == 1 {
			return "", fmt.Errorf("completion unavailable")
		}
		return "fine", nil
	}}
	e := testEngine(t, fake)

	res, err := e.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RoundsCompleted != 1 {
		t.Fatalf("rounds completed = %d, want 1", res.RoundsCompleted)
	}
	var sawFailure bool
	for _, entry := range res.ConversationLog {
		if entry.AgentID == "system" && strings.Contains(entry.Message, "Round 1 encountered an error") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("expected a system entry recording the round failure")
	}
}

func TestRunFirstOccurrenceWinsAcrossRounds(t *testing.T) {
	round := 0
	fake := &fakeCompleter{fn: func(req llm.Request) (string, error) {
		if !strings.Contains(req.Prompt, "synthesize the outputs") {
			return "agent input", nil
		}
		round++
		if round == 1 {
			return synthesisFor(`{"workstream_updates": [
				{"name": "A", "description": "first A", "owner": "Alice", "startMonth": 1, "endMonth": 2},
				{"name": "B", "description": "b", "owner": "Bob", "startMonth": 1, "endMonth": 3}
			]}`), nil
		}
		return synthesisFor(`{"workstream_updates": [
			{"name": "A", "description": "later A", "owner": "Mallory", "startMonth": 2, "endMonth": 4},
			{"name": "C", "description": "c", "owner": "Carol", "startMonth": 2, "endMonth": 6}
		]}`), nil
	}}
	e := testEngine(t, fake)

	res, err := e.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ws := res.Program.Workstreams
	if len(ws) != 3 {
		t.Fatalf("got %d workstreams, want 3", len(ws))
	}
	byName := map[string]domain.Workstream{}
	for _, w := range ws {
		byName[w.Name] = w
	}
	a, ok := byName["A"]
	if !ok {
		t.Fatal("workstream A missing")
	}
	if a.Description != "first A" || a.Owner != "Alice" {
		t.Errorf("A should keep its first occurrence, got %q/%q", a.Description, a.Owner)
	}
	if _, ok := byName["B"]; !ok {
		t.Error("workstream B missing")
	}
	if _, ok := byName["C"]; !ok {
		t.Error("workstream C missing")
	}
	if a.Confidence != 0.8 {
		t.Errorf("extracted confidence = %v, want 0.8", a.Confidence)
	}
	if len(a.Deliverables) != 1 || a.Deliverables[0].Name != "A - Initial Deliverable" {
		t.Errorf("auto deliverable missing: %+v", a.Deliverables)
	}
	if a.Deliverables[0].DueMonth != a.EndMonth {
		t.Errorf("deliverable due %d, want end month %d", a.Deliverables[0].DueMonth, a.EndMonth)
	}
}

func TestRunDecisionsAttributedToCoordinator(t *testing.T) {
	fake := &fakeCompleter{fn: func(req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "synthesize the outputs") {
			return synthesisFor(`{"decisions": [{"topic": "stack", "decision": "managed cloud", "rationale": "speed"}]}`), nil
		}
		return "agent input", nil
	}}
	e := testEngine(t, fake)

	res, err := e.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Decisions) != 2 {
		t.Fatalf("got %d decisions, want one per round", len(res.Decisions))
	}
	for _, d := range res.Decisions {
		if d.MadeBy != "Program Coordinator" {
			t.Errorf("decision made_by = %q", d.MadeBy)
		}
		if d.Topic != "stack" {
			t.Errorf("decision topic = %q", d.Topic)
		}
		if len(d.EndorsedBy) != 0 {
			t.Errorf("no endorsers expected by default")
		}
	}
	if res.Decisions[0].Round != 1 || res.Decisions[1].Round != 2 {
		t.Errorf("decisions not stamped with rounds: %d, %d", res.Decisions[0].Round, res.Decisions[1].Round)
	}
}

func TestRunResourcePlanUsesFixedHorizon(t *testing.T) {
	fake := &fakeCompleter{fn: func(req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "synthesize the outputs") {
			return synthesisFor(`{"resources_needed": [
				{"role": "Platform Engineer", "skills": ["Go"], "allocation": 0.5, "costPerMonth": 10000}
			], "workstream_updates": [{"name": "Build", "description": "build", "owner": "Eng", "startMonth": 1, "endMonth": 12}]}`), nil
		}
		return "agent input", nil
	}}
	e := testEngine(t, fake)

	res, err := e.Run(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 10000 x 0.5 x 6: the horizon is a fixed constant even though the
	// timeline spans 12 months.
	if res.Program.Timeline.TotalMonths != 12 {
		t.Fatalf("total months = %d, want 12", res.Program.Timeline.TotalMonths)
	}
	if res.Program.ResourcePlan.TotalCost != 30000 {
		t.Fatalf("total cost = %v, want 30000", res.Program.ResourcePlan.TotalCost)
	}
}

func TestRunBudgetCapScalesFinancialPlan(t *testing.T) {
	fake := &fakeCompleter{fn: func(req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "synthesize the outputs") {
			return synthesisFor(`{"resources_needed": [
				{"role": "Delivery Team", "skills": ["Delivery"], "allocation": 1.0, "costPerMonth": 50000}
			]}`), nil
		}
		return "agent input", nil
	}}
	e := testEngine(t, fake)

	budget := 200000.0
	input := testInput()
	input.Constraints = &domain.Constraints{Budget: &budget}

	res, err := e.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	fp := res.Program.FinancialPlan
	// Unconstrained: 75000 + (50000 + 10000) x 6 = 435000.
	if fp.TotalBudget != 200000 {
		t.Fatalf("total budget = %v, want exactly 200000", fp.TotalBudget)
	}
	if fp.Contingency != 20000 {
		t.Fatalf("contingency = %v, want 20000", fp.Contingency)
	}
	scale := 200000.0 / 435000.0
	if got, want := fp.Capex[0].Amount, 50000*scale; !approxEqual(got, want) {
		t.Errorf("capex[0] = %v, want %v", got, want)
	}
	if got, want := fp.Opex[0].Amount, 50000*scale; !approxEqual(got, want) {
		t.Errorf("opex personnel = %v, want %v", got, want)
	}
	if got, want := fp.Opex[1].Amount, 10000*scale; !approxEqual(got, want) {
		t.Errorf("opex operations = %v, want %v", got, want)
	}
}

func approxEqual(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

func TestRunInvalidInput(t *testing.T) {
	e := testEngine(t, &fakeCompleter{})

	if _, err := e.Run(context.Background(), domain.GeneratorInput{}); err == nil {
		t.Fatal("expected error for missing business context")
	}

	bad := testInput()
	zero := 0.0
	bad.Constraints = &domain.Constraints{Budget: &zero}
	if _, err := e.Run(context.Background(), bad); err == nil {
		t.Fatal("expected error for non-positive budget")
	}
}

func TestOnRoundReportsEachRoundOnce(t *testing.T) {
	fake := &fakeCompleter{}
	e := testEngine(t, fake)

	var rounds []int
	e.OnRound = func(round int, name string) { rounds = append(rounds, round) }

	if _, err := e.Run(context.Background(), testInput()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rounds) != 2 || rounds[0] != 1 || rounds[1] != 2 {
		t.Fatalf("rounds reported = %v, want [1 2]", rounds)
	}
}
