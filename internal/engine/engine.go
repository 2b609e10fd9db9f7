// Package engine runs the multi-round planning orchestration and folds the
// round syntheses into the final program.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/extract"
	"planline/internal/llm"
)

const (
	// synthesisInputBudget bounds the raw agent outputs handed to the
	// coordinator; oldest outputs are trimmed first when exceeded.
	synthesisInputBudget = 8000
	// priorRoundDigestPerRound caps each prior round's synthesis in the
	// context handed to agents.
	priorRoundDigestPerRound = 2000
	// priorRoundDigestBudget bounds the whole prior-round digest; most
	// recent rounds are kept when over budget.
	priorRoundDigestBudget = 8000
)

// Engine drives planning rounds against a completion service.
type Engine struct {
	LLM    llm.Completer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time

	// OnRound is called once per round as it starts. Never called twice
	// for the same round within a run.
	OnRound func(round int, name string)
}

// New builds an Engine with the given completer and config.
func New(completer llm.Completer, cfg *config.Config) *Engine {
	return &Engine{
		LLM:    completer,
		Config: cfg,
		Logger: log.Default(),
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// Result is the outcome of one orchestration run.
type Result struct {
	Program            domain.Program
	ConversationLog    []domain.ConversationEntry
	Decisions          []domain.Decision
	RoundsCompleted    int
	AgentsParticipated int
}

// synthesisBlock is the structured payload the coordinator embeds in its
// synthesis text.
type synthesisBlock struct {
	Decisions []struct {
		Topic     string `json:"topic"`
		Decision  string `json:"decision"`
		Rationale string `json:"rationale"`
	} `json:"decisions"`
	WorkstreamUpdates []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Owner       string `json:"owner"`
		StartMonth  int    `json:"startMonth"`
		EndMonth    int    `json:"endMonth"`
	} `json:"workstream_updates"`
	RisksIdentified []struct {
		Description string `json:"description"`
		Probability string `json:"probability"`
		Impact      string `json:"impact"`
		Mitigation  string `json:"mitigation"`
	} `json:"risks_identified"`
	ResourcesNeeded []struct {
		Role         string   `json:"role"`
		Skills       []string `json:"skills"`
		Allocation   float64  `json:"allocation"`
		CostPerMonth float64  `json:"costPerMonth"`
	} `json:"resources_needed"`
}

// run-scoped mutable state, one per Run call so Engines are reusable.
type run struct {
	engine   *Engine
	input    domain.GeneratorInput
	log      []domain.ConversationEntry
	decided  []domain.Decision
	blocks   []synthesisBlock
	previous map[int]string
	order    []int
}

// Run executes every configured round in order, then synthesizes the final
// program. A single round's failure is logged and the run continues.
func (e *Engine) Run(ctx context.Context, input domain.GeneratorInput) (Result, error) {
	if e.Config == nil {
		return Result{}, errors.New("config not loaded")
	}
	if e.LLM == nil {
		return Result{}, errors.New("completer not configured")
	}
	if err := ValidateInput(input); err != nil {
		return Result{}, err
	}

	r := &run{
		engine:   e,
		input:    input,
		previous: map[int]string{},
	}

	roundsCompleted := 0
	for _, round := range e.Config.Rounds {
		if e.OnRound != nil {
			e.OnRound(round.Round, round.Name)
		}
		r.logEntry(round.Round, "system", "System", fmt.Sprintf("Starting Round %d: %s", round.Round, round.Name))

		if err := r.executeRound(ctx, round); err != nil {
			e.logf("round %d (%s) failed: %v", round.Round, round.Name, err)
			r.logEntry(round.Round, "system", "System", fmt.Sprintf("Round %d encountered an error: %v", round.Round, err))
			continue
		}
		roundsCompleted++
	}

	program, err := r.buildProgram()
	if err != nil {
		return Result{}, err
	}

	return Result{
		Program:            program,
		ConversationLog:    r.log,
		Decisions:          r.decided,
		RoundsCompleted:    roundsCompleted,
		AgentsParticipated: len(e.participants()),
	}, nil
}

// participants is every configured agent except the post-hoc curator role.
func (e *Engine) participants() map[string]config.Agent {
	out := make(map[string]config.Agent, len(e.Config.Agents))
	for id, a := range e.Config.Agents {
		if id == e.Config.Service.CuratorRole {
			continue
		}
		out[id] = a
	}
	return out
}

// ValidateInput checks the business input before any work starts.
func ValidateInput(input domain.GeneratorInput) error {
	if input.BusinessContext.Name == "" {
		return errors.New("businessContext.name is required")
	}
	if input.BusinessContext.Description == "" {
		return errors.New("businessContext.description is required")
	}
	if input.Constraints != nil && input.Constraints.Budget != nil && *input.Constraints.Budget <= 0 {
		return errors.New("constraints.budget must be positive")
	}
	return nil
}

// executeRound runs every participating agent sequentially, then the
// coordinator synthesis. Any completion error fails the round as a unit.
func (r *run) executeRound(ctx context.Context, round config.Round) error {
	e := r.engine
	curator := e.Config.Service.CuratorRole
	coordinator := e.Config.Service.CoordinatorRole

	var outputs []string
	for _, agentID := range round.ParticipatingAgents {
		if agentID == curator {
			continue
		}
		agent, ok := e.Config.Agents[agentID]
		if !ok {
			continue
		}
		out, err := e.LLM.Complete(ctx, llm.Request{
			Persona:        llm.Persona{Role: agent.Role, Goal: agent.Goal, Backstory: agent.Backstory},
			Prompt:         r.agentPrompt(round, agent),
			ExpectedOutput: fmt.Sprintf("Structured analysis and recommendations for %s from the perspective of %s", round.Name, agent.Role),
		})
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		outputs = append(outputs, out)
		r.logEntry(round.Round, agentID, agent.Role, out)
	}

	coordAgent := e.Config.Agents[coordinator]
	synthesis, err := e.LLM.Complete(ctx, llm.Request{
		Persona:        llm.Persona{Role: coordAgent.Role, Goal: coordAgent.Goal, Backstory: coordAgent.Backstory},
		Prompt:         synthesisPrompt(round, outputs),
		ExpectedOutput: fmt.Sprintf("Synthesized summary of Round %d with decisions and action items", round.Round),
	})
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}

	r.logEntry(round.Round, coordinator, coordAgent.Role, synthesis)
	r.previous[round.Round] = synthesis
	r.order = append(r.order, round.Round)

	var block synthesisBlock
	if extract.Object(synthesis, &block) {
		r.blocks = append(r.blocks, block)
		for _, d := range block.Decisions {
			r.decided = append(r.decided, domain.Decision{
				ID:         uuid.NewString(),
				Round:      round.Round,
				Topic:      d.Topic,
				Decision:   d.Decision,
				Rationale:  d.Rationale,
				MadeBy:     coordAgent.Role,
				EndorsedBy: []string{},
			})
		}
	}
	return nil
}

func (r *run) logEntry(round int, agentID, agentName, message string) {
	r.log = append(r.log, domain.ConversationEntry{
		Round:     round,
		AgentID:   agentID,
		AgentName: agentName,
		Message:   domain.Truncate(message, domain.MaxMessageLength),
		Timestamp: r.engine.now().UTC().Format(time.RFC3339),
	})
}

// agentPrompt assembles one agent's round prompt from the round definition,
// the business context, constraints, and a digest of prior syntheses.
func (r *run) agentPrompt(round config.Round, agent config.Agent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are participating in Round %d: %s\n\n%s\n", round.Round, round.Name, round.Description)

	b.WriteString("\n**Objectives for this round:**\n")
	for _, obj := range round.Objectives {
		fmt.Fprintf(&b, "- %s\n", obj)
	}
	b.WriteString("\n**Expected outputs:**\n")
	for _, out := range round.Outputs {
		fmt.Fprintf(&b, "- %s\n", out)
	}

	bc := r.input.BusinessContext
	industry := bc.Industry
	if industry == "" {
		industry = "Not specified"
	}
	fmt.Fprintf(&b, "\n**Business Context:**\nBusiness Name: %s\nBusiness Type: %s\nScale: %s\nDescription: %s\nIndustry: %s\n",
		bc.Name, bc.Type, bc.Scale, bc.Description, industry)

	b.WriteString("\n**Constraints:**\n")
	b.WriteString(constraintsText(r.input.Constraints))

	if digest := r.priorRoundDigest(); digest != "" {
		b.WriteString("\n\nPrevious Round Outputs:\n")
		b.WriteString(digest)
	}

	fmt.Fprintf(&b, "\nBased on your role as %s, provide your expert input for this round.\n", agent.Role)
	b.WriteString(`
Your response should be structured and include:
1. Your key observations and recommendations
2. Specific deliverables or work items you propose
3. Dependencies on other workstreams or agents
4. Risks you've identified from your perspective
5. Timeline considerations
6. Resource requirements from your domain

Be specific and actionable. Reference the business context and objectives.
`)
	return b.String()
}

func constraintsText(c *domain.Constraints) string {
	if c == nil {
		return "No specific constraints defined"
	}
	var b strings.Builder
	if c.Budget != nil {
		fmt.Fprintf(&b, "Budget: $%.0f\n", *c.Budget)
	}
	if c.Deadline != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", *c.Deadline)
	}
	if len(c.Regulations) > 0 {
		fmt.Fprintf(&b, "Regulations: %s\n", strings.Join(c.Regulations, ", "))
	}
	if b.Len() == 0 {
		return "No specific constraints defined"
	}
	return b.String()
}

// priorRoundDigest renders prior syntheses capped per round and overall, most
// recent rounds surviving when the overall budget is exceeded.
func (r *run) priorRoundDigest() string {
	if len(r.order) == 0 {
		return ""
	}
	type part struct {
		round int
		text  string
	}
	var parts []part
	total := 0
	for i := len(r.order) - 1; i >= 0; i-- {
		round := r.order[i]
		text := domain.Truncate(r.previous[round], priorRoundDigestPerRound)
		if total+len(text) > priorRoundDigestBudget {
			break
		}
		total += len(text)
		parts = append(parts, part{round: round, text: text})
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "\nRound %d:\n%s\n", parts[i].round, parts[i].text)
	}
	return b.String()
}

// synthesisPrompt hands the coordinator the round's raw outputs within the
// input budget, trimming oldest outputs first.
func synthesisPrompt(round config.Round, outputs []string) string {
	summary := boundedOutputs(outputs, synthesisInputBudget)

	var b strings.Builder
	fmt.Fprintf(&b, "As Program Coordinator, synthesize the outputs from Round %d: %s\n", round.Round, round.Name)
	b.WriteString("\n**Agent Outputs to Synthesize:**\n")
	b.WriteString(summary)
	b.WriteString(`

**Your synthesis should:**
1. Identify key themes and consensus points
2. Note any conflicting views or trade-offs needed
3. Propose decisions that need to be made
4. Create a consolidated summary of round outcomes
5. Identify open items for subsequent rounds

Output a structured synthesis that captures the collective intelligence of the team.
Include a JSON block at the end with key decisions in this format:
` + "```json" + `
{
  "decisions": [
    {"topic": "...", "decision": "...", "rationale": "..."}
  ],
  "workstream_updates": [
    {"name": "...", "description": "...", "owner": "...", "startMonth": 1, "endMonth": 3}
  ],
  "risks_identified": [
    {"description": "...", "probability": "medium", "impact": "high", "mitigation": "..."}
  ],
  "resources_needed": [
    {"role": "...", "skills": [...], "allocation": 0.5, "costPerMonth": 10000}
  ]
}
` + "```" + `
`)
	return b.String()
}

// boundedOutputs joins labelled agent outputs, dropping then trimming the
// oldest entries until the result fits the budget.
func boundedOutputs(outputs []string, budget int) string {
	labelled := make([]string, len(outputs))
	total := 0
	for i, out := range outputs {
		labelled[i] = fmt.Sprintf("Agent Output %d:\n%s", i+1, out)
		total += len(labelled[i]) + 2
	}
	start := 0
	for start < len(labelled)-1 && total > budget {
		total -= len(labelled[start]) + 2
		start++
	}
	joined := strings.Join(labelled[start:], "\n\n")
	return domain.Truncate(joined, budget)
}
