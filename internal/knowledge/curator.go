// Package knowledge distills a finished planning conversation into a ledger
// of reusable organizational knowledge.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/extract"
	"planline/internal/llm"
)

const (
	curatorVersion = "1.0.0"

	// digestBudget bounds the conversation digest handed to the curator.
	digestBudget = 15000
	// digestPerEntry caps each conversation entry inside the digest.
	digestPerEntry = 1000
	// minVerified triggers the fallback top-up when extraction yields too
	// few verified emissions.
	minVerified = 5
	// similarityThreshold marks two candidates as near-duplicates.
	similarityThreshold = 0.8
)

var (
	knowledgeTypes  = map[string]bool{"fact": true, "estimate": true, "constraint": true, "lesson_learned": true, "decision_rationale": true, "pattern": true}
	knowledgeScopes = map[string]bool{"organization": true, "industry": true, "program_specific": true}
)

// Curator runs the post-generation knowledge pipeline.
type Curator struct {
	LLM     llm.Completer
	Persona llm.Persona
	Logger  *log.Logger
	Now     func() time.Time
}

// New builds a Curator with the given completer and persona.
func New(completer llm.Completer, persona llm.Persona) *Curator {
	return &Curator{
		LLM:     completer,
		Persona: persona,
		Logger:  log.Default(),
		Now:     time.Now,
	}
}

func (c *Curator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Curator) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// candidate is one unvalidated knowledge item proposed by extraction.
type candidate struct {
	Content             string   `json:"content"`
	Summary             string   `json:"summary"`
	Type                string   `json:"type"`
	Scope               string   `json:"scope"`
	Confidence          *float64 `json:"confidence"`
	Tags                []string `json:"tags"`
	SupportingAgents    []string `json:"supporting_agents"`
	ContradictingAgents []string `json:"contradicting_agents"`
}

// Curate extracts, validates, deduplicates, and triages knowledge candidates
// from the conversation log. Extraction failure is recovered via fallback
// emissions; Curate never fails the run.
func (c *Curator) Curate(ctx context.Context, conversationLog []domain.ConversationEntry, program domain.Program) domain.KnowledgeLedger {
	digest := conversationDigest(conversationLog)
	rawCount, candidates := c.extractCandidates(ctx, digest, program)

	valid := make([]candidate, 0, len(candidates))
	for _, cand := range candidates {
		if validateCandidate(cand) {
			valid = append(valid, cand)
		}
	}

	unique, duplicates := deduplicate(valid)
	verified, contested, rejected := triage(unique)

	emissions := make([]domain.KnowledgeEmission, 0, len(verified))
	for _, cand := range verified {
		emissions = append(emissions, c.emission(cand, program, "verified"))
	}
	contestedEmissions := make([]domain.KnowledgeEmission, 0, len(contested))
	for _, cand := range contested {
		contestedEmissions = append(contestedEmissions, c.emission(cand, program, "contested"))
	}
	rejectedEmissions := make([]domain.KnowledgeEmission, 0, len(rejected))
	for _, cand := range rejected {
		rejectedEmissions = append(rejectedEmissions, c.emission(cand, program, "hypothesis"))
	}

	if len(emissions) < minVerified {
		existing := map[string]bool{}
		for _, e := range emissions {
			existing[e.Summary] = true
		}
		for _, fb := range c.fallbackEmissions(program) {
			if !existing[fb.Summary] {
				emissions = append(emissions, fb)
			}
		}
	}

	flagged := 0
	for _, e := range emissions {
		if e.Confidence < 0.8 {
			flagged++
		}
	}

	return domain.KnowledgeLedger{
		Emissions: emissions,
		Contested: contestedEmissions,
		Rejected:  rejectedEmissions,
		Stats: domain.KnowledgeStats{
			TotalCandidates:  rawCount,
			Verified:         len(emissions),
			Deduplicated:     duplicates,
			Emitted:          len(emissions),
			Contested:        len(contestedEmissions),
			Rejected:         len(rejectedEmissions),
			FlaggedForReview: flagged,
		},
	}
}

// conversationDigest renders the log grouped by round, each entry capped,
// bounded overall.
func conversationDigest(conversationLog []domain.ConversationEntry) string {
	byRound := map[int][]domain.ConversationEntry{}
	for _, entry := range conversationLog {
		byRound[entry.Round] = append(byRound[entry.Round], entry)
	}
	rounds := make([]int, 0, len(byRound))
	for round := range byRound {
		rounds = append(rounds, round)
	}
	sort.Ints(rounds)

	var b strings.Builder
	for _, round := range rounds {
		fmt.Fprintf(&b, "\n=== Round %d ===\n", round)
		for _, entry := range byRound[round] {
			fmt.Fprintf(&b, "[%s]: %s\n", entry.AgentName, domain.Truncate(entry.Message, digestPerEntry))
		}
	}
	return domain.Truncate(b.String(), digestBudget)
}

// extractCandidates runs one curator completion and parses its candidate
// array. Every failure path yields zero candidates.
func (c *Curator) extractCandidates(ctx context.Context, digest string, program domain.Program) (int, []candidate) {
	if c.LLM == nil {
		return 0, nil
	}
	out, err := c.LLM.Complete(ctx, llm.Request{
		Persona:        c.Persona,
		Prompt:         extractionPrompt(digest, program),
		ExpectedOutput: "JSON array of knowledge candidates with all required fields",
	})
	if err != nil {
		c.logf("knowledge extraction failed: %v", err)
		return 0, nil
	}

	// Decode per-candidate so one malformed entry drops only itself.
	var raws []json.RawMessage
	if !extract.Array(out, &raws) {
		c.logf("no knowledge candidates parsed from curator output")
		return 0, nil
	}
	candidates := make([]candidate, 0, len(raws))
	for _, raw := range raws {
		var cand candidate
		if err := json.Unmarshal(raw, &cand); err != nil {
			candidates = append(candidates, candidate{})
			continue
		}
		candidates = append(candidates, cand)
	}
	return len(raws), candidates
}

func extractionPrompt(digest string, program domain.Program) string {
	return fmt.Sprintf(`Analyze this multi-agent planning conversation and extract reusable knowledge.

**Program Context:**
Title: %s
Description: %s

**Conversation Log:**
%s

**Extract knowledge candidates in these categories:**
1. **Facts**: Verified statements about the business, market, or technology
2. **Estimates**: Quantified assumptions (timelines, costs, probabilities)
3. **Constraints**: Limitations that influenced decisions
4. **Lessons Learned**: Insights from experience that could help future planning
5. **Decision Rationale**: Why specific choices were made over alternatives
6. **Patterns**: Recurring themes or successful approaches

For each knowledge candidate, provide:
- content: The knowledge statement (1-3 sentences)
- summary: Brief title (5-10 words)
- type: One of [fact, estimate, constraint, lesson_learned, decision_rationale, pattern]
- scope: One of [organization, industry, program_specific]
- confidence: 0.0-1.0 based on evidence strength
- tags: Relevant keywords
- supporting_agents: Which agents endorsed this knowledge
- contradicting_agents: Which agents disagreed (if any)

Output as JSON array:
`+"```json"+`
[
  {
    "content": "...",
    "summary": "...",
    "type": "pattern",
    "scope": "industry",
    "confidence": 0.85,
    "tags": ["tag1", "tag2"],
    "supporting_agents": ["Program Coordinator", "Tech Architecture Lead"],
    "contradicting_agents": []
  }
]
`+"```"+`

Extract 10-30 diverse knowledge candidates. Focus on actionable, reusable insights.`,
		program.Title, program.Description, digest)
}

func validateCandidate(cand candidate) bool {
	if cand.Content == "" || cand.Summary == "" {
		return false
	}
	if !knowledgeTypes[cand.Type] {
		return false
	}
	if !knowledgeScopes[cand.Scope] {
		return false
	}
	if cand.Confidence == nil || *cand.Confidence < 0 || *cand.Confidence > 1 {
		return false
	}
	return true
}

// deduplicate drops candidates with an already-seen summary or a content
// prefix too similar to an accepted candidate. First-seen wins.
func deduplicate(candidates []candidate) ([]candidate, int) {
	var unique []candidate
	seenSummaries := map[string]bool{}
	duplicates := 0

	for _, cand := range candidates {
		summary := strings.ToLower(strings.TrimSpace(cand.Summary))
		contentKey := strings.ToLower(domain.Truncate(cand.Content, 100))

		if seenSummaries[summary] {
			duplicates++
			continue
		}
		isDuplicate := false
		for _, existing := range unique {
			existingKey := strings.ToLower(domain.Truncate(existing.Content, 100))
			if similarity(contentKey, existingKey) > similarityThreshold {
				isDuplicate = true
				duplicates++
				break
			}
		}
		if !isDuplicate {
			seenSummaries[summary] = true
			unique = append(unique, cand)
		}
	}
	return unique, duplicates
}

// similarity is word-set Jaccard overlap. Symmetric by construction.
func similarity(s1, s2 string) float64 {
	words1 := wordSet(s1)
	words2 := wordSet(s2)
	if len(words1) == 0 || len(words2) == 0 {
		return 0
	}
	intersection := 0
	for w := range words1 {
		if words2[w] {
			intersection++
		}
	}
	union := len(words1) + len(words2) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

// triage splits candidates into verified, contested, and rejected by
// confidence and the presence of contradictions.
func triage(candidates []candidate) (verified, contested, rejected []candidate) {
	for _, cand := range candidates {
		confidence := 0.0
		if cand.Confidence != nil {
			confidence = *cand.Confidence
		}
		switch {
		case len(cand.ContradictingAgents) > 0:
			if confidence >= 0.6 {
				contested = append(contested, cand)
			} else {
				rejected = append(rejected, cand)
			}
		case confidence >= 0.7:
			verified = append(verified, cand)
		case confidence >= 0.4:
			contested = append(contested, cand)
		default:
			rejected = append(rejected, cand)
		}
	}
	return verified, contested, rejected
}

// agentKey normalizes a display name into a stable agent key.
func agentKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func (c *Curator) emission(cand candidate, program domain.Program, status string) domain.KnowledgeEmission {
	supporting := make([]domain.SupportingEvidence, 0, len(cand.SupportingAgents))
	for _, name := range cand.SupportingAgents {
		supporting = append(supporting, domain.SupportingEvidence{
			AgentID:   agentKey(name),
			AgentName: name,
			Round:     1,
			Statement: fmt.Sprintf("Endorsed: %s", cand.Summary),
		})
	}
	var contradictions []domain.SupportingEvidence
	for _, name := range cand.ContradictingAgents {
		contradictions = append(contradictions, domain.SupportingEvidence{
			AgentID:   agentKey(name),
			AgentName: name,
			Round:     1,
			Statement: fmt.Sprintf("Disputed: %s", cand.Summary),
		})
	}

	layer := "symbolic"
	switch cand.Type {
	case "fact":
		layer = "semantic"
	case "lesson_learned", "decision_rationale":
		layer = "episodic"
	}

	confidence := 0.5
	if cand.Confidence != nil {
		confidence = *cand.Confidence
	}
	tags := cand.Tags
	if tags == nil {
		tags = []string{}
	}

	return domain.KnowledgeEmission{
		ID:                   uuid.NewString(),
		Content:              cand.Content,
		Summary:              cand.Summary,
		Type:                 cand.Type,
		Scope:                cand.Scope,
		SuggestedMemoryLayer: layer,
		Tags:                 tags,
		Confidence:           confidence,
		VerificationStatus:   status,
		SupportingEvidence:   supporting,
		Contradictions:       contradictions,
		Source:               c.source(program),
	}
}

func (c *Curator) source(program domain.Program) domain.KnowledgeSource {
	return domain.KnowledgeSource{
		ProgramID:      program.ID,
		ProgramName:    program.Title,
		GeneratedAt:    c.now().UTC().Format(time.RFC3339),
		CuratorVersion: curatorVersion,
	}
}

// fallbackEmissions synthesizes deterministic emissions from the structured
// program so the ledger is never trivially empty.
func (c *Curator) fallbackEmissions(program domain.Program) []domain.KnowledgeEmission {
	var emissions []domain.KnowledgeEmission

	if program.Timeline.TotalMonths > 0 {
		emissions = append(emissions, domain.KnowledgeEmission{
			ID:                   uuid.NewString(),
			Content:              fmt.Sprintf("Programs of this scale typically require %d months for implementation.", program.Timeline.TotalMonths),
			Summary:              "Program duration benchmark",
			Type:                 "pattern",
			Scope:                "industry",
			SuggestedMemoryLayer: "semantic",
			Tags:                 []string{"timeline", "duration", "benchmark"},
			Confidence:           0.8,
			VerificationStatus:   "verified",
			SupportingEvidence: []domain.SupportingEvidence{{
				AgentID:   "program_coordinator",
				AgentName: "Program Coordinator",
				Round:     4,
				Statement: "Timeline validated across workstreams",
			}},
			Source: c.source(program),
		})
	}

	if program.ResourcePlan.TotalHeadcount > 0 {
		emissions = append(emissions, domain.KnowledgeEmission{
			ID:                   uuid.NewString(),
			Content:              fmt.Sprintf("Resource allocation of %d FTEs recommended for programs of this scope and complexity.", program.ResourcePlan.TotalHeadcount),
			Summary:              "Resource sizing guidelines",
			Type:                 "estimate",
			Scope:                "organization",
			SuggestedMemoryLayer: "semantic",
			Tags:                 []string{"resources", "headcount", "staffing"},
			Confidence:           0.75,
			VerificationStatus:   "verified",
			SupportingEvidence: []domain.SupportingEvidence{{
				AgentID:   "finance_resources",
				AgentName: "Finance & Resource Manager",
				Round:     4,
				Statement: "Resource plan validated against budget",
			}},
			Source: c.source(program),
		})
	}

	var highRisks []string
	for _, risk := range program.RiskRegister.Risks {
		if risk.Impact == "high" {
			highRisks = append(highRisks, domain.Truncate(risk.Description, 50))
		}
		if len(highRisks) == 3 {
			break
		}
	}
	if len(highRisks) > 0 {
		emissions = append(emissions, domain.KnowledgeEmission{
			ID:                   uuid.NewString(),
			Content:              fmt.Sprintf("High-impact risks identified: %s. Proactive mitigation is essential.", strings.Join(highRisks, ", ")),
			Summary:              "Critical risk patterns",
			Type:                 "lesson_learned",
			Scope:                "organization",
			SuggestedMemoryLayer: "episodic",
			Tags:                 []string{"risk", "mitigation", "planning"},
			Confidence:           0.85,
			VerificationStatus:   "verified",
			SupportingEvidence: []domain.SupportingEvidence{{
				AgentID:   "risk_compliance",
				AgentName: "Risk & Compliance Officer",
				Round:     5,
				Statement: "Risk assessment validated",
			}},
			Source: c.source(program),
		})
	}

	workstreams := program.Workstreams
	if len(workstreams) > 3 {
		workstreams = workstreams[:3]
	}
	for _, ws := range workstreams {
		if len(ws.Dependencies) == 0 {
			continue
		}
		emissions = append(emissions, domain.KnowledgeEmission{
			ID:                   uuid.NewString(),
			Content:              fmt.Sprintf("Workstream '%s' depends on upstream deliverables. Ensure proper sequencing to avoid delays.", ws.Name),
			Summary:              fmt.Sprintf("%s dependency constraint", ws.Name),
			Type:                 "constraint",
			Scope:                "program_specific",
			SuggestedMemoryLayer: "symbolic",
			Tags:                 []string{"dependencies", "sequencing", agentKey(ws.Name)},
			Confidence:           0.9,
			VerificationStatus:   "verified",
			SupportingEvidence: []domain.SupportingEvidence{{
				AgentID:   "platform_delivery",
				AgentName: "Platform Delivery Manager",
				Round:     2,
				Statement: "Dependencies mapped and validated",
			}},
			Source: c.source(program),
		})
	}

	return emissions
}
