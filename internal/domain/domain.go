// Package domain holds the program-plan, knowledge, and job entities shared
// across the engine, curator, job manager, and API layers. JSON field names
// are camelCase to match the wire contract consumed by the web frontend.
package domain

// MaxMessageLength caps conversation entry messages.
const MaxMessageLength = 2000

type BusinessContext struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Scale       string   `json:"scale" enum:"smb,mid_market,enterprise"`
	Description string   `json:"description"`
	Industry    string   `json:"industry,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

type ResourceLimits struct {
	MaxHeadcount   *int `json:"maxHeadcount,omitempty"`
	MaxContractors *int `json:"maxContractors,omitempty"`
}

type Constraints struct {
	Budget         *float64        `json:"budget,omitempty"`
	Deadline       *string         `json:"deadline,omitempty" format:"date-time"`
	Regulations    []string        `json:"regulations,omitempty"`
	ResourceLimits *ResourceLimits `json:"resourceLimits,omitempty"`
}

// GeneratorInput is the business input for one generation run.
type GeneratorInput struct {
	BusinessContext BusinessContext `json:"businessContext"`
	Constraints     *Constraints    `json:"constraints,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
}

type ConversationEntry struct {
	Round     int    `json:"round"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Decision struct {
	ID         string   `json:"id"`
	Round      int      `json:"round"`
	Topic      string   `json:"topic"`
	Decision   string   `json:"decision"`
	Rationale  string   `json:"rationale"`
	MadeBy     string   `json:"madeBy"`
	EndorsedBy []string `json:"endorsedBy"`
}

type ResourceRequirement struct {
	Role         string   `json:"role"`
	Skills       []string `json:"skills"`
	Allocation   float64  `json:"allocation"`
	CostPerMonth float64  `json:"costPerMonth,omitempty"`
}

type Deliverable struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	WorkstreamID string `json:"workstreamId"`
	DueMonth     int    `json:"dueMonth,omitempty"`
	Status       string `json:"status" enum:"not_started,in_progress,completed"`
}

type Workstream struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	Description          string                `json:"description"`
	Owner                string                `json:"owner"`
	Deliverables         []Deliverable         `json:"deliverables"`
	Dependencies         []string              `json:"dependencies"`
	ResourceRequirements []ResourceRequirement `json:"resourceRequirements"`
	StartMonth           int                   `json:"startMonth"`
	EndMonth             int                   `json:"endMonth"`
	Confidence           float64               `json:"confidence"`
}

type Milestone struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	DueMonth       int      `json:"dueMonth"`
	DeliverableIDs []string `json:"deliverableIds"`
}

type TimelinePhase struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	StartMonth    int         `json:"startMonth"`
	EndMonth      int         `json:"endMonth"`
	WorkstreamIDs []string    `json:"workstreamIds"`
	Milestones    []Milestone `json:"milestones"`
}

type Timeline struct {
	Phases       []TimelinePhase `json:"phases"`
	TotalMonths  int             `json:"totalMonths"`
	CriticalPath []string        `json:"criticalPath"`
}

type Risk struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Probability string `json:"probability" enum:"low,medium,high"`
	Impact      string `json:"impact" enum:"low,medium,high"`
	Mitigation  string `json:"mitigation"`
	Owner       string `json:"owner,omitempty"`
	Category    string `json:"category,omitempty"`
}

type RiskRegister struct {
	Risks            []Risk `json:"risks"`
	OverallRiskLevel string `json:"overallRiskLevel" enum:"low,medium,high"`
}

type ResourcePlan struct {
	Roles          []ResourceRequirement `json:"roles"`
	TotalHeadcount int                   `json:"totalHeadcount"`
	TotalCost      float64               `json:"totalCost"`
}

type FinancialItem struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Frequency   string  `json:"frequency" enum:"one_time,monthly,quarterly,annual"`
}

type FinancialPlan struct {
	Capex       []FinancialItem `json:"capex"`
	Opex        []FinancialItem `json:"opex"`
	TotalBudget float64         `json:"totalBudget"`
	Contingency float64         `json:"contingency"`
}

// Program is the aggregate root produced by a generation run.
type Program struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Workstreams       []Workstream  `json:"workstreams"`
	Timeline          Timeline      `json:"timeline"`
	ResourcePlan      ResourcePlan  `json:"resourcePlan"`
	RiskRegister      RiskRegister  `json:"riskRegister"`
	FinancialPlan     FinancialPlan `json:"financialPlan"`
	OverallConfidence float64       `json:"overallConfidence"`
}

type SupportingEvidence struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Round     int    `json:"round"`
	Statement string `json:"statement"`
}

// KnowledgeSource stamps an emission with its provenance.
type KnowledgeSource struct {
	ProgramID      string `json:"programId"`
	ProgramName    string `json:"programName"`
	GeneratedAt    string `json:"generatedAt" format:"date-time"`
	CuratorVersion string `json:"curatorVersion"`
}

type KnowledgeEmission struct {
	ID                   string               `json:"id"`
	Content              string               `json:"content"`
	Summary              string               `json:"summary"`
	Type                 string               `json:"type" enum:"fact,estimate,constraint,lesson_learned,decision_rationale,pattern"`
	Scope                string               `json:"scope" enum:"organization,industry,program_specific"`
	SuggestedMemoryLayer string               `json:"suggestedMemoryLayer" enum:"semantic,episodic,symbolic"`
	Tags                 []string             `json:"tags"`
	Confidence           float64              `json:"confidence"`
	VerificationStatus   string               `json:"verificationStatus" enum:"verified,contested,hypothesis"`
	SupportingEvidence   []SupportingEvidence `json:"supportingEvidence"`
	Contradictions       []SupportingEvidence `json:"contradictions,omitempty"`
	Source               KnowledgeSource      `json:"source"`
}

type KnowledgeStats struct {
	TotalCandidates  int `json:"totalCandidates"`
	Verified         int `json:"verified"`
	Deduplicated     int `json:"deduplicated"`
	Emitted          int `json:"emitted"`
	Contested        int `json:"contested"`
	Rejected         int `json:"rejected"`
	FlaggedForReview int `json:"flaggedForReview"`
}

type KnowledgeLedger struct {
	Emissions []KnowledgeEmission `json:"emissions"`
	Contested []KnowledgeEmission `json:"contested"`
	Rejected  []KnowledgeEmission `json:"rejected"`
	Stats     KnowledgeStats      `json:"stats"`
}

type GeneratorMetadata struct {
	Generator          string  `json:"generator"`
	GeneratedAt        string  `json:"generatedAt" format:"date-time"`
	Confidence         float64 `json:"confidence"`
	RoundsCompleted    int     `json:"roundsCompleted"`
	AgentsParticipated int     `json:"agentsParticipated"`
	KnowledgeEmissions int     `json:"knowledgeEmissions"`
	GenerationTimeMs   int64   `json:"generationTimeMs"`
}

// GeneratorOutput is the full result of orchestration plus curation.
type GeneratorOutput struct {
	Program         Program             `json:"program"`
	Metadata        GeneratorMetadata   `json:"metadata"`
	ConversationLog []ConversationEntry `json:"conversationLog"`
	Decisions       []Decision          `json:"decisions"`
	KnowledgeLedger KnowledgeLedger     `json:"knowledgeLedger"`
}

// Job statuses. Terminal statuses are never left once reached.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID           string           `json:"id"`
	Status       string           `json:"status" enum:"pending,running,completed,failed"`
	Progress     int              `json:"progress" minimum:"0" maximum:"100"`
	CurrentRound int              `json:"currentRound"`
	TotalRounds  int              `json:"totalRounds"`
	Message      string           `json:"message,omitempty"`
	Error        string           `json:"error,omitempty"`
	Result       *GeneratorOutput `json:"result,omitempty"`
	CreatedAt    string           `json:"createdAt" format:"date-time"`
	SessionID    string           `json:"sessionId,omitempty"`
}

// Terminal reports whether a job status is final.
func Terminal(status string) bool {
	return status == JobCompleted || status == JobFailed
}

// Truncate shortens s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
