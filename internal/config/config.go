package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml: agent personas, planning rounds, and server
// settings. Round order in the file is execution order.
type Config struct {
	Service struct {
		Name            string `yaml:"name"`
		CoordinatorRole string `yaml:"coordinator_role"`
		CuratorRole     string `yaml:"curator_role"`
	} `yaml:"service"`
	Agents map[string]Agent `yaml:"agents"`
	Rounds []Round          `yaml:"rounds"`
	Server struct {
		APIKeys   []string  `yaml:"api_keys"`
		JWTSecret string    `yaml:"jwt_secret"`
		Webhooks  []Webhook `yaml:"webhooks"`
	} `yaml:"server"`
}

// Agent is one persona handed to the LLM per turn.
type Agent struct {
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
}

// Round is one planning round definition.
type Round struct {
	Round               int      `yaml:"round"`
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description"`
	Objectives          []string `yaml:"objectives"`
	ParticipatingAgents []string `yaml:"participating_agents"`
	Outputs             []string `yaml:"outputs"`
}

// Webhook is a job-event delivery target.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Service.CoordinatorRole == "" {
		return fmt.Errorf("config.service.coordinator_role is required")
	}
	if _, ok := c.Agents[c.Service.CoordinatorRole]; !ok {
		return fmt.Errorf("coordinator_role %s is not a configured agent", c.Service.CoordinatorRole)
	}
	if c.Service.CuratorRole != "" {
		if _, ok := c.Agents[c.Service.CuratorRole]; !ok {
			return fmt.Errorf("curator_role %s is not a configured agent", c.Service.CuratorRole)
		}
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents is required")
	}
	for id, agent := range c.Agents {
		if id == "" {
			return fmt.Errorf("config.agents contains empty agent id")
		}
		if agent.Role == "" {
			return fmt.Errorf("agent %s has empty role", id)
		}
	}
	if len(c.Rounds) == 0 {
		return fmt.Errorf("config.rounds is required")
	}
	prev := 0
	for _, r := range c.Rounds {
		if r.Round <= prev {
			return fmt.Errorf("round numbers must be ascending; got %d after %d", r.Round, prev)
		}
		prev = r.Round
		if r.Name == "" {
			return fmt.Errorf("round %d has empty name", r.Round)
		}
		if len(r.ParticipatingAgents) == 0 {
			return fmt.Errorf("round %d has no participating agents", r.Round)
		}
		for _, id := range r.ParticipatingAgents {
			if _, ok := c.Agents[id]; !ok {
				return fmt.Errorf("round %d references unknown agent %s", r.Round, id)
			}
		}
	}
	for i, hook := range c.Server.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("server.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

// Default returns the built-in config: eight planning agents and seven rounds.
func Default() *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, "planline")))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: %s
  coordinator_role: program_coordinator
  curator_role: knowledge_curator

agents:
  program_coordinator:
    role: Program Coordinator
    goal: Synthesize agent inputs, track decisions, and resolve conflicts across rounds
    backstory: >
      A seasoned program director who has steered dozens of cross-functional
      transformation programs. Known for cutting through conflicting advice and
      producing a single coherent plan the whole team can commit to.
  tech_architecture:
    role: Tech Architecture Lead
    goal: Define the technology stack and assess technical feasibility
    backstory: >
      A principal architect with deep experience taking products from prototype
      to scaled platform. Pragmatic about build-versus-buy and allergic to
      speculative complexity.
  platform_delivery:
    role: Platform Delivery Manager
    goal: Define the delivery approach, cadence, and quality gates
    backstory: >
      A delivery manager who has run agile programs in both startups and
      enterprises. Obsessive about sequencing work so value lands early.
  go_to_market:
    role: Go-to-Market Strategist
    goal: Define marketing positioning, channels, and sales enablement
    backstory: >
      A GTM operator who has launched products in crowded markets. Thinks in
      segments, messages, and repeatable sales motions.
  customer_success:
    role: Customer Success Lead
    goal: Define onboarding, adoption, and retention strategies
    backstory: >
      A customer success leader who builds programs that turn first purchases
      into durable accounts. Measures everything by time-to-value.
  risk_compliance:
    role: Risk & Compliance Officer
    goal: Identify program risks and applicable compliance requirements
    backstory: >
      A risk officer who has guided regulated launches across multiple
      jurisdictions. Ranks risks by what would actually stop the program.
  finance_resources:
    role: Finance & Resource Manager
    goal: Define budget, staffing, and resource allocation
    backstory: >
      A finance partner to delivery organizations. Builds plans that survive
      contact with a CFO and flags funding gaps before they bite.
  knowledge_curator:
    role: Knowledge Curator
    goal: Distill the planning conversation into reusable organizational knowledge
    backstory: >
      An organizational-learning specialist who mines program retrospectives
      for facts, constraints, and lessons worth keeping. Rigorous about
      separating verified knowledge from speculation.

rounds:
  - round: 1
    name: Vision & Context Alignment
    description: Establish shared understanding of the business, its goals, and the program's intent.
    objectives:
      - Restate the business context and the problem the program solves
      - Surface assumptions that need validation
      - Agree on what success looks like
    participating_agents: [program_coordinator, tech_architecture, platform_delivery, go_to_market, customer_success, risk_compliance, finance_resources]
    outputs:
      - Shared problem statement
      - Initial success criteria
  - round: 2
    name: Market & Customer Strategy
    description: Define target customers, positioning, and the adoption journey.
    objectives:
      - Identify target segments and their buying triggers
      - Outline positioning against alternatives
      - Sketch the onboarding-to-retention journey
    participating_agents: [program_coordinator, go_to_market, customer_success, finance_resources]
    outputs:
      - Target segment definition
      - Positioning outline
      - Customer journey sketch
  - round: 3
    name: Technical Architecture & Feasibility
    description: Define the technology approach and test its feasibility against constraints.
    objectives:
      - Propose the core technology stack
      - Identify build-versus-buy decisions
      - Flag technical risks and unknowns
    participating_agents: [program_coordinator, tech_architecture, platform_delivery, risk_compliance]
    outputs:
      - Candidate architecture
      - Feasibility assessment
  - round: 4
    name: Delivery & Operating Model
    description: Define how the program delivers, including workstreams, cadence, and quality gates.
    objectives:
      - Propose the workstream breakdown with owners
      - Define delivery cadence and quality gates
      - Map cross-workstream dependencies
    participating_agents: [program_coordinator, platform_delivery, tech_architecture, customer_success]
    outputs:
      - Workstream breakdown
      - Dependency map
  - round: 5
    name: Risk & Compliance Review
    description: Consolidate risks from all perspectives and define mitigations.
    objectives:
      - Consolidate risks raised in earlier rounds
      - Assess probability and impact for each risk
      - Define mitigations and owners
    participating_agents: [program_coordinator, risk_compliance, tech_architecture, platform_delivery, finance_resources]
    outputs:
      - Risk register draft
      - Mitigation plan
  - round: 6
    name: Resource & Financial Planning
    description: Translate the plan into staffing and budget.
    objectives:
      - Define roles, skills, and allocations per workstream
      - Estimate monthly costs and total budget
      - Reconcile against budget constraints
    participating_agents: [program_coordinator, finance_resources, platform_delivery, go_to_market]
    outputs:
      - Resource plan draft
      - Budget estimate
  - round: 7
    name: Final Synthesis & Commitment
    description: Consolidate all rounds into the final program and confirm commitment.
    objectives:
      - Resolve remaining open items and conflicts
      - Confirm workstreams, timeline, resources, and budget
      - Record final decisions with rationale
    participating_agents: [program_coordinator, tech_architecture, platform_delivery, go_to_market, customer_success, risk_compliance, finance_resources]
    outputs:
      - Final consolidated plan
      - Decision log

server:
  api_keys: []
  jwt_secret: ""
  webhooks: []
`
