package engine

import (
	"fmt"

	"github.com/google/uuid"

	"planline/internal/domain"
)

// Default catalog used whenever a generation run extracts nothing usable.
// Both the synthesizer fallback and any degraded path draw from these
// functions so the two can never drift apart. Ids are minted fresh per call;
// everything else is fixed.

// defaultWorkstreams returns the three-workstream template with a linear
// dependency chain and a six-month span.
func defaultWorkstreams(businessName string) []domain.Workstream {
	ws1 := uuid.NewString()
	ws2 := uuid.NewString()
	ws3 := uuid.NewString()

	return []domain.Workstream{
		{
			ID:          ws1,
			Name:        "Strategy & Planning",
			Description: fmt.Sprintf("Define strategic objectives and create implementation roadmap for %s", businessName),
			Owner:       "Strategy Lead",
			Deliverables: []domain.Deliverable{{
				ID:           uuid.NewString(),
				Name:         "Strategic Assessment",
				Description:  "Comprehensive analysis of current state and opportunities",
				WorkstreamID: ws1,
				DueMonth:     1,
				Status:       "not_started",
			}},
			Dependencies: []string{},
			ResourceRequirements: []domain.ResourceRequirement{{
				Role:         "Strategy Consultant",
				Skills:       []string{"Strategic Planning", "Business Analysis"},
				Allocation:   1.0,
				CostPerMonth: 15000,
			}},
			StartMonth: 1,
			EndMonth:   3,
			Confidence: 0.85,
		},
		{
			ID:          ws2,
			Name:        "Capability Development",
			Description: "Build required capabilities and skills",
			Owner:       "Capability Lead",
			Deliverables: []domain.Deliverable{{
				ID:           uuid.NewString(),
				Name:         "Capability Assessment",
				Description:  "Gap analysis of current vs required capabilities",
				WorkstreamID: ws2,
				DueMonth:     2,
				Status:       "not_started",
			}},
			Dependencies: []string{ws1},
			ResourceRequirements: []domain.ResourceRequirement{{
				Role:         "Capability Manager",
				Skills:       []string{"Training", "Change Management"},
				Allocation:   0.8,
				CostPerMonth: 12000,
			}},
			StartMonth: 2,
			EndMonth:   5,
			Confidence: 0.80,
		},
		{
			ID:          ws3,
			Name:        "Execution & Delivery",
			Description: "Execute strategic initiatives and deliver outcomes",
			Owner:       "Delivery Lead",
			Deliverables: []domain.Deliverable{{
				ID:           uuid.NewString(),
				Name:         "Pilot Implementation",
				Description:  "Initial rollout to validate approach",
				WorkstreamID: ws3,
				DueMonth:     4,
				Status:       "not_started",
			}},
			Dependencies: []string{ws1, ws2},
			ResourceRequirements: []domain.ResourceRequirement{{
				Role:         "Project Manager",
				Skills:       []string{"Project Management", "Stakeholder Management"},
				Allocation:   1.0,
				CostPerMonth: 13000,
			}},
			StartMonth: 3,
			EndMonth:   6,
			Confidence: 0.75,
		},
	}
}

func defaultRisks() []domain.Risk {
	return []domain.Risk{
		{
			ID:          uuid.NewString(),
			Description: "Resource availability constraints may delay timeline",
			Probability: "medium",
			Impact:      "high",
			Mitigation:  "Identify backup resources and establish cross-training program",
			Owner:       "Resource Manager",
			Category:    "Resource",
		},
		{
			ID:          uuid.NewString(),
			Description: "Stakeholder alignment challenges",
			Probability: "medium",
			Impact:      "medium",
			Mitigation:  "Regular stakeholder communication and engagement sessions",
			Owner:       "Program Manager",
			Category:    "Stakeholder",
		},
	}
}

func defaultResources() []domain.ResourceRequirement {
	return []domain.ResourceRequirement{
		{Role: "Strategy Consultant", Skills: []string{"Strategic Planning"}, Allocation: 1.0, CostPerMonth: 15000},
		{Role: "Project Manager", Skills: []string{"Project Management"}, Allocation: 1.0, CostPerMonth: 13000},
		{Role: "Business Analyst", Skills: []string{"Analysis"}, Allocation: 0.5, CostPerMonth: 10000},
	}
}
