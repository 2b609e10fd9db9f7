package engine

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"planline/internal/domain"
)

// resourceCostMonths is the fixed planning horizon used for resource cost
// projection. Deliberately a constant rather than the computed timeline
// length; the resource-plan test pins this behavior.
const resourceCostMonths = 6

// buildProgram folds every round's structured block into the final program.
// Extraction is pure: identical blocks always yield identical entity sets,
// modulo freshly minted ids.
func (r *run) buildProgram() (domain.Program, error) {
	workstreams := r.mergeWorkstreams()
	risks := r.mergeRisks()
	resources := r.mergeResources()

	if err := validateDependencies(workstreams); err != nil {
		return domain.Program{}, err
	}

	timeline := buildTimeline(workstreams)
	resourcePlan := buildResourcePlan(resources)
	financialPlan := buildFinancialPlan(resourcePlan, r.input.Constraints)

	highImpact, lowImpact := 0, 0
	for _, risk := range risks {
		switch risk.Impact {
		case "high":
			highImpact++
		case "low":
			lowImpact++
		}
	}
	riskLevel := "medium"
	if highImpact*2 > len(risks) {
		riskLevel = "high"
	} else if lowImpact*2 > len(risks) {
		riskLevel = "low"
	}

	confidence := 0.8
	if len(workstreams) > 0 {
		sum := 0.0
		for _, ws := range workstreams {
			sum += ws.Confidence
		}
		confidence = sum / float64(len(workstreams))
	}

	name := r.input.BusinessContext.Name
	return domain.Program{
		ID:                uuid.NewString(),
		Title:             fmt.Sprintf("%s Strategic Transformation Program", name),
		Description:       fmt.Sprintf("A comprehensive program to execute strategic initiatives for %s", name),
		Workstreams:       workstreams,
		Timeline:          timeline,
		ResourcePlan:      resourcePlan,
		RiskRegister:      domain.RiskRegister{Risks: risks, OverallRiskLevel: riskLevel},
		FinancialPlan:     financialPlan,
		OverallConfidence: confidence,
	}, nil
}

// mergeWorkstreams unions workstream updates across rounds by name, first
// occurrence winning. Each workstream gets one auto-generated deliverable due
// at its end month. Falls back to the default catalog when nothing was
// extracted.
func (r *run) mergeWorkstreams() []domain.Workstream {
	seen := map[string]bool{}
	var workstreams []domain.Workstream

	for _, block := range r.blocks {
		for _, update := range block.WorkstreamUpdates {
			name := update.Name
			if name == "" {
				name = "Unknown Workstream"
			}
			if seen[name] {
				continue
			}
			seen[name] = true

			start := update.StartMonth
			if start == 0 {
				start = 1
			}
			end := update.EndMonth
			if end == 0 {
				end = 3
			}
			owner := update.Owner
			if owner == "" {
				owner = "TBD"
			}

			wsID := uuid.NewString()
			workstreams = append(workstreams, domain.Workstream{
				ID:          wsID,
				Name:        name,
				Description: update.Description,
				Owner:       owner,
				Deliverables: []domain.Deliverable{{
					ID:           uuid.NewString(),
					Name:         fmt.Sprintf("%s - Initial Deliverable", name),
					Description:  update.Description,
					WorkstreamID: wsID,
					DueMonth:     end,
					Status:       "not_started",
				}},
				Dependencies:         []string{},
				ResourceRequirements: []domain.ResourceRequirement{},
				StartMonth:           start,
				EndMonth:             end,
				Confidence:           0.8,
			})
		}
	}

	if len(workstreams) == 0 {
		return defaultWorkstreams(r.input.BusinessContext.Name)
	}
	return workstreams
}

// mergeRisks unions identified risks by description, first occurrence wins.
func (r *run) mergeRisks() []domain.Risk {
	seen := map[string]bool{}
	var risks []domain.Risk

	for _, block := range r.blocks {
		for _, identified := range block.RisksIdentified {
			if identified.Description == "" || seen[identified.Description] {
				continue
			}
			seen[identified.Description] = true

			probability := identified.Probability
			if probability == "" {
				probability = "medium"
			}
			impact := identified.Impact
			if impact == "" {
				impact = "medium"
			}
			mitigation := identified.Mitigation
			if mitigation == "" {
				mitigation = "To be defined"
			}
			risks = append(risks, domain.Risk{
				ID:          uuid.NewString(),
				Description: identified.Description,
				Probability: probability,
				Impact:      impact,
				Mitigation:  mitigation,
				Owner:       "Risk Committee",
				Category:    "Program",
			})
		}
	}

	if len(risks) == 0 {
		return defaultRisks()
	}
	return risks
}

// mergeResources unions needed resources by role, first occurrence wins.
func (r *run) mergeResources() []domain.ResourceRequirement {
	seen := map[string]bool{}
	var resources []domain.ResourceRequirement

	for _, block := range r.blocks {
		for _, needed := range block.ResourcesNeeded {
			if needed.Role == "" || seen[needed.Role] {
				continue
			}
			seen[needed.Role] = true

			allocation := needed.Allocation
			if allocation == 0 {
				allocation = 1.0
			}
			cost := needed.CostPerMonth
			if cost == 0 {
				cost = 10000
			}
			skills := needed.Skills
			if skills == nil {
				skills = []string{}
			}
			resources = append(resources, domain.ResourceRequirement{
				Role:         needed.Role,
				Skills:       skills,
				Allocation:   allocation,
				CostPerMonth: cost,
			})
		}
	}

	if len(resources) == 0 {
		return defaultResources()
	}
	return resources
}

// validateDependencies rejects dangling workstream references instead of
// silently dropping them.
func validateDependencies(workstreams []domain.Workstream) error {
	ids := map[string]bool{}
	for _, ws := range workstreams {
		ids[ws.ID] = true
	}
	for _, ws := range workstreams {
		for _, dep := range ws.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("workstream %s depends on unknown workstream %s", ws.ID, dep)
			}
		}
	}
	return nil
}

// buildTimeline partitions the workstream span into roughly three phases of
// at least two months each and derives the critical path.
func buildTimeline(workstreams []domain.Workstream) domain.Timeline {
	if len(workstreams) == 0 {
		return domain.Timeline{Phases: []domain.TimelinePhase{}, TotalMonths: 6, CriticalPath: []string{}}
	}

	minMonth := workstreams[0].StartMonth
	maxMonth := workstreams[0].EndMonth
	for _, ws := range workstreams[1:] {
		if ws.StartMonth < minMonth {
			minMonth = ws.StartMonth
		}
		if ws.EndMonth > maxMonth {
			maxMonth = ws.EndMonth
		}
	}

	phaseDuration := (maxMonth - minMonth + 1) / 3
	if phaseDuration < 2 {
		phaseDuration = 2
	}

	var phases []domain.TimelinePhase
	phaseStart := minMonth
	phaseNum := 1
	for phaseStart <= maxMonth {
		phaseEnd := phaseStart + phaseDuration - 1
		if phaseEnd > maxMonth {
			phaseEnd = maxMonth
		}

		var phaseWorkstreams []string
		var phaseDeliverables []string
		for _, ws := range workstreams {
			if ws.StartMonth <= phaseEnd && ws.EndMonth >= phaseStart {
				phaseWorkstreams = append(phaseWorkstreams, ws.ID)
				for _, d := range ws.Deliverables {
					if d.DueMonth > 0 && d.DueMonth <= phaseEnd {
						phaseDeliverables = append(phaseDeliverables, d.ID)
					}
				}
			}
		}
		if len(phaseDeliverables) > 5 {
			phaseDeliverables = phaseDeliverables[:5]
		}

		phases = append(phases, domain.TimelinePhase{
			ID:            uuid.NewString(),
			Name:          fmt.Sprintf("Phase %d", phaseNum),
			StartMonth:    phaseStart,
			EndMonth:      phaseEnd,
			WorkstreamIDs: phaseWorkstreams,
			Milestones: []domain.Milestone{{
				ID:             uuid.NewString(),
				Name:           fmt.Sprintf("Phase %d Complete", phaseNum),
				DueMonth:       phaseEnd,
				DeliverableIDs: phaseDeliverables,
			}},
		})

		phaseStart = phaseEnd + 1
		phaseNum++
	}

	sorted := make([]domain.Workstream, len(workstreams))
	copy(sorted, workstreams)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartMonth < sorted[j].StartMonth })

	criticalPath := []string{}
	for _, ws := range sorted {
		if len(ws.Dependencies) > 0 || len(criticalPath) == 0 {
			criticalPath = append(criticalPath, ws.ID)
		}
	}

	return domain.Timeline{Phases: phases, TotalMonths: maxMonth, CriticalPath: criticalPath}
}

// buildResourcePlan projects role costs over the fixed planning horizon.
func buildResourcePlan(resources []domain.ResourceRequirement) domain.ResourcePlan {
	totalCost := 0.0
	for _, res := range resources {
		cost := res.CostPerMonth
		if cost == 0 {
			cost = 10000
		}
		totalCost += cost * res.Allocation * resourceCostMonths
	}
	return domain.ResourcePlan{
		Roles:          resources,
		TotalHeadcount: len(resources),
		TotalCost:      totalCost,
	}
}

// buildFinancialPlan derives capex/opex from the resource plan and scales
// every line item down proportionally when a budget cap is exceeded.
func buildFinancialPlan(resourcePlan domain.ResourcePlan, constraints *domain.Constraints) domain.FinancialPlan {
	personnelCost := resourcePlan.TotalCost / resourceCostMonths

	capex := []domain.FinancialItem{
		{Category: "Technology", Description: "Software licenses and tools", Amount: 50000, Frequency: "one_time"},
		{Category: "Infrastructure", Description: "Cloud infrastructure setup", Amount: 25000, Frequency: "one_time"},
	}
	opex := []domain.FinancialItem{
		{Category: "Personnel", Description: "Team salaries", Amount: personnelCost, Frequency: "monthly"},
		{Category: "Operations", Description: "Ongoing operational costs", Amount: 10000, Frequency: "monthly"},
	}

	totalBudget := 75000 + (personnelCost+10000)*6

	if constraints != nil && constraints.Budget != nil && totalBudget > *constraints.Budget {
		scale := *constraints.Budget / totalBudget
		totalBudget = *constraints.Budget
		for i := range capex {
			capex[i].Amount *= scale
		}
		for i := range opex {
			opex[i].Amount *= scale
		}
	}

	return domain.FinancialPlan{
		Capex:       capex,
		Opex:        opex,
		TotalBudget: totalBudget,
		Contingency: totalBudget * 0.1,
	}
}
