package experiment

import (
	"fmt"
	"strings"
)

// resolveReferences checks id uniqueness and that every page reference —
// initialPageId, button targets, branch targets, matchmaking timeout targets —
// names an existing page.
func (c *compilation) resolveReferences(cfg *Config) {
	pageIDs := map[string]bool{}
	for i, p := range cfg.Pages {
		if p.ID == "" {
			continue
		}
		if pageIDs[p.ID] {
			c.errf(fmt.Sprintf("pages[%d]", i), "duplicate page id %q", p.ID)
			continue
		}
		pageIDs[p.ID] = true
	}

	if cfg.InitialPageID != "" && !pageIDs[cfg.InitialPageID] {
		c.errf("initialPageId", "page %q does not exist", cfg.InitialPageID)
	}

	poolIDs := map[string]bool{}
	for i, p := range cfg.Matchmaking {
		if p.PoolID == "" {
			continue
		}
		if poolIDs[p.PoolID] {
			c.errf(fmt.Sprintf("matchmaking[%d]", i), "duplicate pool id %q", p.PoolID)
			continue
		}
		poolIDs[p.PoolID] = true
	}

	agentIDs := map[string]bool{}
	for i, a := range cfg.Agents {
		if a.ID == "" {
			continue
		}
		if agentIDs[a.ID] {
			c.errf(fmt.Sprintf("agents[%d]", i), "duplicate agent id %q", a.ID)
			continue
		}
		agentIDs[a.ID] = true
	}

	for pi, p := range cfg.Pages {
		buttonIDs := map[string]bool{}
		for bi, b := range p.Buttons {
			bPath := fmt.Sprintf("pages[%d].buttons[%d]", pi, bi)
			if b.ID != "" {
				if buttonIDs[b.ID] {
					c.errf(bPath, "duplicate button id %q on page %q", b.ID, p.ID)
				}
				buttonIDs[b.ID] = true
			}
			if b.Action == nil {
				continue
			}
			if b.Action.Target != "" && !pageIDs[b.Action.Target] {
				c.errf(bPath+".action", "target page %q does not exist", b.Action.Target)
			}
			for bri, br := range b.Action.Branches {
				if !pageIDs[br.Target] {
					c.errf(fmt.Sprintf("%s.action.branches[%d]", bPath, bri), "target page %q does not exist", br.Target)
				}
			}
		}

		for ci, comp := range p.Components {
			cPath := fmt.Sprintf("pages[%d].components[%d]", pi, ci)
			switch comp.Type {
			case ComponentMatchmaking:
				if !poolIDs[comp.Matchmaking.PoolID] {
					c.errf(cPath, "pool %q is not declared in matchmaking", comp.Matchmaking.PoolID)
				}
				if tt := comp.Matchmaking.TimeoutTarget; tt != "" && !pageIDs[tt] {
					c.errf(cPath, "timeoutTarget page %q does not exist", tt)
				}
			case ComponentChat:
				for _, agentID := range comp.Chat.AgentIDs {
					if !agentIDs[agentID] {
						c.errf(cPath, "agent %q is not declared", agentID)
					}
				}
			}
		}
	}
}

// checkAssignments verifies every declared user_state write — action assigns
// and survey question ids — against the declared schema. Survey questions
// whose id is not a declared field are hard errors: the runtime would reject
// the submission as forbidden_write, so catch it at compile time.
func (c *compilation) checkAssignments(cfg *Config) {
	for pi, p := range cfg.Pages {
		for bi, b := range p.Buttons {
			if b.Action == nil {
				continue
			}
			for ai, as := range b.Action.Assign {
				aPath := fmt.Sprintf("pages[%d].buttons[%d].action.assign[%d]", pi, bi, ai)
				field, ok := strings.CutPrefix(as.Path, "user_state.")
				if !ok {
					c.errf(aPath, "assignment path must start with user_state.")
					continue
				}
				schema, declared := cfg.UserStateSchema[field]
				if !declared {
					c.errf(aPath, "user_state field %q is not declared", field)
					continue
				}
				if as.ValueExpr == nil && as.ValueSrc == "" {
					if err := ValidateValue(schema, as.Value); err != nil {
						c.errf(aPath, "value is not assignable to %s field %q: %v", schema.Type, field, err)
					}
				}
			}
		}

		for ci, comp := range p.Components {
			if comp.Type != ComponentSurvey {
				continue
			}
			for qi, q := range comp.Survey.Questions {
				if _, declared := cfg.UserStateSchema[q.ID]; !declared {
					c.errf(fmt.Sprintf("pages[%d].components[%d].questions[%d]", pi, ci, qi),
						"survey question %q writes to an undeclared user_state field", q.ID)
				}
			}
		}
	}
}

// lintUnreferenced emits warnings for pages no button or branch can reach and
// for declared user_state fields nothing writes.
func (c *compilation) lintUnreferenced(cfg *Config) {
	reachable := map[string]bool{cfg.InitialPageID: true}
	for _, p := range cfg.Pages {
		for _, b := range p.Buttons {
			if b.Action == nil {
				continue
			}
			if b.Action.Target != "" {
				reachable[b.Action.Target] = true
			}
			for _, br := range b.Action.Branches {
				reachable[br.Target] = true
			}
		}
		if mm := p.MatchmakingComponent(); mm != nil && mm.Matchmaking.TimeoutTarget != "" {
			reachable[mm.Matchmaking.TimeoutTarget] = true
		}
	}
	for i, p := range cfg.Pages {
		if !reachable[p.ID] {
			c.warnf(fmt.Sprintf("pages[%d]", i), "page %q is unreachable", p.ID)
		}
	}

	written := map[string]bool{}
	for _, p := range cfg.Pages {
		for _, comp := range p.Components {
			if comp.Type == ComponentSurvey {
				for _, q := range comp.Survey.Questions {
					written[q.ID] = true
				}
			}
		}
		for _, b := range p.Buttons {
			if b.Action == nil {
				continue
			}
			for _, as := range b.Action.Assign {
				written[strings.TrimPrefix(as.Path, "user_state.")] = true
			}
		}
	}
	// Matchmaking writes group_id and treatment implicitly.
	if len(cfg.Matchmaking) > 0 {
		written["group_id"] = true
		written["treatment"] = true
	}
	// Agents may write any declared field via assign_state.
	if len(cfg.Agents) > 0 {
		return
	}
	for name := range cfg.UserStateSchema {
		if !written[name] {
			c.warnf("userStateSchema."+name, "field %q is declared but never written", name)
		}
	}
}
