package models

import (
	"time"
)

// RoutingMode describes how a queue hands conversations to agents.
type RoutingMode string

const (
	// RoutingPull lets agents claim the next eligible conversation themselves.
	RoutingPull RoutingMode = "pull"
)

// HoursWindow is one open window of a business-hours schedule.
// Start and End use the "15:04" 24-hour clock format.
type HoursWindow struct {
	Weekday time.Weekday `json:"weekday"`
	Start   string       `json:"start"`
	End     string       `json:"end"`
}

// BusinessHours is an optional per-queue schedule gating agent pulls.
type BusinessHours struct {
	Timezone string        `json:"timezone,omitempty"`
	Windows  []HoursWindow `json:"windows"`
}

// Contains reports whether t falls inside any configured window.
// An unparseable window is skipped rather than treated as open.
func (h *BusinessHours) Contains(t time.Time) bool {
	if h == nil || len(h.Windows) == 0 {
		return true
	}
	loc := time.UTC
	if h.Timezone != "" {
		if l, err := time.LoadLocation(h.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	for _, w := range h.Windows {
		if w.Weekday != local.Weekday() {
			continue
		}
		start, err := parseClock(w.Start)
		if err != nil {
			continue
		}
		end, err := parseClock(w.End)
		if err != nil {
			continue
		}
		if minutes >= start && minutes < end {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Queue is a bounded, policy-driven holding area for conversations awaiting
// a human agent.
type Queue struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	DepartmentID    string         `json:"department_id,omitempty"`
	Active          bool           `json:"active"`
	Priority        int            `json:"priority"` // ordering within a department; higher wins
	Capacity        int            `json:"capacity"` // max queued conversations; 0 means unbounded
	OverflowQueueID string         `json:"overflow_queue_id,omitempty"`
	RoutingMode     RoutingMode    `json:"routing_mode,omitempty"`
	SLASeconds      int            `json:"sla_seconds,omitempty"`
	AllowedAgents   []string       `json:"allowed_agents,omitempty"`  // optional allow-list
	RequiredSkills  []string       `json:"required_skills,omitempty"` // optional skill gate
	Hours           *BusinessHours `json:"hours,omitempty"`
	MaxPerAgent     int            `json:"max_per_agent,omitempty"` // per-agent concurrent conversation cap; 0 means unlimited
}

// AllowsAgent reports whether the agent passes the queue's allow-list.
// An empty allow-list admits everyone.
func (q *Queue) AllowsAgent(agentID string) bool {
	if len(q.AllowedAgents) == 0 {
		return true
	}
	for _, id := range q.AllowedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// Agent is a human operator who claims queued conversations.
type Agent struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name,omitempty"`
	Skills              []string `json:"skills,omitempty"`
	Online              bool     `json:"online"`
	ActiveConversations int      `json:"active_conversations"`
}

// HasSkills reports whether the agent's skill set is a superset of required.
func (a *Agent) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Skills))
	for _, s := range a.Skills {
		have[s] = true
	}
	for _, s := range required {
		if !have[s] {
			return false
		}
	}
	return true
}
