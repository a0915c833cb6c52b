package services

import (
	"time"

	"planboard/internal/models"

	"github.com/sirupsen/logrus"
)

// LoadedAutomation pairs a stored record with its typed definition.
type LoadedAutomation struct {
	Record     models.Automation
	Definition *AutomationDefinition
}

// LoadAutomations builds typed definitions for a batch of records.
func LoadAutomations(records []models.Automation) []LoadedAutomation {
	out := make([]LoadedAutomation, 0, len(records))
	for i := range records {
		out = append(out, LoadedAutomation{Record: records[i], Definition: LoadDefinition(&records[i])})
	}
	return out
}

// ScanInput is the evaluation context of one scan pass. Tasks holds the task
// the event is about, or every open task of the project on a tick.
type ScanInput struct {
	Event   EventKind
	Project *ProjectSnapshot
	Tasks   []TaskSnapshot
	Now     time.Time
	// TaskLedger maps automation id -> task id -> last recorded run.
	TaskLedger map[uint]map[uint]time.Time
}

// Firing is one automation that is due, with the task it fires for (nil for
// project-level triggers).
type Firing struct {
	Automation LoadedAutomation
	Task       *TaskSnapshot
	Context    EvalContext
}

// TriggerScanner selects due automations. It does not touch any store.
type TriggerScanner struct {
	logger *logrus.Logger
}

func NewTriggerScanner(logger *logrus.Logger) *TriggerScanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerScanner{logger: logger}
}

// Matching keeps active automations whose trigger listens to event.
func (s *TriggerScanner) Matching(list []LoadedAutomation, event EventKind) []LoadedAutomation {
	var out []LoadedAutomation
	for _, la := range list {
		if !la.Record.IsActive {
			continue
		}
		if u, ok := la.Definition.Trigger.(UnknownTrigger); ok {
			s.logger.WithFields(logrus.Fields{
				"automation_id": la.Record.ID,
				"trigger":       u.Name,
				"reason":        u.Reason,
			}).Warn("automation has an unusable trigger, skipping")
			continue
		}
		if MatchesEvent(la.Definition.Trigger, event) {
			out = append(out, la)
		}
	}
	return out
}

// DueAutomations narrows the matching automations to the ones whose
// condition holds, expanding task-scoped triggers over in.Tasks.
func (s *TriggerScanner) DueAutomations(list []LoadedAutomation, in ScanInput) []Firing {
	var out []Firing
	for _, la := range s.Matching(list, in.Event) {
		base := EvalContext{
			Event:               in.Event,
			Project:             in.Project,
			Now:                 in.Now,
			AutomationCreatedAt: la.Record.CreatedAt,
		}
		if !IsTaskScoped(la.Definition.Trigger) {
			base.LastFired = la.Record.LastRunAt
			if IsDue(la.Definition.Trigger, base) {
				out = append(out, Firing{Automation: la, Context: base})
			}
			continue
		}
		ledger := in.TaskLedger[la.Record.ID]
		for i := range in.Tasks {
			task := &in.Tasks[i]
			ctx := base
			ctx.Task = task
			ctx.LastFired = nil
			if at, ok := ledger[task.ID]; ok {
				at := at
				ctx.LastFired = &at
			}
			if IsDue(la.Definition.Trigger, ctx) {
				out = append(out, Firing{Automation: la, Task: task, Context: ctx})
			}
		}
	}
	return out
}
