package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"planboard/internal/metrics"
	"planboard/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RunState is the lifecycle of one automation run.
type RunState string

const (
	RunPending         RunState = "Pending"
	RunEvaluating      RunState = "Evaluating"
	RunSkipped         RunState = "Skipped"
	RunFiring          RunState = "Firing"
	RunCompleted       RunState = "Completed"
	RunPartiallyFailed RunState = "PartiallyFailed"
	RunFailed          RunState = "Failed"
)

// RunResult 一次自动化运行的结果
type RunResult struct {
	RunID         string       `json:"run_id"`
	AutomationID  uint         `json:"automation_id"`
	ProjectID     uint         `json:"project_id"`
	TaskID        *uint        `json:"task_id,omitempty"`
	Trigger       string       `json:"trigger"`
	State         RunState     `json:"state"`
	Success       bool         `json:"success"`
	Message       string       `json:"message"`
	DryRun        bool         `json:"dry_run"`
	ConditionMet  bool         `json:"condition_met"`
	Steps         []StepResult `json:"steps"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	StatsRecorded bool         `json:"stats_recorded"`
	Warning       string       `json:"warning,omitempty"`
	RunsCount     int          `json:"runs_count"`
	SuccessRate   float64      `json:"success_rate"`
}

// RunPublisher receives every finished run (live feed).
type RunPublisher interface {
	Publish(projectID uint, res *RunResult)
}

// Orchestrator drives evaluation, dispatch and counter persistence.
type Orchestrator struct {
	store     AutomationStore
	snapshots SnapshotProvider
	executor  *ActionExecutor
	scanner   *TriggerScanner
	publisher RunPublisher
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

func NewOrchestrator(store AutomationStore, snapshots SnapshotProvider, executor *ActionExecutor, logger *logrus.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		store:     store,
		snapshots: snapshots,
		executor:  executor,
		scanner:   NewTriggerScanner(logger),
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("planboard.automation"),
		now:       time.Now,
	}
}

// SetPublisher attaches the run feed.
func (o *Orchestrator) SetPublisher(p RunPublisher) { o.publisher = p }

// ProcessEvent runs every automation of the project that is due for event.
// taskID is required for task events and ignored on ticks.
func (o *Orchestrator) ProcessEvent(ctx context.Context, projectID uint, event EventKind, taskID *uint) ([]*RunResult, error) {
	ctx, span := o.tracer.Start(ctx, "automation.process_event")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("project.id", int64(projectID)),
		attribute.String("automation.event", string(event)),
	)

	records, err := o.store.Find(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	matching := o.scanner.Matching(LoadAutomations(records), event)
	if len(matching) == 0 {
		return nil, nil
	}

	project, err := o.snapshots.Project(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	in := ScanInput{Event: event, Project: project, Now: o.now(), TaskLedger: map[uint]map[uint]time.Time{}}
	needTasks := false
	for _, la := range matching {
		if IsTaskScoped(la.Definition.Trigger) {
			needTasks = true
			break
		}
	}
	if needTasks {
		switch {
		case event != EventScheduleTick && taskID != nil:
			task, err := o.snapshots.Task(ctx, projectID, *taskID)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			in.Tasks = []TaskSnapshot{*task}
		case event == EventScheduleTick:
			if in.Tasks, err = o.snapshots.OpenTasks(ctx, projectID); err != nil {
				span.RecordError(err)
				return nil, err
			}
		}
		ids := make([]uint, 0, len(in.Tasks))
		for _, t := range in.Tasks {
			ids = append(ids, t.ID)
		}
		for _, la := range matching {
			if !IsTaskScoped(la.Definition.Trigger) || len(ids) == 0 {
				continue
			}
			ledger, err := o.store.LastFiredForTasks(ctx, la.Record.ID, ids)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			in.TaskLedger[la.Record.ID] = ledger
		}
	}

	fires := o.scanner.DueAutomations(matching, in)
	fired := make(map[uint]bool, len(fires))
	results := make([]*RunResult, 0, len(matching))
	for _, f := range fires {
		rec := f.Automation.Record
		results = append(results, o.fire(ctx, &rec, f.Automation.Definition, project, f.Task, true, false))
		fired[rec.ID] = true
	}
	for _, la := range matching {
		if !fired[la.Record.ID] {
			rec := la.Record
			results = append(results, o.skip(&rec))
		}
	}
	span.SetAttributes(attribute.Int("automation.fired", len(fires)))
	return results, nil
}

// skip reports a candidate whose condition did not hold. Nothing is persisted.
func (o *Orchestrator) skip(a *models.Automation) *RunResult {
	res := o.newResult(a, nil, false)
	res.State = RunSkipped
	res.Message = "condition not met"
	res.FinishedAt = o.now()
	o.metrics.RecordRun(a.Trigger, string(res.State), 0)
	o.logger.WithFields(logrus.Fields{"automation_id": a.ID, "project_id": a.ProjectID}).Debug("automation skipped")
	return res
}

// RunManual evaluates the automation against current project state and
// records whether the condition held, then fires regardless. dryRun skips
// every store write.
func (o *Orchestrator) RunManual(ctx context.Context, a *models.Automation, dryRun bool) *RunResult {
	def := LoadDefinition(a)

	project, err := o.snapshots.Project(ctx, a.ProjectID)
	if err != nil {
		res := o.newResult(a, nil, dryRun)
		res.State = RunFailed
		res.Message = fmt.Sprintf("could not load project: %v", err)
		return o.finish(ctx, a, res, 0)
	}

	task, err := o.snapshots.LatestOpenTask(ctx, a.ProjectID)
	if err != nil {
		o.logger.WithError(err).WithField("project_id", a.ProjectID).Warn("could not load task context for manual run")
		task = nil
	}

	evalCtx := EvalContext{
		Event:               manualEvent(def.Trigger),
		Project:             project,
		Task:                task,
		Now:                 o.now(),
		AutomationCreatedAt: a.CreatedAt,
	}
	if IsTaskScoped(def.Trigger) {
		if task != nil {
			ledger, err := o.store.LastFiredForTasks(ctx, a.ID, []uint{task.ID})
			if err == nil {
				if at, ok := ledger[task.ID]; ok {
					evalCtx.LastFired = &at
				}
			}
		}
	} else {
		evalCtx.LastFired = a.LastRunAt
	}
	met := IsDue(def.Trigger, evalCtx)
	o.logger.WithFields(logrus.Fields{"automation_id": a.ID, "state": RunEvaluating, "condition_met": met}).Debug("manual run evaluated")
	if u, ok := def.Trigger.(UnknownTrigger); ok {
		o.logger.WithFields(logrus.Fields{"automation_id": a.ID, "trigger": u.Name}).Warn("manual run of automation with unusable trigger")
	}

	return o.fire(ctx, a, def, project, task, met, dryRun)
}

func manualEvent(t TriggerSpec) EventKind {
	switch t.(type) {
	case *ScheduleTrigger:
		return EventScheduleTick
	case *TaskCreatedTrigger:
		return EventTaskCreated
	default:
		return EventTaskUpdated
	}
}

// fire runs the actions in order and folds the outcome into the counters.
func (o *Orchestrator) fire(ctx context.Context, a *models.Automation, def *AutomationDefinition, project *ProjectSnapshot, task *TaskSnapshot, conditionMet, dryRun bool) *RunResult {
	ctx, span := o.tracer.Start(ctx, "automation.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("automation.id", int64(a.ID)),
		attribute.String("automation.trigger", a.Trigger),
		attribute.Bool("automation.dry_run", dryRun),
	)

	// task_id lands in the ledger only when the condition matched that task
	var ledgerTask *TaskSnapshot
	if conditionMet {
		ledgerTask = task
	}
	res := o.newResult(a, ledgerTask, dryRun)
	res.ConditionMet = conditionMet
	res.State = RunFiring

	now := o.now()
	ac := ActionContext{
		AutomationName: a.Name,
		Tokens:         BuildTokens(a.Name, project, task, now),
		Now:            now,
	}
	if project != nil {
		ac.DefaultRecipient = project.StakeholderEmail
		if ac.DefaultRecipient == "" {
			ac.DefaultRecipient = project.OwnerEmail
		}
	}
	if task != nil {
		ac.DueDate = task.DueDate
	}

	succeeded := 0
	var failures []string
	for i, action := range def.Actions {
		step := o.executor.Execute(ctx, i, action, ac)
		res.Steps = append(res.Steps, step)
		if step.Success {
			succeeded++
		} else {
			failures = append(failures, fmt.Sprintf("%s: %s", step.Type, step.Error))
		}
	}

	total := len(def.Actions)
	var score float64
	switch {
	case total == 0:
		res.State = RunFailed
		res.Message = "automation has no actions"
	case succeeded == total:
		res.State = RunCompleted
		res.Message = fmt.Sprintf("all %d actions succeeded", total)
		score = 100
	case succeeded == 0:
		res.State = RunFailed
		res.Message = fmt.Sprintf("all %d actions failed: %s", total, strings.Join(failures, "; "))
	default:
		res.State = RunPartiallyFailed
		res.Message = fmt.Sprintf("%d of %d actions failed: %s", total-succeeded, total, strings.Join(failures, "; "))
		score = 100 * float64(succeeded) / float64(total)
	}
	span.SetAttributes(attribute.String("automation.state", string(res.State)))
	return o.finish(ctx, a, res, score)
}

func (o *Orchestrator) newResult(a *models.Automation, task *TaskSnapshot, dryRun bool) *RunResult {
	res := &RunResult{
		RunID:        uuid.NewString(),
		AutomationID: a.ID,
		ProjectID:    a.ProjectID,
		Trigger:      a.Trigger,
		State:        RunPending,
		DryRun:       dryRun,
		Steps:        []StepResult{},
		StartedAt:    o.now(),
		RunsCount:    a.RunsCount,
		SuccessRate:  a.SuccessRate,
	}
	if task != nil {
		id := task.ID
		res.TaskID = &id
	}
	return res
}

// finish persists counters (non-dry runs), emits metrics and publishes.
func (o *Orchestrator) finish(ctx context.Context, a *models.Automation, res *RunResult, score float64) *RunResult {
	res.Success = res.State == RunCompleted
	res.FinishedAt = o.now()

	fields := logrus.Fields{
		"automation_id": a.ID,
		"project_id":    a.ProjectID,
		"run_id":        res.RunID,
		"state":         res.State,
		"dry_run":       res.DryRun,
	}

	if !res.DryRun {
		updated, err := o.store.RecordRun(ctx, RunRecord{
			AutomationID: a.ID,
			ProjectID:    a.ProjectID,
			TaskID:       res.TaskID,
			RunID:        res.RunID,
			State:        res.State,
			Message:      res.Message,
			Score:        score,
			At:           res.FinishedAt,
		})
		if err != nil {
			res.Warning = err.Error()
			o.logger.WithFields(fields).WithError(err).Error("failed to record automation run")
		} else {
			res.StatsRecorded = true
			res.RunsCount = updated.RunsCount
			res.SuccessRate = updated.SuccessRate
		}
	}

	o.metrics.RecordRun(a.Trigger, string(res.State), res.FinishedAt.Sub(res.StartedAt).Seconds())
	o.logger.WithFields(fields).Info(res.Message)
	if o.publisher != nil {
		o.publisher.Publish(a.ProjectID, res)
	}
	return res
}
