package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"planboard/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
)

// TriggerKind is the persisted trigger discriminator.
type TriggerKind string

const (
	TriggerSchedule     TriggerKind = "Schedule"
	TriggerTaskCreated  TriggerKind = "Task Created"
	TriggerTaskDueDate  TriggerKind = "Task Due Date"
	TriggerTaskPriority TriggerKind = "Task Priority"
)

// ActionKind is the persisted action discriminator.
type ActionKind string

const (
	ActionEmail    ActionKind = "Email"
	ActionSlack    ActionKind = "Slack"
	ActionDiscord  ActionKind = "Discord"
	ActionWebhook  ActionKind = "Webhook"
	ActionCalendar ActionKind = "Calendar"
	ActionNoop     ActionKind = "noop"
)

const (
	defaultHoursBefore      = 24
	defaultCalendarDuration = 60
	defaultScheduleTime     = "09:00"
	placeholderNote         = "No actions configured"
)

// TriggerSpec is one of ScheduleTrigger, TaskCreatedTrigger,
// TaskDueDateTrigger, TaskPriorityTrigger or UnknownTrigger.
type TriggerSpec interface {
	Kind() TriggerKind
}

type ScheduleTrigger struct {
	Frequency  string `mapstructure:"frequency" validate:"required,oneof=hourly daily weekly monthly"`
	Time       string `mapstructure:"time"`
	DayOfWeek  string `mapstructure:"day_of_week"`
	DayOfMonth int    `mapstructure:"day_of_month" validate:"min=0,max=28"`
	Timezone   string `mapstructure:"timezone"`

	spec     string
	schedule cron.Schedule
}

func (ScheduleTrigger) Kind() TriggerKind { return TriggerSchedule }

// CronSpec returns the compiled cron expression, including any CRON_TZ prefix.
func (t *ScheduleTrigger) CronSpec() string { return t.spec }

type TaskCreatedTrigger struct {
	Columns    []string `mapstructure:"columns"`
	TimeWindow int      `mapstructure:"time_window" validate:"min=0"` // minutes
}

func (TaskCreatedTrigger) Kind() TriggerKind { return TriggerTaskCreated }

type TaskDueDateTrigger struct {
	HoursBefore float64 `mapstructure:"hours_before" validate:"min=0"`
}

func (TaskDueDateTrigger) Kind() TriggerKind { return TriggerTaskDueDate }

type TaskPriorityTrigger struct {
	Priority        string  `mapstructure:"priority" validate:"required"`
	HoursUnassigned float64 `mapstructure:"hours_unassigned" validate:"min=0"`
}

func (TaskPriorityTrigger) Kind() TriggerKind { return TriggerTaskPriority }

// UnknownTrigger keeps a stored record loadable when its trigger is not
// recognised or its config no longer validates. It never fires.
type UnknownTrigger struct {
	Name   string
	Reason string
}

func (t UnknownTrigger) Kind() TriggerKind { return TriggerKind(t.Name) }

// ActionSpec is one of EmailAction, ChatAction, WebhookAction,
// CalendarAction, NoopAction or UnknownAction.
type ActionSpec interface {
	Kind() ActionKind
}

type EmailAction struct {
	Subject   string `mapstructure:"subject" validate:"required"`
	Message   string `mapstructure:"message" validate:"required"`
	Recipient string `mapstructure:"recipient"`
}

func (EmailAction) Kind() ActionKind { return ActionEmail }

// ChatAction covers Slack and Discord, which share the same shape.
type ChatAction struct {
	Platform   ActionKind `mapstructure:"-"`
	Message    string     `mapstructure:"message" validate:"required"`
	WebhookURL string     `mapstructure:"webhook_url" validate:"omitempty,url"`
}

func (a ChatAction) Kind() ActionKind { return a.Platform }

type WebhookAction struct {
	URL     string                 `mapstructure:"url" validate:"required,url"`
	Method  string                 `mapstructure:"method" validate:"omitempty,oneof=POST PUT"`
	Message string                 `mapstructure:"message"`
	Headers map[string]string      `mapstructure:"headers"`
	Payload map[string]interface{} `mapstructure:"payload"`
}

func (WebhookAction) Kind() ActionKind { return ActionWebhook }

type CalendarAction struct {
	Title       string `mapstructure:"title" validate:"required"`
	Description string `mapstructure:"description"`
	Duration    int    `mapstructure:"duration" validate:"min=0"` // minutes
}

func (CalendarAction) Kind() ActionKind { return ActionCalendar }

type NoopAction struct {
	Note string `mapstructure:"note"`
}

func (NoopAction) Kind() ActionKind { return ActionNoop }

// UnknownAction is accepted at validation time and fails at dispatch.
type UnknownAction struct {
	Type   string
	Reason string
}

func (a UnknownAction) Kind() ActionKind { return ActionKind(a.Type) }

// AutomationDefinition is the typed, already-validated view of an Automation
// record that the evaluator and orchestrator work with.
type AutomationDefinition struct {
	Trigger TriggerSpec
	Actions []ActionSpec
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseDefinition validates a submitted trigger/config/action set and returns
// its typed form. Any failure is a *ValidationError.
func ParseDefinition(trigger string, triggerConfig map[string]interface{}, actions []map[string]interface{}) (*AutomationDefinition, error) {
	spec, err := parseTrigger(trigger, triggerConfig)
	if err != nil {
		return nil, err
	}
	def := &AutomationDefinition{Trigger: spec}
	for i, raw := range actions {
		action, err := parseAction(raw)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("actions[%d]%s", i, prefixed(ve.Field))
				return nil, ve
			}
			return nil, err
		}
		def.Actions = append(def.Actions, action)
	}
	return def, nil
}

// LoadDefinition builds the typed view of a stored record. It never fails:
// unrecognised or no-longer-valid pieces load as UnknownTrigger/UnknownAction.
func LoadDefinition(a *models.Automation) *AutomationDefinition {
	def := &AutomationDefinition{}

	cfg := map[string]interface{}{}
	if len(a.TriggerConfig) > 0 {
		if err := json.Unmarshal(a.TriggerConfig, &cfg); err != nil {
			def.Trigger = UnknownTrigger{Name: a.Trigger, Reason: "invalid trigger_config json"}
		}
	}
	if def.Trigger == nil {
		spec, err := parseTrigger(a.Trigger, cfg)
		if err != nil {
			def.Trigger = UnknownTrigger{Name: a.Trigger, Reason: err.Error()}
		} else {
			def.Trigger = spec
		}
	}

	var rawActions []map[string]interface{}
	if len(a.Actions) > 0 {
		if err := json.Unmarshal(a.Actions, &rawActions); err != nil {
			def.Actions = []ActionSpec{UnknownAction{Type: "invalid", Reason: "invalid actions json"}}
			return def
		}
	}
	for _, raw := range rawActions {
		action, err := parseAction(raw)
		if err != nil {
			action = UnknownAction{Type: effectiveActionType(raw), Reason: err.Error()}
		}
		def.Actions = append(def.Actions, action)
	}
	return def
}

// NormalizeActions applies the storage rules to submitted actions: an empty
// list becomes a single noop placeholder and each action carries its
// effective type under "type".
func NormalizeActions(actions []map[string]interface{}) []map[string]interface{} {
	if len(actions) == 0 {
		return []map[string]interface{}{{"type": string(ActionNoop), "note": placeholderNote}}
	}
	out := make([]map[string]interface{}, 0, len(actions))
	for _, raw := range actions {
		cp := make(map[string]interface{}, len(raw)+1)
		for k, v := range raw {
			cp[k] = v
		}
		cp["type"] = effectiveActionType(raw)
		out = append(out, cp)
	}
	return out
}

func parseTrigger(trigger string, cfg map[string]interface{}) (TriggerSpec, error) {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	switch TriggerKind(strings.TrimSpace(trigger)) {
	case TriggerSchedule:
		t := &ScheduleTrigger{Time: defaultScheduleTime}
		if err := decodeAndValidate("trigger_config", cfg, t, func() { t.Frequency = strings.ToLower(strings.TrimSpace(t.Frequency)) }); err != nil {
			return nil, err
		}
		if err := t.compile(); err != nil {
			return nil, err
		}
		return t, nil
	case TriggerTaskCreated:
		t := &TaskCreatedTrigger{}
		if err := decodeAndValidate("trigger_config", cfg, t, nil); err != nil {
			return nil, err
		}
		return t, nil
	case TriggerTaskDueDate:
		t := &TaskDueDateTrigger{HoursBefore: defaultHoursBefore}
		if err := decodeAndValidate("trigger_config", cfg, t, nil); err != nil {
			return nil, err
		}
		return t, nil
	case TriggerTaskPriority:
		t := &TaskPriorityTrigger{}
		if err := decodeAndValidate("trigger_config", cfg, t, func() { t.Priority = strings.ToLower(strings.TrimSpace(t.Priority)) }); err != nil {
			return nil, err
		}
		return t, nil
	case "":
		return nil, invalid("trigger", "is required")
	default:
		return nil, &ValidationError{Field: "trigger", Message: fmt.Sprintf("%v: %q", ErrUnknownTriggerType, trigger), Err: ErrUnknownTriggerType}
	}
}

func parseAction(raw map[string]interface{}) (ActionSpec, error) {
	typ := effectiveActionType(raw)
	if typ == "" {
		return nil, invalid("type", "either type or name is required")
	}
	switch canonicalActionKind(typ) {
	case ActionEmail:
		a := &EmailAction{}
		if err := decodeAndValidate("", raw, a, nil); err != nil {
			return nil, err
		}
		return a, nil
	case ActionSlack, ActionDiscord:
		a := &ChatAction{Platform: canonicalActionKind(typ)}
		if err := decodeAndValidate("", raw, a, nil); err != nil {
			return nil, err
		}
		return a, nil
	case ActionWebhook:
		a := &WebhookAction{}
		if err := decodeAndValidate("", raw, a, func() { a.Method = strings.ToUpper(strings.TrimSpace(a.Method)) }); err != nil {
			return nil, err
		}
		if a.Method == "" {
			a.Method = "POST"
		}
		return a, nil
	case ActionCalendar:
		a := &CalendarAction{Duration: defaultCalendarDuration}
		if err := decodeAndValidate("", raw, a, nil); err != nil {
			return nil, err
		}
		if a.Duration == 0 {
			a.Duration = defaultCalendarDuration
		}
		return a, nil
	case ActionNoop:
		a := &NoopAction{}
		if err := decodeAndValidate("", raw, a, nil); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return UnknownAction{Type: typ}, nil
	}
}

// effectiveActionType returns "type" when present, otherwise the legacy "name".
func effectiveActionType(raw map[string]interface{}) string {
	for _, key := range []string{"type", "name"} {
		if v, ok := raw[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func canonicalActionKind(typ string) ActionKind {
	for _, k := range []ActionKind{ActionEmail, ActionSlack, ActionDiscord, ActionWebhook, ActionCalendar, ActionNoop} {
		if strings.EqualFold(typ, string(k)) {
			return k
		}
	}
	return ActionKind(typ)
}

func decodeAndValidate(field string, raw map[string]interface{}, out interface{}, normalize func()) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return invalid(field, "%v", err)
	}
	if normalize != nil {
		normalize()
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: joinField(field, fe.Field()), Message: describeFieldError(fe)}
		}
		return invalid(field, "%v", err)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be an absolute URL"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func joinField(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}

func prefixed(field string) string {
	if field == "" {
		return ""
	}
	return "." + field
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Monday, nil
	}
	if d, ok := weekdays[s]; ok {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	return 0, fmt.Errorf("unknown day %q", s)
}

// compile turns the frequency/time/day fields into a cron schedule.
func (t *ScheduleTrigger) compile() error {
	at, err := time.Parse("15:04", strings.TrimSpace(t.Time))
	if err != nil {
		return invalid("trigger_config.time", "must be HH:MM")
	}
	var spec string
	switch t.Frequency {
	case "hourly":
		spec = fmt.Sprintf("%d * * * *", at.Minute())
	case "daily":
		spec = fmt.Sprintf("%d %d * * *", at.Minute(), at.Hour())
	case "weekly":
		day, err := parseWeekday(t.DayOfWeek)
		if err != nil {
			return invalid("trigger_config.day_of_week", "%v", err)
		}
		spec = fmt.Sprintf("%d %d * * %d", at.Minute(), at.Hour(), int(day))
	case "monthly":
		dom := t.DayOfMonth
		if dom == 0 {
			dom = 1
		}
		spec = fmt.Sprintf("%d %d %d * *", at.Minute(), at.Hour(), dom)
	}
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return invalid("trigger_config.timezone", "unknown timezone %q", tz)
		}
		spec = "CRON_TZ=" + tz + " " + spec
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return invalid("trigger_config", "invalid schedule: %v", err)
	}
	t.spec = spec
	t.schedule = sched
	return nil
}
