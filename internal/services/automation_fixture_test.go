package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"planboard/internal/models"
	"planboard/pkg/notify"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.Task{},
		&models.Automation{},
		&models.AutomationRun{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type sentMail struct {
	To, Subject, Body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type fakeChat struct {
	mu    sync.Mutex
	posts []string
	hooks []string
	err   error
}

func (c *fakeChat) Post(_ context.Context, webhookURL, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.posts = append(c.posts, text)
	c.hooks = append(c.hooks, webhookURL)
	return nil
}

func (c *fakeChat) Posts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.posts...)
}

type fakeWebhook struct {
	mu      sync.Mutex
	reqs    []notify.WebhookRequest
	discord []string
	status  int
	err     error
}

func (w *fakeWebhook) Send(_ context.Context, req notify.WebhookRequest) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.reqs = append(w.reqs, req)
	if w.status == 0 {
		return 200, nil
	}
	return w.status, nil
}

func (w *fakeWebhook) PostDiscord(_ context.Context, _ string, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.discord = append(w.discord, content)
	return nil
}

type fakeCalendar struct {
	mu     sync.Mutex
	events []notify.CalendarEvent
	err    error
}

func (c *fakeCalendar) CreateEvent(_ context.Context, ev notify.CalendarEvent) (*notify.CreatedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.events = append(c.events, ev)
	return &notify.CreatedEvent{ID: "evt_1"}, nil
}

// failingStore makes RecordRun fail while delegating everything else.
type failingStore struct {
	AutomationStore
}

func (failingStore) RecordRun(context.Context, RunRecord) (*models.Automation, error) {
	return nil, errors.Join(ErrPersistence, errors.New("database is locked"))
}

type engineFixture struct {
	t        *testing.T
	db       *gorm.DB
	now      time.Time
	store    AutomationStore
	snaps    *GormSnapshotProvider
	executor *ActionExecutor
	orch     *Orchestrator
	svc      *AutomationService

	mail  *fakeMailer
	slack *fakeChat
	hook  *fakeWebhook
	cal   *fakeCalendar

	owner   models.User
	project models.Project
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		t:     t,
		db:    newEngineTestDB(t),
		now:   time.Now().UTC().Truncate(time.Second),
		mail:  &fakeMailer{},
		slack: &fakeChat{},
		hook:  &fakeWebhook{},
		cal:   &fakeCalendar{},
	}

	f.owner = models.User{Name: "Olivia Owner", Email: "owner@example.com"}
	require.NoError(t, f.db.Create(&f.owner).Error)
	f.project = models.Project{Name: "Apollo", OwnerID: f.owner.ID, StakeholderEmail: "stakeholder@example.com"}
	require.NoError(t, f.db.Create(&f.project).Error)

	f.store = NewGormAutomationStore(f.db)
	f.snaps = NewGormSnapshotProvider(f.db)
	f.snaps.now = func() time.Time { return f.now }
	f.rebuild()
	return f
}

// rebuild wires executor, orchestrator and service around f.store.
func (f *engineFixture) rebuild() {
	log := quietLogger()
	f.executor = NewActionExecutor(Transports{Mail: f.mail, Slack: f.slack, Webhook: f.hook, Calendar: f.cal}, time.Second, log, nil)
	f.orch = NewOrchestrator(f.store, f.snaps, f.executor, log, nil)
	f.orch.now = func() time.Time { return f.now }
	f.svc = NewAutomationService(f.store, f.snaps, f.orch, log)
}

func (f *engineFixture) createTask(title string, mutate func(*models.Task)) models.Task {
	f.t.Helper()
	task := models.Task{
		ProjectID: f.project.ID,
		Title:     title,
		Status:    models.TaskStatusTodo,
		Priority:  "medium",
		CreatedAt: f.now.Add(-time.Minute),
	}
	if mutate != nil {
		mutate(&task)
	}
	require.NoError(f.t, f.db.Create(&task).Error)
	return task
}

func (f *engineFixture) createAutomation(req *AutomationRequest) *models.Automation {
	f.t.Helper()
	a, err := f.svc.CreateAutomation(context.Background(), f.project.ID, req)
	require.NoError(f.t, err)
	return a
}

func (f *engineFixture) reload(id uint) *models.Automation {
	f.t.Helper()
	a, err := f.store.Get(context.Background(), id)
	require.NoError(f.t, err)
	return a
}

func (f *engineFixture) runCount(automationID uint) int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Model(&models.AutomationRun{}).Where("automation_id = ?", automationID).Count(&n).Error)
	return n
}

func ptrTime(t time.Time) *time.Time { return &t }
