package automation

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/identity"
	hrtest "github.com/teranos/hrpulse/internal/testing"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/metrics"
	"github.com/teranos/hrpulse/people"
	"github.com/teranos/hrpulse/pulse"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testClock is shared by every store in a fixture so timestamps agree.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport records sends and fails the first failN of them.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []mail.Message
	attempts int
	failN    int // -1 fails forever
	err      error
}

func (f *fakeTransport) Send(_ context.Context, msg mail.Message) (mail.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failN < 0 || f.attempts <= f.failN {
		err := f.err
		if err == nil {
			err = errors.New("smtp: 421 service not available")
		}
		return mail.Result{}, err
	}
	f.sent = append(f.sent, msg)
	return mail.Result{EmailID: uuid.NewString()}, nil
}

func (f *fakeTransport) Sent() []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Message(nil), f.sent...)
}

func (f *fakeTransport) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fixture struct {
	ctx       context.Context
	db        *sql.DB
	clock     *testClock
	actions   *action.Store
	people    *people.Store
	templates *mail.Templates
	threads   *mail.Threads
	transport *fakeTransport
	directory *identity.Static
	sched     *pulse.Client
	metrics   *metrics.Metrics
	deps      Deps
	engine    *Engine
}

func testPolicies() PolicySet {
	return PolicySet{
		"OFFER_SENT": {Enabled: true, Reminder: ReminderPolicy{Enabled: true, DelayHours: 72}},
		"INTERVIEW":  {Enabled: true, DelayMinutes: 30},
		"SCREENING":  {Enabled: true}, // no template on purpose
		"REJECTED":   {Enabled: false},
	}
}

// newFixture builds the stores and a registered engine. opts adjust the
// engine's deps before it is built.
func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	ctx := context.Background()
	db := hrtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	clk := &testClock{now: t0}

	f := &fixture{
		ctx:       ctx,
		db:        db,
		clock:     clk,
		actions:   action.NewStore(db),
		people:    people.NewStore(db),
		templates: mail.NewTemplates(db),
		threads:   mail.NewThreads(db),
		transport: &fakeTransport{},
		directory: identity.NewStatic(nil),
		metrics:   metrics.New(),
	}
	f.actions.SetClock(clk.Now)
	f.people.SetClock(clk.Now)

	recording := mail.NewRecordingTransport(db, f.transport, log)
	recording.SetClock(clk.Now)

	f.sched = pulse.NewClient(ctx, db, pulse.Config{
		Workers:    1,
		RetryLimit: 2,
		RetryDelay: time.Minute,
	}, log)
	f.sched.SetClock(clk.Now)
	f.sched.SetObserver(f.metrics)

	f.deps = Deps{
		Actions:   f.actions,
		People:    f.people,
		Templates: f.templates,
		Threads:   f.threads,
		Transport: recording,
		Directory: f.directory,
		Scheduler: f.sched,
		Recorder:  f.metrics,
		Settings: Settings{
			From:               "talent@acme.test",
			OfferStage:         "OFFER",
			EscalateAfterHours: 168,
			MaxSendAttempts:    3,
		},
		Policies: testPolicies(),
		Log:      log,
		Now:      clk.Now,
	}
	for _, opt := range opts {
		opt(&f.deps)
	}
	engine, err := NewEngine(f.deps)
	require.NoError(t, err)
	engine.Register()
	f.engine = engine

	f.seedTemplates(t)
	return f
}

func (f *fixture) seedTemplates(t *testing.T) {
	t.Helper()
	for _, tmpl := range []*mail.Template{
		{Name: "offer-sent", Stage: "OFFER_SENT", Kind: mail.KindStage, IsDefault: true,
			Subject: "Your offer for {{.JobTitle}}", TextBody: "Hi {{.FirstName}}, your offer is on its way."},
		{Name: "offer-sent-reminder", Stage: "OFFER_SENT", Kind: mail.KindReminder, IsDefault: true,
			Subject: "Following up on your offer", TextBody: "Hi {{.FirstName}}, did you get a chance to review?"},
		{Name: "interview", Stage: "INTERVIEW", Kind: mail.KindStage, IsDefault: true,
			Subject: "Interview for {{.JobTitle}}", TextBody: "Hi {{.FirstName}}, let's talk."},
	} {
		require.NoError(t, f.templates.Create(f.ctx, tmpl))
	}
	require.NoError(t, f.people.CreateOfferTemplate(f.ctx, &people.OfferTemplate{
		Name:           "full-time",
		EmploymentType: "FULL_TIME",
		Body:           "Dear {{.FullName}}, we offer you the {{.JobTitle}} role starting {{.StartDate}}.",
	}))
}

// rebuild returns a second engine over the fixture's stores with deps
// adjusted by mutate. Its handlers are not registered.
func (f *fixture) rebuild(t *testing.T, mutate func(*Deps)) *Engine {
	t.Helper()
	d := f.deps
	mutate(&d)
	e, err := NewEngine(d)
	require.NoError(t, err)
	return e
}

// seedCandidate creates a job and a candidate in stage.
func (f *fixture) seedCandidate(t *testing.T, email, stage string) *people.Candidate {
	t.Helper()
	job := &people.Job{Title: "Backend Engineer", Department: "Platform", EmploymentType: "FULL_TIME", Salary: "90000"}
	require.NoError(t, f.people.CreateJob(f.ctx, job))
	cand := &people.Candidate{
		JobID:        job.ID,
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        email,
		Stage:        stage,
		NoticePeriod: "2 weeks",
		RecruiterID:  "rec-1",
	}
	require.NoError(t, f.people.CreateCandidate(f.ctx, cand))
	return cand
}

// run executes every due job.
func (f *fixture) run(t *testing.T) int {
	t.Helper()
	n, err := f.sched.RunPending(f.ctx)
	require.NoError(t, err)
	return n
}

func (f *fixture) action(t *testing.T, id string) *action.Action {
	t.Helper()
	a, err := f.actions.Get(f.ctx, id)
	require.NoError(t, err)
	return a
}

func (f *fixture) list(t *testing.T, kind action.Kind, subjectID string) []*action.Action {
	t.Helper()
	out, err := f.actions.List(f.ctx, action.Filter{Kind: kind, SubjectID: subjectID})
	require.NoError(t, err)
	return out
}

// sendOfferEmail moves a fresh candidate to OFFER_SENT and delivers the
// stage email. Returns the candidate and the SENT stage action.
func (f *fixture) sendOfferEmail(t *testing.T) (*people.Candidate, *action.Action) {
	t.Helper()
	cand := f.seedCandidate(t, "ada@example.com", "INTERVIEW")
	_, err := f.engine.MoveCandidate(f.ctx, cand.ID, "OFFER_SENT", "", false)
	require.NoError(t, err)
	f.run(t)

	stage := f.list(t, action.KindStageEmail, cand.ID)
	require.Len(t, stage, 1)
	require.Equal(t, action.StatusSent, stage[0].Status)
	return cand, stage[0]
}

// reminderOf returns the single reminder of a subject.
func (f *fixture) reminderOf(t *testing.T, subjectID string) *action.Action {
	t.Helper()
	rs := f.list(t, action.KindReminder, subjectID)
	require.Len(t, rs, 1)
	return rs[0]
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRowContext(f.ctx, `SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}
