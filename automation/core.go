package automation

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hrpulse/action"
	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/identity"
	"github.com/teranos/hrpulse/mail"
	"github.com/teranos/hrpulse/people"
)

// Deps are the collaborators the engine runs against.
type Deps struct {
	Actions   *action.Store
	People    *people.Store
	Templates TemplateResolver
	Threads   ReplyDetector
	Transport mail.Transport
	Directory identity.Directory // nil disables identity reconciliation
	Scheduler Scheduler
	Recorder  Recorder // nil records nothing
	Settings  Settings
	Policies  PolicySet
	Log       *zap.SugaredLogger
	Now       func() time.Time // nil = time.Now
}

// core is the state shared by every component.
type core struct {
	actions   *action.Store
	people    *people.Store
	templates TemplateResolver
	threads   ReplyDetector
	transport mail.Transport
	directory identity.Directory
	sched     Scheduler
	rec       Recorder
	settings  Settings
	policies  atomic.Pointer[PolicySet]
	clock     func() time.Time
}

func newCore(d Deps) (*core, error) {
	switch {
	case d.Actions == nil:
		return nil, errors.AssertionFailedf("automation: Deps.Actions is required")
	case d.People == nil:
		return nil, errors.AssertionFailedf("automation: Deps.People is required")
	case d.Templates == nil:
		return nil, errors.AssertionFailedf("automation: Deps.Templates is required")
	case d.Threads == nil:
		return nil, errors.AssertionFailedf("automation: Deps.Threads is required")
	case d.Transport == nil:
		return nil, errors.AssertionFailedf("automation: Deps.Transport is required")
	case d.Scheduler == nil:
		return nil, errors.AssertionFailedf("automation: Deps.Scheduler is required")
	}
	c := &core{
		actions:   d.Actions,
		people:    d.People,
		templates: d.Templates,
		threads:   d.Threads,
		transport: d.Transport,
		directory: d.Directory,
		sched:     d.Scheduler,
		rec:       d.Recorder,
		settings:  d.Settings.withDefaults(),
		clock:     d.Now,
	}
	if c.rec == nil {
		c.rec = nopRecorder{}
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	p := d.Policies
	if p == nil {
		p = PolicySet{}
	}
	c.policies.Store(&p)
	return c, nil
}

func (c *core) now() time.Time { return c.clock().UTC() }

func (c *core) policy(stage string) (StagePolicy, bool) {
	return (*c.policies.Load()).For(stage)
}

func (c *core) recordAction(kind action.Kind, status action.Status) {
	c.rec.ActionTransition(string(kind), string(status))
}

// loadSubject returns the candidate an action concerns and its job, which
// may be nil.
func (c *core) loadSubject(ctx context.Context, subjectID string) (*people.Candidate, *people.Job, error) {
	cand, err := c.people.GetCandidate(ctx, subjectID)
	if err != nil {
		return nil, nil, err
	}
	if cand.JobID == "" {
		return cand, nil, nil
	}
	job, err := c.people.GetJob(ctx, cand.JobID)
	if errors.IsNotFoundError(err) {
		return cand, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return cand, job, nil
}

// templateVars are the variables every email and offer template sees.
func templateVars(cand *people.Candidate, job *people.Job) map[string]any {
	vars := map[string]any{
		"CandidateID": cand.ID,
		"FirstName":   cand.FirstName,
		"LastName":    cand.LastName,
		"FullName":    cand.FullName(),
		"Email":       cand.Email,
		"Stage":       cand.Stage,
	}
	if job != nil {
		vars["JobTitle"] = job.Title
		vars["Department"] = job.Department
		vars["Location"] = job.Location
		vars["EmploymentType"] = job.EmploymentType
		vars["Salary"] = job.Salary
	}
	return vars
}

// compose renders tmpl for the subject of an action into a message.
func (c *core) compose(tmpl *mail.Template, cand *people.Candidate, job *people.Job) (mail.Message, error) {
	out, err := mail.Render(tmpl, templateVars(cand, job))
	if err != nil {
		return mail.Message{}, err
	}
	return mail.Message{
		To:       cand.Email,
		From:     c.settings.From,
		Subject:  out.Subject,
		HTMLBody: out.HTMLBody,
		TextBody: out.TextBody,
	}, nil
}
