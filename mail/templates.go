package mail

import (
	"bytes"
	"context"
	"database/sql"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/hrpulse/errors"
)

// Template kinds
const (
	KindStage    = "stage"
	KindReminder = "reminder"
)

// Template is a stored email template. Subject and TextBody are
// text/template sources; HTMLBody is an html/template source.
type Template struct {
	ID        string
	Name      string
	Stage     string
	Kind      string
	Subject   string
	HTMLBody  string
	TextBody  string
	IsDefault bool
	CreatedAt time.Time
}

// Templates reads email templates.
type Templates struct {
	db *sql.DB
}

// NewTemplates creates a template store
func NewTemplates(db *sql.DB) *Templates {
	return &Templates{db: db}
}

// Create inserts a template, defaulting its kind to stage.
func (s *Templates) Create(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = KindStage
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_templates (id, name, stage, kind, subject, html_body, text_body, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, sql.NullString{String: strings.ToUpper(t.Stage), Valid: t.Stage != ""}, t.Kind,
		t.Subject, t.HTMLBody, t.TextBody, t.IsDefault, t.CreatedAt.UTC())
	return errors.Wrapf(err, "failed to create email template %s", t.Name)
}

const templateColumns = `id, name, stage, kind, subject, html_body, text_body, is_default, created_at`

func (s *Templates) one(ctx context.Context, where string, args ...interface{}) (*Template, error) {
	var t Template
	var stage sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM email_templates WHERE `+where, args...).
		Scan(&t.ID, &t.Name, &stage, &t.Kind, &t.Subject, &t.HTMLBody, &t.TextBody, &t.IsDefault, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query email templates")
	}
	t.Stage = stage.String
	return &t, nil
}

// ByID returns the template with id, or nil when there is none.
func (s *Templates) ByID(ctx context.Context, id string) (*Template, error) {
	if id == "" {
		return nil, nil
	}
	return s.one(ctx, `id = ?`, id)
}

// ForStage returns the template of kind for stage: the one flagged default,
// else the oldest. Returns nil when the stage has none.
func (s *Templates) ForStage(ctx context.Context, stage, kind string) (*Template, error) {
	return s.one(ctx, `stage = ? AND kind = ? ORDER BY is_default DESC, created_at ASC, id ASC LIMIT 1`,
		strings.ToUpper(stage), kind)
}

// Rendered is a template with its variables substituted.
type Rendered struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// Render executes t against vars. Missing keys render as empty; HTML values
// are escaped.
func Render(t *Template, vars map[string]any) (Rendered, error) {
	if t == nil {
		return Rendered{}, errors.AssertionFailedf("render: nil template")
	}
	var out Rendered
	var err error
	if out.Subject, err = renderText(t.ID+"/subject", t.Subject, vars); err != nil {
		return Rendered{}, err
	}
	if out.TextBody, err = renderText(t.ID+"/text", t.TextBody, vars); err != nil {
		return Rendered{}, err
	}
	if t.HTMLBody != "" {
		tmpl, err := htmltemplate.New(t.ID + "/html").Option("missingkey=zero").Parse(t.HTMLBody)
		if err != nil {
			return Rendered{}, errors.Wrapf(err, "failed to parse html body of template %s", t.ID)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, vars); err != nil {
			return Rendered{}, errors.Wrapf(err, "failed to render html body of template %s", t.ID)
		}
		out.HTMLBody = buf.String()
	}
	// Subjects are a single header line
	out.Subject = strings.Join(strings.Fields(out.Subject), " ")
	return out, nil
}

func renderText(name, src string, vars map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", errors.Wrapf(err, "failed to render %s", name)
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
