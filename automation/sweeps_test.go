package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hrpulse/errors"
	"github.com/teranos/hrpulse/identity"
	"github.com/teranos/hrpulse/people"
)

func (f *fixture) seedEmployee(t *testing.T, id, status, workEmail string, start *time.Time) *people.Employee {
	t.Helper()
	e := &people.Employee{
		ID:        id,
		FirstName: "Emp",
		LastName:  id,
		Email:     id + "@example.com",
		WorkEmail: workEmail,
		Status:    status,
		StartDate: start,
	}
	require.NoError(t, f.people.CreateEmployee(f.ctx, e))
	return e
}

func TestAutoActivate(t *testing.T) {
	f := newFixture(t)
	yesterday := t0.AddDate(0, 0, -1)
	today := t0
	tomorrow := t0.AddDate(0, 0, 1)

	f.seedEmployee(t, "e1", people.EmployeeStatusPendingStart, "", &yesterday)
	f.seedEmployee(t, "e2", people.EmployeeStatusOnboarding, "", &today)
	f.seedEmployee(t, "e3", people.EmployeeStatusPendingStart, "", &tomorrow)
	f.seedEmployee(t, "e4", people.EmployeeStatusTerminated, "", &yesterday)
	f.seedEmployee(t, "e5", people.EmployeeStatusPendingStart, "", nil)

	res, err := f.engine.RunSweep(f.ctx, SweepAutoActivate)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(OutcomeActivated))

	for id, want := range map[string]string{
		"e1": people.EmployeeStatusActive,
		"e2": people.EmployeeStatusActive,
		"e3": people.EmployeeStatusPendingStart,
		"e4": people.EmployeeStatusTerminated,
		"e5": people.EmployeeStatusPendingStart,
	} {
		emp, err := f.people.GetEmployee(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, emp.Status, id)
	}

	res, err = f.engine.RunSweep(f.ctx, SweepAutoActivate)
	require.NoError(t, err)
	assert.Zero(t, res.Total(), "active employees are not touched again")

	f.clock.Advance(24 * time.Hour)
	res, err = f.engine.RunSweep(f.ctx, SweepAutoActivate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(OutcomeActivated))
}

// flakyDirectory fails lookups for some employees.
type flakyDirectory struct {
	*identity.Static
	fail map[string]bool
}

func (d *flakyDirectory) LookupCanonicalEmail(ctx context.Context, id string) (string, error) {
	if d.fail[id] {
		return "", errors.Wrap(errors.ErrServiceUnavailable, "directory timeout")
	}
	return d.Static.LookupCanonicalEmail(ctx, id)
}

func TestSyncIdentities(t *testing.T) {
	f := newFixture(t)
	f.seedEmployee(t, "e1", people.EmployeeStatusActive, "", nil)
	f.seedEmployee(t, "e2", people.EmployeeStatusActive, "grace@acme.test", nil)
	f.seedEmployee(t, "e3", people.EmployeeStatusActive, "old@acme.test", nil)
	f.seedEmployee(t, "e4", people.EmployeeStatusActive, "old4@acme.test", nil)
	f.seedEmployee(t, "e5", people.EmployeeStatusTerminated, "gone@acme.test", nil)

	dir := &flakyDirectory{
		Static: identity.NewStatic(map[string]string{
			"e1": "emp.e1@acme.test",
			"e2": "GRACE@acme.test",
			"e3": "new@acme.test",
			"e5": "other@acme.test",
		}),
		fail: map[string]bool{"e4": true},
	}
	// A small batch forces paging
	e := f.rebuild(t, func(d *Deps) {
		d.Directory = dir
		d.Settings.BatchSize = 2
	})

	res, err := e.RunSweep(f.ctx, SweepIdentitySync)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(OutcomeUpdated))
	assert.Equal(t, 1, res.Count(OutcomeUnchanged), "case-only differences are equal")
	assert.Equal(t, 1, res.Count(OutcomeError))
	assert.Equal(t, 4, res.Total(), "terminated employees are skipped")

	for id, want := range map[string]string{
		"e1": "emp.e1@acme.test",
		"e2": "grace@acme.test",
		"e3": "new@acme.test",
		"e4": "old4@acme.test",
		"e5": "gone@acme.test",
	} {
		emp, err := f.people.GetEmployee(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, emp.WorkEmail, id)
	}

	res, err = e.RunSweep(f.ctx, SweepIdentitySync)
	require.NoError(t, err)
	assert.Zero(t, res.Count(OutcomeUpdated), "a second pass converges")
}

func TestSyncIdentitiesWithoutDirectory(t *testing.T) {
	f := newFixture(t)
	f.seedEmployee(t, "e1", people.EmployeeStatusActive, "", nil)

	e := f.rebuild(t, func(d *Deps) { d.Directory = nil })
	res, err := e.Sweeps.SyncIdentities(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestSweepResultString(t *testing.T) {
	res := newSweepResult(SweepReminders)
	res.add(nopRecorder{}, OutcomeSent, 2)
	res.add(nopRecorder{}, OutcomeCancelled, 1)
	res.add(nopRecorder{}, OutcomeFailed, 0)

	assert.Equal(t, "cancelled=1 sent=2", res.String())
	assert.Equal(t, 3, res.Total())
	assert.Zero(t, res.Count(OutcomeFailed))
}
