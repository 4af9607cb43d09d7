package api

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/referral"
)

func TestIntegrityScheduler_RunOnce(t *testing.T) {
	// GIVEN: A loaded scenario
	s := newTestServer(t)
	all, err := Scenarios()
	require.NoError(t, err)
	require.NoError(t, LoadScenario(context.Background(), s.svc, &all[0]))

	logger, hook := test.NewNullLogger()
	is, err := NewIntegrityScheduler(s.svc, 0, logger)
	require.NoError(t, err)

	// WHEN: One audit runs
	report, err := is.RunOnce(context.Background())

	// THEN: It passes and says so
	require.NoError(t, err)
	assert.True(t, report.OK())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "integrity audit passed", hook.LastEntry().Message)
}

func TestIntegrityScheduler_ReportsViolations(t *testing.T) {
	// GIVEN: A direct referral counter that drifted
	s := newTestServer(t)
	root := s.register("rootuser", "")
	require.NoError(t, s.st.AdjustDirectReferrals(context.Background(), referral.UserID(root.ID), 1, time.Now()))

	logger, hook := test.NewNullLogger()
	is, err := NewIntegrityScheduler(s.svc, 0, logger)
	require.NoError(t, err)

	// WHEN: One audit runs
	report, err := is.RunOnce(context.Background())

	// THEN: The report carries the violation and the log escalates
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, referral.ViolationDirectReferrals, report.Violations[0].Kind)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Equal(t, root.ID, entries[0].Data["subject"])
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
}

func TestIntegrityScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	logger, hook := test.NewNullLogger()

	disabled, err := NewIntegrityScheduler(s.svc, 0, logger)
	require.NoError(t, err)
	disabled.Start()
	assert.Equal(t, "integrity audit disabled", hook.LastEntry().Message)
	assert.NoError(t, disabled.Stop())

	hourly, err := NewIntegrityScheduler(s.svc, time.Hour, logger)
	require.NoError(t, err)
	hourly.Start()
	assert.Equal(t, "1h0m0s", hook.LastEntry().Data["interval"])
	assert.NoError(t, hourly.Stop())
}
