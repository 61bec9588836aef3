package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/jbodinstall/internal/disk"
	"github.com/sigreer/jbodinstall/internal/planner"
)

func TestStepString(t *testing.T) {
	cases := map[Step]string{
		StepInit:       "init",
		StepBackup:     "backup",
		StepPartition:  "partition",
		StepExtract:    "extract",
		StepConfigure:  "configure",
		StepBootloader: "bootloader",
		Step(99):       "unknown",
	}
	for step, want := range cases {
		assert.Equalf(t, want, step.String(), "Step(%d).String()", step)
	}
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	inner := &disk.Error{Kind: disk.KindInvalidInput, Message: "bad input"}
	wrapped := &Error{Step: StepPartition, Err: inner}

	assert.Same(t, inner, wrapped.Unwrap(), "Unwrap should return the underlying error")
	assert.NotEmpty(t, wrapped.Error())
}

func TestInstallRejectsEmptyHostname(t *testing.T) {
	in := New(nil, nil, nil)

	var errs []*Error
	in.OnError(func(e *Error) { errs = append(errs, e) })

	ds := disk.NewDisks()
	plan := &planner.Plan{}
	cfg := &Config{Hostname: ""}

	err := in.Install(context.Background(), plan, ds, nil, 0, cfg)
	require.Error(t, err, "expected an error for an empty hostname")

	execErr, ok := err.(*Error)
	require.True(t, ok, "got error %T, want *Error", err)
	assert.Equal(t, StepInit, execErr.Step)
	assert.Len(t, errs, 1, "expected the error callback to fire exactly once")
}

func TestInstallAbortsOnLayoutChange(t *testing.T) {
	in := New(nil, nil, nil)

	var statuses []Status
	in.OnStatus(func(s Status) { statuses = append(statuses, s) })

	ds := disk.NewDisks()
	plan := &planner.Plan{}
	cfg := &Config{Hostname: "box"}

	err := in.Install(context.Background(), plan, ds, nil, ^uint64(0), cfg)
	require.Error(t, err, "expected an error when the baseline device-layout hash can never match")

	execErr, ok := err.(*Error)
	require.True(t, ok, "got error %T, want *Error", err)
	assert.Equal(t, StepPartition, execErr.Step)

	derr, ok := execErr.Err.(*disk.Error)
	require.True(t, ok, "got underlying error %T, want *disk.Error", execErr.Err)
	assert.Equal(t, disk.KindLayoutChanged, derr.Kind)

	sawInit := false
	for _, s := range statuses {
		if s.Step == StepInit && s.Percent == 100 {
			sawInit = true
		}
	}
	assert.True(t, sawInit, "expected StepInit to complete before StepPartition ran")
}

func TestOnTimezoneAndOnUserRegisterCallbacks(t *testing.T) {
	in := &Installer{}
	in.OnTimezone(func() string { return "UTC" })
	in.OnUser(func() UserInfo { return UserInfo{Username: "x"} })

	assert.NotNil(t, in.timezoneCB, "expected the timezone callback to be registered")
	assert.NotNil(t, in.userCB, "expected the user callback to be registered")
}
