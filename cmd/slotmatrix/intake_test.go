package main

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIntake_MixedLines(t *testing.T) {
	in := strings.NewReader(`
# seed
{"register":{"id":"alice","referral_parent":"root"}}

{"id":"ev-1","program":"binary","tier":1,"amount":"5","currency":"USDT","payer":"alice","referral_parent":"root"}
`)
	var regs []registration
	var events []domain.FeeEvent
	err := readIntake(context.Background(), in,
		func(r registration) error { regs = append(regs, r); return nil },
		func(ev domain.FeeEvent) error { events = append(events, ev); return nil },
	)
	require.NoError(t, err)

	require.Len(t, regs, 1)
	assert.Equal(t, registration{ID: "alice", ReferralParent: "root"}, regs[0])
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, domain.ProgramBinary, events[0].Program)
	assert.Equal(t, "5", events[0].Amount.String())
	assert.Equal(t, "root", events[0].ReferralParent)
}

func TestReadIntake_BadLineReportsNumber(t *testing.T) {
	in := strings.NewReader("{\"register\":{\"id\":\"a\"}}\n{not json\n")
	err := readIntake(context.Background(), in,
		func(registration) error { return nil },
		func(domain.FeeEvent) error { return nil },
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadIntake_CallbackErrorStops(t *testing.T) {
	in := strings.NewReader("{\"id\":\"a\"}\n{\"id\":\"b\"}\n")
	calls := 0
	err := readIntake(context.Background(), in,
		func(registration) error { return nil },
		func(domain.FeeEvent) error { calls++; return context.Canceled },
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestReadIntake_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := readIntake(ctx, strings.NewReader("{\"id\":\"a\"}\n"),
		func(registration) error { return nil },
		func(domain.FeeEvent) error { return nil },
	)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "duplicate fee event",
		rejectReason(fmt.Errorf("processor.Submit: %w", domain.ErrDuplicateFeeEvent)))
	assert.Equal(t, "invalid fee event",
		rejectReason(fmt.Errorf("processor.Submit: tier 9: %w", domain.ErrInvalidFeeEvent)))
	assert.Equal(t, "disk full", rejectReason(fmt.Errorf("storage: commit: disk full")))
}
