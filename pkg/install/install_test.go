package install

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetkit/handoff/pkg/platform"
)

const agentPkg = "com.fleetkit.agent"

func TestSignalHub_DiscardsStaleSignals(t *testing.T) {
	var stale []platform.InstallSignal
	hub := NewSignalHub(func(sig platform.InstallSignal) { stale = append(stale, sig) })

	ch := hub.Expect("attempt-1")
	assert.False(t, hub.Deliver(platform.InstallSignal{AttemptID: "attempt-0", Status: platform.StatusSuccess}))
	assert.False(t, hub.Deliver(platform.InstallSignal{Status: platform.StatusSuccess}))
	assert.True(t, hub.Deliver(platform.InstallSignal{AttemptID: "attempt-1", Status: platform.StatusFailed}))

	require.Len(t, stale, 2)
	sig := <-ch
	assert.Equal(t, platform.StatusFailed, sig.Status)
}

func TestSignalHub_ExpectReplacesRegistration(t *testing.T) {
	hub := NewSignalHub(nil)

	first := hub.Expect("attempt-1")
	assert.Equal(t, first, hub.Expect("attempt-1"))

	hub.Expect("attempt-2")
	assert.Equal(t, "attempt-2", hub.Current())
	assert.False(t, hub.Deliver(platform.InstallSignal{AttemptID: "attempt-1", Status: platform.StatusSuccess}))

	hub.Forget("attempt-1")
	assert.Equal(t, "attempt-2", hub.Current())
	hub.Forget("attempt-2")
	assert.Equal(t, "", hub.Current())
}

func TestSignalHub_DeliverNeverBlocks(t *testing.T) {
	hub := NewSignalHub(nil)
	hub.Expect("a")

	done := make(chan struct{})
	go func() {
		for i := 0; i < signalBuffer*2; i++ {
			hub.Deliver(platform.InstallSignal{AttemptID: "a", Status: platform.StatusPendingUserConfirmation})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked on a full buffer")
	}
}

func TestOutcomeFromSignal(t *testing.T) {
	assert.Equal(t, Outcome{Kind: Success}, OutcomeFromSignal(platform.InstallSignal{Status: platform.StatusSuccess}))
	assert.Equal(t, Outcome{Kind: PendingUserConfirmation, Handle: "h"},
		OutcomeFromSignal(platform.InstallSignal{Status: platform.StatusPendingUserConfirmation, ConfirmationHandle: "h"}))
	assert.Equal(t, Outcome{Kind: Failed, Message: "disk full"},
		OutcomeFromSignal(platform.InstallSignal{Status: platform.StatusFailed, Message: "disk full"}))

	out := OutcomeFromSignal(platform.InstallSignal{Status: "exploded"})
	assert.Equal(t, Failed, out.Kind)
	assert.Contains(t, out.Message, "exploded")
}

func TestAdapter_SilentInstallSucceeds(t *testing.T) {
	hub := NewSignalHub(nil)
	sim := platform.NewSimulator(platform.WithSignalSink(func(sig platform.InstallSignal) { hub.Deliver(sig) }))
	defer sim.Close()
	a := NewAdapter(sim, hub, agentPkg)
	ctx := context.Background()

	hub.Expect("attempt-1")
	mode, err := a.Install(ctx, "/tmp/agent.apk", "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, ModeSilent, mode)

	out, err := a.Await(ctx, "attempt-1", nil)
	require.NoError(t, err)
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, "", hub.Current())
}

func TestAdapter_FallsBackToInteractive(t *testing.T) {
	hub := NewSignalHub(nil)
	sim := platform.NewSimulator(
		platform.WithRejectedSilentInstall(),
		platform.WithSignalSink(func(sig platform.InstallSignal) { hub.Deliver(sig) }),
	)
	defer sim.Close()
	a := NewAdapter(sim, hub, agentPkg)

	hub.Expect("attempt-1")
	mode, err := a.Install(context.Background(), "/tmp/agent.apk", "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, ModeInteractive, mode)

	calls := sim.Calls()
	assert.Equal(t, 1, calls.SilentInstalls)
	assert.Equal(t, 1, calls.InteractiveInstalls)
}

func TestAdapter_AwaitPresentsPendingConfirmation(t *testing.T) {
	hub := NewSignalHub(nil)
	sim := platform.NewSimulator(
		platform.WithInstallStatuses(platform.StatusPendingUserConfirmation),
		platform.WithSignalSink(func(sig platform.InstallSignal) { hub.Deliver(sig) }),
	)
	defer sim.Close()

	var observed []OutcomeKind
	a := NewAdapter(sim, hub, agentPkg, WithSignalObserver(func(o Outcome) { observed = append(observed, o.Kind) }))
	ctx := context.Background()

	hub.Expect("attempt-1")
	_, err := a.Install(ctx, "/tmp/agent.apk", "attempt-1")
	require.NoError(t, err)

	var handles []string
	out, err := a.Await(ctx, "attempt-1", func(handle string) error {
		handles = append(handles, handle)
		return sim.PresentConfirmation(ctx, handle)
	})
	require.NoError(t, err)
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, []string{"confirm-attempt-1"}, handles)
	assert.Equal(t, []OutcomeKind{PendingUserConfirmation, Success}, observed)
}

func TestAdapter_AwaitFailure(t *testing.T) {
	hub := NewSignalHub(nil)
	a := NewAdapter(platform.NewSimulator(), hub, agentPkg)

	hub.Expect("attempt-1")
	hub.Deliver(platform.InstallSignal{AttemptID: "attempt-1", Status: platform.StatusFailed, Message: "signature mismatch"})

	out, err := a.Await(context.Background(), "attempt-1", nil)
	require.NoError(t, err)
	assert.Equal(t, Failed, out.Kind)
	assert.Equal(t, "signature mismatch", out.Message)
}

func TestAdapter_AwaitTimeout(t *testing.T) {
	hub := NewSignalHub(nil)
	a := NewAdapter(platform.NewSimulator(), hub, agentPkg, WithSignalTimeout(50*time.Millisecond))

	_, err := a.Await(context.Background(), "attempt-1", nil)
	assert.ErrorIs(t, err, ErrSignalTimeout)
}

func TestAdapter_AwaitContextCancelled(t *testing.T) {
	hub := NewSignalHub(nil)
	a := NewAdapter(platform.NewSimulator(), hub, agentPkg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Await(ctx, "attempt-1", nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
