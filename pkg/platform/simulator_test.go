package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectSignals(t *testing.T) (func(InstallSignal), func() InstallSignal) {
	t.Helper()
	ch := make(chan InstallSignal, 8)
	next := func() InstallSignal {
		select {
		case sig := <-ch:
			return sig
		case <-time.After(2 * time.Second):
			t.Fatal("no install signal delivered")
			return InstallSignal{}
		}
	}
	return func(sig InstallSignal) { ch <- sig }, next
}

func TestSimulator_SilentInstallSignalsSuccess(t *testing.T) {
	sink, next := collectSignals(t)
	sim := NewSimulator(WithOwner(testOwner), WithSignalSink(sink))
	defer sim.Close()
	ctx := context.Background()

	ok, _ := sim.IsInstalled(ctx, testAdmin.Package)
	assert.False(t, ok)

	require.NoError(t, sim.InstallSilently(ctx, "/tmp/a.apk", InstallRequest{AttemptID: "a1", Package: testAdmin.Package}))
	sig := next()
	assert.Equal(t, "a1", sig.AttemptID)
	assert.Equal(t, StatusSuccess, sig.Status)

	ok, _ = sim.IsInstalled(ctx, testAdmin.Package)
	assert.True(t, ok)
}

func TestSimulator_PendingConfirmation(t *testing.T) {
	sink, next := collectSignals(t)
	sim := NewSimulator(WithSignalSink(sink), WithInstallStatuses(StatusPendingUserConfirmation))
	defer sim.Close()
	ctx := context.Background()

	require.NoError(t, sim.InstallSilently(ctx, "/tmp/a.apk", InstallRequest{AttemptID: "a1", Package: testAdmin.Package}))
	sig := next()
	require.Equal(t, StatusPendingUserConfirmation, sig.Status)
	require.NotEmpty(t, sig.ConfirmationHandle)

	require.NoError(t, sim.PresentConfirmation(ctx, sig.ConfirmationHandle))
	sig = next()
	assert.Equal(t, StatusSuccess, sig.Status)
	assert.Equal(t, "a1", sig.AttemptID)

	assert.Error(t, sim.PresentConfirmation(ctx, "unknown"))
}

func TestSimulator_RejectedSilentInstall(t *testing.T) {
	sim := NewSimulator(WithRejectedSilentInstall())
	defer sim.Close()

	err := sim.InstallSilently(context.Background(), "/tmp/a.apk", InstallRequest{AttemptID: "a1", Package: testAdmin.Package})
	assert.ErrorIs(t, err, ErrInstallRejected)
	assert.Equal(t, 1, sim.Calls().SilentInstalls)
}

func TestSimulator_ActivationAfter(t *testing.T) {
	sim := NewSimulator(WithInstalled(testAdmin.Package), WithActivationAfter(3))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		active, err := sim.IsAdminActive(ctx, testAdmin)
		require.NoError(t, err)
		assert.False(t, active, "check %d", i)
	}
	active, _ := sim.IsAdminActive(ctx, testAdmin)
	assert.True(t, active)
	assert.Equal(t, 3, sim.Calls().AdminChecks)
}

func TestSimulator_InstalledAdminActiveByDefault(t *testing.T) {
	ctx := context.Background()

	sim := NewSimulator(WithOwner(testOwner), WithInstalled(testAdmin.Package))
	require.NoError(t, sim.TransferOwnership(ctx, testOwner, testAdmin, nil))
	assert.Equal(t, 0, sim.Calls().AdminChecks)

	sim = NewSimulator(WithOwner(testOwner), WithInstalled(testAdmin.Package), WithActivationAfter(2))
	assert.ErrorIs(t, sim.TransferOwnership(ctx, testOwner, testAdmin, nil), ErrAdminInactive)
	for i := 0; i < 2; i++ {
		sim.IsAdminActive(ctx, testAdmin)
	}
	require.NoError(t, sim.TransferOwnership(ctx, testOwner, testAdmin, nil))
	assert.Equal(t, testAdmin, sim.Owner())
}

func TestSimulator_TransferPreconditions(t *testing.T) {
	ctx := context.Background()

	sim := NewSimulator(WithOwner(testOwner))
	assert.ErrorIs(t, sim.TransferOwnership(ctx, testOwner, testAdmin, nil), ErrPackageNotFound)

	sim = NewSimulator(WithOwner(testOwner), WithInstalled(testAdmin.Package), WithAdminNeverActive())
	assert.ErrorIs(t, sim.TransferOwnership(ctx, testOwner, testAdmin, nil), ErrAdminInactive)
	assert.Equal(t, testOwner, sim.Owner())

	sim = NewSimulator(WithOwner(testOwner), WithInstalled(testAdmin.Package))
	assert.Error(t, sim.TransferOwnership(ctx, testAdmin, testOwner, nil))

	md := map[string]string{"source_agent_id": testOwner.Package}
	require.NoError(t, sim.TransferOwnership(ctx, testOwner, testAdmin, md))
	assert.Equal(t, testAdmin, sim.Owner())
	assert.Equal(t, md, sim.TransferMetadata())
}

func TestSimulator_FailingCapabilities(t *testing.T) {
	sim := NewSimulator(WithFailingCapabilities("android.permission.CAMERA"))
	ctx := context.Background()

	ok, err := sim.GrantCapability(ctx, testOwner, testAdmin.Package, "android.permission.CAMERA")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sim.GrantCapability(ctx, testOwner, testAdmin.Package, "android.permission.READ_PHONE_STATE")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"android.permission.READ_PHONE_STATE"}, sim.Granted(testAdmin.Package))
}
