package control_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/battester/internal/control"
	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
	"codeberg.org/mutker/battester/internal/tester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu     sync.Mutex
	inputs []string
	cutoff domain.MilliVolts
}

func (h *fakeHandler) Submit(_ context.Context, in tester.Input) (tester.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs = append(h.inputs, tester.InputName(in))

	switch v := in.(type) {
	case tester.EnterBatteryID:
		return tester.Status{State: tester.WaitForBattery.String(), BatteryID: v.ID}, nil
	case tester.PauseTest:
		return tester.Status{State: tester.WaitForID.String()}, errors.New().WithData(tester.ErrIgnored, struct {
			State string
		}{
			State: tester.WaitForID.String(),
		})
	}
	return tester.Status{State: tester.Testing.String()}, nil
}

func (h *fakeHandler) SetCutoff(_ context.Context, cutoff domain.MilliVolts) (tester.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cutoff = cutoff
	return tester.Status{State: tester.WaitForID.String(), Cutoff: cutoff}, nil
}

func (h *fakeHandler) Status(context.Context) (tester.Status, error) {
	return tester.Status{State: tester.WaitForID.String(), Cutoff: 11000}, nil
}

func startServer(t *testing.T, h control.Handler) *control.Client {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "battester.sock")
	ctx, cancel := context.WithCancel(context.Background())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- control.Serve(ctx, socketPath, h, logger.Nop())
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-serveErr)
	})

	client := control.NewClient(socketPath)
	require.Eventually(t, func() bool {
		_, err := client.Status(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	return client
}

func TestClientServerContract(t *testing.T) {
	h := &fakeHandler{}
	client := startServer(t, h)
	ctx := context.Background()

	st, err := client.SetBattery(ctx, "PACK-1")
	require.NoError(t, err)
	assert.Equal(t, "PACK-1", st.BatteryID)

	_, err = client.Start(ctx)
	require.NoError(t, err)
	_, err = client.Cancel(ctx)
	require.NoError(t, err)
	_, err = client.Acknowledge(ctx)
	require.NoError(t, err)

	st, err = client.SetCutoff(ctx, 11500)
	require.NoError(t, err)
	assert.Equal(t, domain.MilliVolts(11500), st.Cutoff)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"battery_id", "start", "cancel", "acknowledge"}, h.inputs)
	assert.Equal(t, domain.MilliVolts(11500), h.cutoff)
}

func TestErrorCodeSurvivesTransport(t *testing.T) {
	client := startServer(t, &fakeHandler{})

	st, err := client.Pause(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, tester.ErrIgnored))
	assert.Equal(t, tester.WaitForID.String(), st.State)
}

func TestDialFailure(t *testing.T) {
	client := control.NewClient(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := client.Status(context.Background())
	assert.True(t, errors.HasCode(err, control.ErrDial))
}
