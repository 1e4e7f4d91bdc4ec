package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
)

func recorder(seen *[]interfaces.EventType) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		*seen = append(*seen, event.Type)
		return nil
	}
}

func TestService_PublishMatchesTypes(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	var failures, all []interfaces.EventType
	_, err := svc.Subscribe(recorder(&failures), interfaces.EventJobFailed, interfaces.EventJobRetry)
	require.NoError(t, err)
	_, err = svc.Subscribe(recorder(&all))
	require.NoError(t, err)

	for _, typ := range []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobRetry,
		interfaces.EventJobFailed,
	} {
		require.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: typ}))
	}

	assert.Equal(t, []interfaces.EventType{interfaces.EventJobRetry, interfaces.EventJobFailed}, failures)
	assert.Len(t, all, 3)
}

func TestService_PublishRunsInSubscriptionOrder(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	var order []int
	for i := 0; i < 3; i++ {
		n := i
		_, err := svc.Subscribe(func(ctx context.Context, event interfaces.Event) error {
			order = append(order, n)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobCompleted}))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestService_PublishCollectsErrors(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	boom := errors.New("boom")
	reached := false
	_, err := svc.Subscribe(func(ctx context.Context, event interfaces.Event) error { return boom })
	require.NoError(t, err)
	_, err = svc.Subscribe(func(ctx context.Context, event interfaces.Event) error { panic("handler panic") })
	require.NoError(t, err)
	_, err = svc.Subscribe(func(ctx context.Context, event interfaces.Event) error {
		reached = true
		return nil
	})
	require.NoError(t, err)

	err = svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobFailed})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "handler panic")
	assert.True(t, reached, "later handlers still run")
}

func TestService_Unsubscribe(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	var seen []interfaces.EventType
	unsubscribe, err := svc.Subscribe(recorder(&seen))
	require.NoError(t, err)

	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobCreated}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobCreated}))

	assert.Len(t, seen, 1)
}

func TestService_Close(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.Subscribe(func(ctx context.Context, event interfaces.Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobCreated}), ErrClosed)

	_, err = NewService(arbor.NewLogger()).Subscribe(nil)
	assert.Error(t, err)
}

func TestSubscribeJobLogger(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	require.NoError(t, SubscribeJobLogger(svc, arbor.NewLogger()))

	for _, ev := range []interfaces.Event{
		{Type: interfaces.EventJobFailed, Job: models.JobEvent{JobID: "job_1", Stage: models.StageFailed, Step: models.StepDownload, Kind: models.FailureNotFound}},
		{Type: interfaces.EventJobRetry, Job: models.JobEvent{JobID: "job_1", Step: models.StepTranscribe, Attempt: 2}},
		{Type: interfaces.EventJobCompleted, Job: models.JobEvent{JobID: "job_1", Platform: models.PlatformTikTok}},
		{Type: interfaces.EventLinkDeduplicated, Job: models.JobEvent{SenderID: "+1", URL: "https://vm.tiktok.com/x"}},
	} {
		assert.NoError(t, svc.Publish(context.Background(), ev))
	}
}
