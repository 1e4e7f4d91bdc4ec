package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/models"
)

func summarizedJob(id string) *models.Job {
	job := models.NewJob(id, testLink(), testCorrelation(), time.Now())
	job.Stage = models.StageReplying
	job.Artifacts.Summary = &models.SummaryArtifact{Narrative: "A dog skateboards.", Sentiment: "wholesome", BrainrotLevel: 3}
	return job
}

func TestDispatcher_DeliverIsIdempotent(t *testing.T) {
	messenger := newFakeMessenger()
	dispatcher := NewDispatcher(messenger, DispatcherConfig{MaxLength: 3000}, arbor.NewLogger())
	job := summarizedJob("job_1")

	first, err := dispatcher.Deliver(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := dispatcher.Deliver(context.Background(), job)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// An apology after a delivered summary is also suppressed
	require.NoError(t, dispatcher.DeliverFailure(context.Background(), job))

	assert.Equal(t, 1, messenger.Calls())
	assert.True(t, dispatcher.Delivered("job_1"))
}

func TestDispatcher_TransientFailureCanBeRetried(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.errs = []error{errors.New("socket closed")}
	dispatcher := NewDispatcher(messenger, DispatcherConfig{}, arbor.NewLogger())
	job := summarizedJob("job_1")

	_, err := dispatcher.Deliver(context.Background(), job)
	require.Error(t, err)
	var de *models.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, models.DeliveryTransport, de.Kind)
	assert.False(t, dispatcher.Delivered("job_1"))

	_, err = dispatcher.Deliver(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, messenger.Sent(), 1)
}

func TestDispatcher_PermanentFailureIsAbandoned(t *testing.T) {
	messenger := newFakeMessenger()
	messenger.errs = []error{&models.DeliveryError{Kind: models.DeliveryRecipientUnreachable, Err: errors.New("unregistered")}}
	dispatcher := NewDispatcher(messenger, DispatcherConfig{}, arbor.NewLogger())
	job := summarizedJob("job_1")

	_, err := dispatcher.Deliver(context.Background(), job)
	require.Error(t, err)

	_, err = dispatcher.Deliver(context.Background(), job)
	se, ok := models.AsStageError(err)
	require.True(t, ok)
	assert.Equal(t, models.ClassPermanent, se.Class)
	assert.Equal(t, 1, messenger.Calls())

	// Forget clears the record once the job is gone
	dispatcher.Forget("job_1")
	_, err = dispatcher.Deliver(context.Background(), job)
	assert.NoError(t, err)
}

func TestDispatcher_QuotesInboundMessage(t *testing.T) {
	messenger := newFakeMessenger()
	dispatcher := NewDispatcher(messenger, DispatcherConfig{Quote: true}, arbor.NewLogger())
	job := summarizedJob("job_1")

	_, err := dispatcher.Deliver(context.Background(), job)
	require.NoError(t, err)

	sent := messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15550001", sent[0].RecipientID)
	assert.Equal(t, "1", sent[0].QuoteMessageID)
	assert.Equal(t, "+15550001", sent[0].QuoteAuthor)
	assert.Equal(t, "look", sent[0].QuoteText)
	assert.True(t, strings.HasPrefix(sent[0].Text, "Brainrot level: 3/10"))
}

func TestDispatcher_TruncatesLongReplies(t *testing.T) {
	messenger := newFakeMessenger()
	dispatcher := NewDispatcher(messenger, DispatcherConfig{MaxLength: 200}, arbor.NewLogger())
	job := summarizedJob("job_1")
	job.Artifacts.Summary.Narrative = strings.Repeat("so much brainrot ", 100)

	_, err := dispatcher.Deliver(context.Background(), job)
	require.NoError(t, err)

	sent := messenger.Sent()
	require.Len(t, sent, 1)
	assert.LessOrEqual(t, len([]rune(sent[0].Text)), 200)
	assert.True(t, strings.HasSuffix(sent[0].Text, "(truncated)"))
}

func TestDispatcher_RequiresSummary(t *testing.T) {
	dispatcher := NewDispatcher(newFakeMessenger(), DispatcherConfig{}, arbor.NewLogger())
	job := models.NewJob("job_1", testLink(), testCorrelation(), time.Now())

	_, err := dispatcher.Deliver(context.Background(), job)
	se, ok := models.AsStageError(err)
	require.True(t, ok)
	assert.False(t, se.Retryable())
}

func TestDispatcher_Prune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dispatcher := NewDispatcher(newFakeMessenger(), DispatcherConfig{}, arbor.NewLogger())
	dispatcher.now = func() time.Time { return now }

	_, err := dispatcher.Deliver(context.Background(), summarizedJob("job_1"))
	require.NoError(t, err)

	assert.Equal(t, 0, dispatcher.Prune(time.Minute))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, dispatcher.Prune(time.Minute))
	assert.False(t, dispatcher.Delivered("job_1"))
}
