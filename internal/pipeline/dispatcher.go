// -----------------------------------------------------------------------
// Outbound Dispatcher - renders terminal jobs and delivers exactly one reply
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
)

// ErrDispatchInFlight is returned when a reply for the job is already being sent
var ErrDispatchInFlight = errors.New("reply already in flight")

type dispatchState int

const (
	dispatchInFlight dispatchState = iota
	dispatchDelivered
	dispatchAbandoned
)

type dispatchRecord struct {
	state    dispatchState
	delivery *models.DeliveryArtifact
	at       time.Time
}

// DispatcherConfig configures reply rendering and rate limiting
type DispatcherConfig struct {
	MaxLength int
	Quote     bool
	SendRate  float64 // messages per second, 0 disables limiting
	SendBurst int
}

// Dispatcher sends replies through the messenger. Each job id gets at most
// one delivered message, whether it is a summary or an apology.
type Dispatcher struct {
	messenger interfaces.Messenger
	limiter   *rate.Limiter
	config    DispatcherConfig
	logger    arbor.ILogger

	mu      sync.Mutex
	records map[string]*dispatchRecord
	now     func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(messenger interfaces.Messenger, config DispatcherConfig, logger arbor.ILogger) *Dispatcher {
	limit := rate.Inf
	burst := config.SendBurst
	if config.SendRate > 0 {
		limit = rate.Limit(config.SendRate)
	}
	if burst < 1 {
		burst = 1
	}
	if config.MaxLength <= 0 {
		config.MaxLength = 3000
	}

	return &Dispatcher{
		messenger: messenger,
		limiter:   rate.NewLimiter(limit, burst),
		config:    config,
		logger:    logger,
		records:   make(map[string]*dispatchRecord),
		now:       time.Now,
	}
}

// Deliver sends the summary reply for a job. Calling it again after a
// successful delivery returns the original receipt without sending.
func (d *Dispatcher) Deliver(ctx context.Context, job *models.Job) (*models.DeliveryArtifact, error) {
	if job.Artifacts.Summary == nil {
		return nil, models.NewPermanent(models.FailureInternal, fmt.Errorf("job %s has no summary to deliver", job.ID))
	}
	return d.dispatch(ctx, job, RenderSummary(job.Artifacts.Summary, d.config.MaxLength))
}

// DeliverFailure sends the one-shot apology for a failed job
func (d *Dispatcher) DeliverFailure(ctx context.Context, job *models.Job) error {
	_, err := d.dispatch(ctx, job, Truncate(RenderFailure(job), d.config.MaxLength))
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, job *models.Job, text string) (*models.DeliveryArtifact, error) {
	if existing, err := d.claim(job.ID); existing != nil || err != nil {
		return existing, err
	}

	delivery, err := d.send(ctx, job, text)
	d.settle(job.ID, delivery, err)
	if err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Str("recipient", job.Correlation.SenderID).
		Msg("Reply delivered")
	return delivery, nil
}

// claim marks the job in flight. It returns the previous delivery when the
// job was already answered.
func (d *Dispatcher) claim(jobID string) (*models.DeliveryArtifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec, ok := d.records[jobID]; ok {
		switch rec.state {
		case dispatchDelivered:
			d.logger.Debug().Str("job_id", jobID).Msg("Reply already delivered, skipping")
			return rec.delivery, nil
		case dispatchInFlight:
			return nil, models.NewTransient(models.FailureDeliveryFailed, ErrDispatchInFlight)
		case dispatchAbandoned:
			return nil, models.NewPermanent(models.FailureDeliveryFailed, fmt.Errorf("reply for job %s was abandoned", jobID))
		}
	}
	d.records[jobID] = &dispatchRecord{state: dispatchInFlight, at: d.now()}
	return nil, nil
}

func (d *Dispatcher) settle(jobID string, delivery *models.DeliveryArtifact, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := d.records[jobID]
	if rec == nil {
		rec = &dispatchRecord{}
		d.records[jobID] = rec
	}
	rec.at = d.now()

	var de *models.DeliveryError
	switch {
	case err == nil:
		rec.state = dispatchDelivered
		rec.delivery = delivery
	case errors.As(err, &de) && de.Permanent():
		rec.state = dispatchAbandoned
	default:
		// Transient failure, a later attempt may claim again
		delete(d.records, jobID)
	}
}

func (d *Dispatcher) send(ctx context.Context, job *models.Job, text string) (*models.DeliveryArtifact, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg := models.OutboundMessage{
		RecipientID: job.Correlation.SenderID,
		GroupID:     job.Correlation.GroupID,
		Text:        text,
	}
	if d.config.Quote && job.Correlation.MessageID != "" {
		msg.QuoteMessageID = job.Correlation.MessageID
		msg.QuoteAuthor = job.Correlation.SenderID
		msg.QuoteText = job.Correlation.Text
	}

	receipt, err := d.messenger.Send(ctx, msg)
	if err != nil {
		var de *models.DeliveryError
		if errors.As(err, &de) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &models.DeliveryError{Kind: models.DeliveryTransport, Err: err}
	}

	deliveredAt := receipt.Timestamp
	if deliveredAt.IsZero() {
		deliveredAt = d.now()
	}
	return &models.DeliveryArtifact{ReceiptID: receipt.MessageID, DeliveredAt: deliveredAt}, nil
}

// Forget drops the idempotency record once the job has left the store
func (d *Dispatcher) Forget(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[jobID]; ok && rec.state != dispatchInFlight {
		delete(d.records, jobID)
	}
}

// Prune drops settled records older than retention and returns how many were removed
func (d *Dispatcher) Prune(retention time.Duration) int {
	cutoff := d.now().Add(-retention)
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, rec := range d.records {
		if rec.state != dispatchInFlight && rec.at.Before(cutoff) {
			delete(d.records, id)
			removed++
		}
	}
	return removed
}

// Delivered reports whether a reply for jobID has been delivered
func (d *Dispatcher) Delivered(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[jobID]
	return ok && rec.state == dispatchDelivered
}
