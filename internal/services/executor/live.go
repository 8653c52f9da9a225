package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/pkg/retrier"
)

// OrderRequest is one submission to a venue.
type OrderRequest struct {
	Instance    string
	Instruction domain.Instruction
}

// OrderStatus is a venue's view of a working or finished order.
type OrderStatus struct {
	Done       bool
	Filled     decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	FailReason string
}

// VenueClient is the venue surface the live filler drives. Implementations
// wrap exchange and chain APIs and should return VenueErrors so the filler
// can tell transient congestion from hard rejections.
type VenueClient interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, venueRef string) (OrderStatus, error)
}

// LiveConfig parameterizes venue interaction timing.
type LiveConfig struct {
	// PollInterval between status checks, default 2s.
	PollInterval time.Duration
	// SubmitTimeout bounds each submit attempt, default 15s.
	SubmitTimeout time.Duration
	// ConfirmTimeout bounds the wait for a terminal status after the venue
	// accepted the order, default 5m.
	ConfirmTimeout time.Duration
	// RetryInterval seeds the submit retry backoff, default 500ms.
	RetryInterval time.Duration
}

func (c *LiveConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
}

// LiveFiller submits instructions to real venues. Submission retries on
// transient venue errors; once a venue accepts the order the filler reports
// it via OnSubmit and then only waits. From that point the caller's context
// no longer matters: an accepted order cannot be abandoned, only observed to
// its terminal status.
type LiveFiller struct {
	clients map[domain.Venue]VenueClient
	retry   *retrier.Retrier
	cfg     LiveConfig
	log     *zap.Logger
}

// NewLiveFiller wires the live filler over per-venue clients.
func NewLiveFiller(clients map[domain.Venue]VenueClient, cfg LiveConfig, log *zap.Logger) (*LiveFiller, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one venue client is required")
	}
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &LiveFiller{
		clients: clients,
		retry: retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithInitialInterval(cfg.RetryInterval),
			retrier.WithMaxInterval(5*time.Second),
		),
		cfg: cfg,
		log: log,
	}, nil
}

// Mode reports the live execution mode.
func (f *LiveFiller) Mode() ExecutionMode { return ModeLive }

// Fill submits the instruction and blocks until the venue reports a terminal
// status.
func (f *LiveFiller) Fill(ctx context.Context, req FillRequest) (Fill, error) {
	in := req.Instruction
	client, ok := f.clients[in.Venue]
	if !ok {
		return Fill{}, &domain.VenueError{
			Venue: in.Venue,
			Op:    "submit",
			Err:   errors.New("no client configured"),
		}
	}

	ref, err := f.submit(ctx, client, req)
	if err != nil {
		return Fill{}, err
	}
	if req.OnSubmit != nil {
		req.OnSubmit(ref)
	}
	f.log.Info("order submitted",
		zap.String("instance", req.Instance),
		zap.String("instruction", in.String()),
		zap.String("venue_ref", ref))

	return f.await(client, in.Venue, ref)
}

// submit retries transient venue errors with backoff; hard rejections and
// context cancellation abort immediately, before anything reached the venue.
func (f *LiveFiller) submit(ctx context.Context, client VenueClient, req FillRequest) (string, error) {
	var permanent error
	ref, err := retrier.DoWithData(f.retry, ctx, func(ctx context.Context) (string, error) {
		actx, cancel := context.WithTimeout(ctx, f.cfg.SubmitTimeout)
		defer cancel()
		ref, serr := client.SubmitOrder(actx, OrderRequest{
			Instance:    req.Instance,
			Instruction: req.Instruction,
		})
		if serr == nil {
			return ref, nil
		}
		if !domain.IsTransientVenueError(serr) {
			permanent = serr
			return "", nil
		}
		retriesTotal.Inc()
		f.log.Warn("submit retrying",
			zap.String("venue", string(req.Instruction.Venue)),
			zap.Error(serr))
		return "", serr
	})
	if permanent != nil {
		return "", permanent
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}

// await polls for the terminal status on a context detached from the caller.
// Cancellation stops mattering once the venue holds the order.
func (f *LiveFiller) await(client VenueClient, venue domain.Venue, ref string) (Fill, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Fill{}, &domain.VenueError{
				Venue:     venue,
				Op:        "await",
				Transient: true,
				Err:       errors.Errorf("order %s unresolved after %s", ref, f.cfg.ConfirmTimeout),
			}
		case <-ticker.C:
		}

		st, err := client.OrderStatus(ctx, ref)
		if err != nil {
			if domain.IsTransientVenueError(err) {
				f.log.Warn("status poll failed", zap.String("venue_ref", ref), zap.Error(err))
				continue
			}
			return Fill{}, err
		}
		if !st.Done {
			continue
		}
		if st.FailReason != "" {
			return Fill{}, &domain.VenueError{
				Venue: venue,
				Op:    "fill",
				Err:   errors.New(st.FailReason),
			}
		}
		return Fill{
			Amount:   st.Filled,
			Price:    st.Price,
			Fee:      st.Fee,
			Cost:     st.Fee,
			VenueRef: ref,
		}, nil
	}
}
