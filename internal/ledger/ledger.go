package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// tailBuffer is the per-subscriber channel capacity. A subscriber that falls
// further behind loses events on its monitoring stream; the WAL and Read
// stay the authoritative replayable paths.
const tailBuffer = 256

var errClosed = errors.New("ledger is closed")

type reqKind int

const (
	reqAppend reqKind = iota
	reqBundle
	reqUpdate
	reqRead
	reqTail
	reqUntail
	reqVerify
	reqLast
)

type request struct {
	kind    reqKind
	event   domain.Event
	details []domain.Event
	seq     uint64
	status  domain.EventStatus
	fields  domain.UpdateFields
	filter  Filter
	fromSeq uint64
	subID   int
	reply   chan response
}

type response struct {
	seq      uint64
	seqs     []uint64
	events   []domain.Event
	stream   <-chan domain.Event
	cancel   func()
	verified uint64
	err      error
}

// Ledger is the globally ordered audit log. One writer goroutine owns the
// monotonic sequence counter, the WAL and the in-memory read model; all
// public methods are safe for concurrent use and serialize through it.
type Ledger struct {
	log      *zap.Logger
	store    store
	requests chan *request

	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// actor state, touched only by run().
type actorState struct {
	seq     uint64
	lastSum string
	events  []domain.Event
	subs    map[int]chan domain.Event
	nextSub int
}

// New opens the ledger WAL under dir, replays it into the read model and
// starts the writer.
func New(dir string, log *zap.Logger) (*Ledger, error) {
	st, err := newWALStore(dir)
	if err != nil {
		return nil, err
	}
	return newWithStore(st, log)
}

func newWithStore(s store, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	state := &actorState{lastSum: chainSeed, subs: make(map[int]chan domain.Event)}

	if err := s.Replay(func(rec walRecord) error {
		return state.fold(rec)
	}); err != nil {
		return nil, errors.Wrap(err, "replay ledger")
	}

	l := &Ledger{
		log:      log,
		store:    s,
		requests: make(chan *request),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	log.Info("ledger replayed",
		zap.Uint64("last_sequence", state.seq),
		zap.Int("events", len(state.events)))
	sequenceGauge.Set(float64(state.seq))

	go l.run(state)
	return l, nil
}

// fold applies one persisted record to the read model during replay.
func (a *actorState) fold(rec walRecord) error {
	switch rec.Kind {
	case recordEvent:
		ev := *rec.Event
		if ev.Sequence != a.seq+1 {
			return errors.Errorf("sequence gap in WAL: record %d after %d", ev.Sequence, a.seq)
		}
		ev.Checksum = rec.Checksum
		a.events = append(a.events, ev)
		a.seq = ev.Sequence
	case recordUpdate:
		up := rec.Update
		if up.Sequence == 0 || up.Sequence > a.seq {
			return errors.Errorf("update record for unknown sequence %d", up.Sequence)
		}
		applyUpdate(&a.events[up.Sequence-1], *up)
	default:
		return errors.Errorf("unknown record kind %q", rec.Kind)
	}
	a.lastSum = rec.Checksum
	return nil
}

// applyUpdate folds a status transition into an event. Zero fields leave the
// recorded value untouched.
func applyUpdate(ev *domain.Event, up updateRecord) {
	ev.Status = up.Status
	if !up.Price.IsZero() {
		ev.Price = up.Price
	}
	if !up.Amount.IsZero() {
		ev.Amount = up.Amount
	}
	if !up.Fee.IsZero() {
		ev.Fee = up.Fee
	}
	if up.VenueRef != "" {
		ev.VenueRef = up.VenueRef
	}
	if up.Reason != "" {
		ev.Reason = up.Reason
	}
	if up.Delta != nil {
		ev.Delta = up.Delta
	}
}

// Append assigns the next sequence number, durably writes the event, and
// only then advances the counter. A failed write leaves the counter in
// place: sequences never have gaps.
func (l *Ledger) Append(ctx context.Context, ev domain.Event) (uint64, error) {
	resp, err := l.submit(ctx, &request{kind: reqAppend, event: ev})
	if err != nil {
		return 0, err
	}
	return resp.seq, resp.err
}

// AppendBundle appends the wrapper, then each detail with ParentSequence set
// to the wrapper's sequence, all in one writer turn so no foreign event
// interleaves the bundle. If a detail write fails the earlier writes stay
// durable; the returned sequences cover what was committed and the caller
// escalates via a status update on the wrapper.
func (l *Ledger) AppendBundle(ctx context.Context, wrapper domain.Event, details []domain.Event) (uint64, []uint64, error) {
	resp, err := l.submit(ctx, &request{kind: reqBundle, event: wrapper, details: details})
	if err != nil {
		return 0, nil, err
	}
	return resp.seq, resp.seqs, resp.err
}

// Update appends a status-transition record for a live event. Historical
// fields are immutable; terminal statuses reject further transitions.
func (l *Ledger) Update(ctx context.Context, seq uint64, status domain.EventStatus, fields domain.UpdateFields) error {
	resp, err := l.submit(ctx, &request{kind: reqUpdate, seq: seq, status: status, fields: fields})
	if err != nil {
		return err
	}
	return resp.err
}

// Read returns events matching the filter in sequence order.
func (l *Ledger) Read(ctx context.Context, f Filter) ([]domain.Event, error) {
	resp, err := l.submit(ctx, &request{kind: reqRead, filter: f})
	if err != nil {
		return nil, err
	}
	return resp.events, resp.err
}

// Tail streams events starting at fromSeq: backlog first, then live appends
// and status updates as they commit. The returned cancel must be called when
// done; the stream closes after cancel or ledger shutdown.
func (l *Ledger) Tail(ctx context.Context, fromSeq uint64) (<-chan domain.Event, func(), error) {
	resp, err := l.submit(ctx, &request{kind: reqTail, fromSeq: fromSeq})
	if err != nil {
		return nil, nil, err
	}
	if resp.err != nil {
		return nil, nil, resp.err
	}
	return resp.stream, resp.cancel, nil
}

// VerifyChain recomputes the hash chain over the whole WAL and returns the
// number of records verified. Appends are paused for the duration.
func (l *Ledger) VerifyChain(ctx context.Context) (uint64, error) {
	resp, err := l.submit(ctx, &request{kind: reqVerify})
	if err != nil {
		return 0, err
	}
	return resp.verified, resp.err
}

// LastSequence returns the highest committed sequence number.
func (l *Ledger) LastSequence(ctx context.Context) (uint64, error) {
	resp, err := l.submit(ctx, &request{kind: reqLast})
	if err != nil {
		return 0, err
	}
	return resp.seq, resp.err
}

// Close stops the writer and closes the WAL. Pending requests fail with a
// closed error; open tails are closed.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		<-l.done
		l.closeErr = l.store.Close()
	})
	return l.closeErr
}

func (l *Ledger) submit(ctx context.Context, req *request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case l.requests <- req:
	case <-l.closed:
		return response{}, errClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (l *Ledger) run(a *actorState) {
	for {
		select {
		case req := <-l.requests:
			req.reply <- l.handle(a, req)
		case <-l.closed:
			for {
				select {
				case req := <-l.requests:
					req.reply <- response{err: errClosed}
				default:
					for id, ch := range a.subs {
						close(ch)
						delete(a.subs, id)
					}
					close(l.done)
					return
				}
			}
		}
	}
}

func (l *Ledger) handle(a *actorState, req *request) response {
	switch req.kind {
	case reqAppend:
		seq, err := l.append(a, req.event)
		return response{seq: seq, err: err}

	case reqBundle:
		wrapperSeq, err := l.append(a, req.event)
		if err != nil {
			return response{err: err}
		}
		detailSeqs := make([]uint64, 0, len(req.details))
		for i := range req.details {
			detail := req.details[i]
			parent := wrapperSeq
			detail.ParentSequence = &parent
			seq, err := l.append(a, detail)
			if err != nil {
				return response{seq: wrapperSeq, seqs: detailSeqs,
					err: errors.Wrapf(err, "bundle detail %d of %d", i+1, len(req.details))}
			}
			detailSeqs = append(detailSeqs, seq)
		}
		return response{seq: wrapperSeq, seqs: detailSeqs}

	case reqUpdate:
		return response{err: l.update(a, req.seq, req.status, req.fields)}

	case reqRead:
		return response{events: readEvents(a, req.filter), seq: a.seq}

	case reqLast:
		return response{seq: a.seq}

	case reqTail:
		stream, cancel := l.subscribe(a, req.fromSeq)
		return response{stream: stream, cancel: cancel}

	case reqUntail:
		if ch, ok := a.subs[req.subID]; ok {
			close(ch)
			delete(a.subs, req.subID)
			tailSubscribers.Set(float64(len(a.subs)))
		}
		return response{}

	case reqVerify:
		verified, err := verifyRecords(l.store)
		return response{verified: verified, err: err}

	default:
		return response{err: errors.Errorf("unknown request kind %d", req.kind)}
	}
}

func (l *Ledger) append(a *actorState, ev domain.Event) (uint64, error) {
	if ev.Kind == "" {
		return 0, domain.NewValidationError("kind", "event kind is required")
	}
	if ev.Status == "" {
		return 0, domain.NewValidationError("status", "event status is required")
	}

	ev.Sequence = a.seq + 1
	ev.Checksum = ""

	rec := walRecord{Kind: recordEvent, Event: &ev}
	sum, err := chainChecksum(a.lastSum, rec)
	if err != nil {
		return 0, err
	}
	rec.Checksum = sum

	if err := l.store.Append(rec); err != nil {
		appendFailures.Inc()
		l.log.Error("ledger append failed, sequence not advanced",
			zap.Uint64("sequence", ev.Sequence),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return 0, errors.Wrapf(domain.ErrLedgerWrite, "append event: %v", err)
	}

	a.seq = ev.Sequence
	a.lastSum = sum
	ev.Checksum = sum
	a.events = append(a.events, ev)

	appendsTotal.WithLabelValues(string(ev.Kind)).Inc()
	sequenceGauge.Set(float64(a.seq))

	l.notify(a, ev)
	return ev.Sequence, nil
}

func (l *Ledger) update(a *actorState, seq uint64, status domain.EventStatus, fields domain.UpdateFields) error {
	if seq == 0 || seq > a.seq {
		return errors.Errorf("unknown sequence %d", seq)
	}
	ev := &a.events[seq-1]
	if ev.Status.Terminal() {
		return errors.Errorf("event %d status %s is terminal", seq, ev.Status)
	}
	if !validTransition(ev.Status, status) {
		return errors.Errorf("invalid status transition %s -> %s for event %d", ev.Status, status, seq)
	}

	up := updateRecord{
		Sequence: seq,
		Status:   status,
		At:       time.Now().UTC(),
		Price:    fields.Price,
		Amount:   fields.Amount,
		Fee:      fields.Fee,
		VenueRef: fields.VenueRef,
		Reason:   fields.Reason,
		Delta:    fields.Delta,
	}

	rec := walRecord{Kind: recordUpdate, Update: &up}
	sum, err := chainChecksum(a.lastSum, rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum

	if err := l.store.Append(rec); err != nil {
		appendFailures.Inc()
		l.log.Error("ledger update write failed",
			zap.Uint64("sequence", seq),
			zap.String("status", string(status)),
			zap.Error(err))
		return errors.Wrapf(domain.ErrLedgerWrite, "append update: %v", err)
	}

	a.lastSum = sum
	applyUpdate(ev, up)
	updatesTotal.WithLabelValues(string(status)).Inc()

	l.notify(a, *ev)
	return nil
}

// validTransition enforces pending -> submitted -> confirmed/failed, with
// pending allowed to jump straight to a terminal status when the venue
// answers synchronously or the order is cancelled before submission.
func validTransition(from, to domain.EventStatus) bool {
	switch from {
	case domain.StatusPending:
		return to == domain.StatusSubmitted || to == domain.StatusConfirmed || to == domain.StatusFailed
	case domain.StatusSubmitted:
		return to == domain.StatusConfirmed || to == domain.StatusFailed
	}
	return false
}

func readEvents(a *actorState, f Filter) []domain.Event {
	var out []domain.Event
	for i := range a.events {
		if !f.matches(a.events[i]) {
			continue
		}
		out = append(out, a.events[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (l *Ledger) subscribe(a *actorState, fromSeq uint64) (<-chan domain.Event, func()) {
	var backlog []domain.Event
	for i := range a.events {
		if a.events[i].Sequence >= fromSeq {
			backlog = append(backlog, a.events[i])
		}
	}

	live := make(chan domain.Event, tailBuffer)
	id := a.nextSub
	a.nextSub++
	a.subs[id] = live
	tailSubscribers.Set(float64(len(a.subs)))

	out := make(chan domain.Event, tailBuffer)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		for _, ev := range backlog {
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			// best effort: the actor may already be shut down
			ctx, stopCtx := context.WithTimeout(context.Background(), time.Second)
			defer stopCtx()
			_, _ = l.submit(ctx, &request{kind: reqUntail, subID: id})
		})
	}
	return out, cancel
}

// notify fans an event out to tail subscribers. A full subscriber buffer
// drops the event from that stream only; the WAL keeps the record.
func (l *Ledger) notify(a *actorState, ev domain.Event) {
	for id, ch := range a.subs {
		select {
		case ch <- ev:
		default:
			tailDropped.Inc()
			l.log.Debug("tail subscriber lagging, event dropped from stream",
				zap.Int("subscriber", id),
				zap.Uint64("sequence", ev.Sequence))
		}
	}
}
