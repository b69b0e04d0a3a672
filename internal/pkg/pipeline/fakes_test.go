package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/InvoiceFox/app/models"
	"github.com/ManuelReschke/InvoiceFox/app/repository"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/archive"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/events"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/fiscal"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/InvoiceFox/internal/pkg/sequence"
)

// memPayments mirrors the guarded updates of the gorm repository.
type memPayments struct {
	mu           sync.Mutex
	rows         map[uint]*models.Payment
	nextID       uint
	clock        func() time.Time
	stalledPages int
}

func newMemPayments() *memPayments {
	return &memPayments{rows: map[uint]*models.Payment{}, clock: time.Now}
}

func (m *memPayments) findLocked(provider, id string) *models.Payment {
	for _, p := range m.rows {
		if p.Provider == provider && p.ProviderPaymentID == id {
			return p
		}
	}
	return nil
}

func (m *memPayments) Upsert(_ context.Context, payment *models.Payment) (bool, *models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.findLocked(payment.Provider, payment.ProviderPaymentID)
	if stored == nil {
		m.nextID++
		cp := *payment
		cp.ID = m.nextID
		cp.CreatedAt = m.clock()
		cp.UpdatedAt = cp.CreatedAt
		m.rows[cp.ID] = &cp
		out := cp
		return true, &out, nil
	}
	if payment.DateApproved != nil && (stored.Status == models.PaymentStatusFetchPending ||
		(stored.Status == models.PaymentStatusIngestionPending && stored.DateApproved == nil)) {
		stored.Amount = payment.Amount
		stored.Currency = payment.Currency
		stored.PaymentMethodID = payment.PaymentMethodID
		stored.Customer = payment.Customer
		stored.CustomerDocType = payment.CustomerDocType
		stored.CustomerDocNumber = payment.CustomerDocNumber
		stored.DateApproved = payment.DateApproved
		stored.Status = models.PaymentStatusIngestionPending
		stored.UpdatedAt = m.clock()
	}
	out := *stored
	return false, &out, nil
}

func (m *memPayments) GetByID(_ context.Context, id uint) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("payment %d: %w", id, repository.ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (m *memPayments) GetByProviderID(_ context.Context, provider, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findLocked(provider, id)
	if p == nil {
		return nil, fmt.Errorf("payment %s/%s: %w", provider, id, repository.ErrNotFound)
	}
	out := *p
	return &out, nil
}

func statusIn(s models.PaymentStatus, set []models.PaymentStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func (m *memPayments) Claim(_ context.Context, id uint, licensed []models.PaymentStatus, processingWithCAE bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	if statusIn(p.Status, licensed) || (p.Status == models.PaymentStatusProcessing && p.HasCAE() == processingWithCAE) {
		p.Status = models.PaymentStatusProcessing
		p.Attempts++
		p.UpdatedAt = m.clock()
		return true, nil
	}
	return false, nil
}

func (m *memPayments) Transition(_ context.Context, id uint, from []models.PaymentStatus, next models.PaymentStatus, fields map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || !statusIn(p.Status, from) || p.Status == models.PaymentStatusComplete {
		return false, nil
	}
	applyFields(p, fields)
	p.Status = next
	p.UpdatedAt = m.clock()
	return true, nil
}

func (m *memPayments) SetStatus(_ context.Context, id uint, status models.PaymentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status == models.PaymentStatusComplete {
		return nil
	}
	p.Status = status
	p.Error = errMsg
	p.UpdatedAt = m.clock()
	return nil
}

func (m *memPayments) ListStalled(_ context.Context, before time.Time, afterID uint, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalledPages++
	var out []models.Payment
	for _, p := range m.rows {
		if p.ID <= afterID {
			continue
		}
		if statusIn(p.Status, models.PendingStatuses) ||
			(p.Status == models.PaymentStatusProcessing && p.UpdatedAt.Before(before)) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayments) ListByStatus(_ context.Context, statuses []models.PaymentStatus, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.rows {
		if statusIn(p.Status, statuses) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayments) KnownProviderIDs(_ context.Context, provider string, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := map[string]bool{}
	for _, id := range ids {
		if m.findLocked(provider, id) != nil {
			known[id] = true
		}
	}
	return known, nil
}

func (m *memPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memPayments) mutate(id uint, fn func(p *models.Payment)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.rows[id])
}

func applyFields(p *models.Payment, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "amount":
			p.Amount = v.(decimal.Decimal)
		case "currency":
			p.Currency = v.(string)
		case "payment_method_id":
			p.PaymentMethodID = v.(string)
		case "customer":
			p.Customer = v.(string)
		case "customer_doc_type":
			p.CustomerDocType = v.(string)
		case "customer_doc_number":
			p.CustomerDocNumber = v.(string)
		case "date_approved":
			p.DateApproved = v.(*time.Time)
		case "error":
			p.Error = v.(string)
		case "pdf_path":
			p.PDFPath = v.(string)
		case "archive_id":
			p.ArchiveID = v.(string)
		case "archive_link":
			p.ArchiveLink = v.(string)
		case "ledger_row":
			p.LedgerRow = v.(string)
		default:
			panic("unexpected field " + k)
		}
	}
}

type memCheckpoints struct {
	mu  sync.Mutex
	cps map[string]models.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cps: map[string]models.Checkpoint{}}
}

func (m *memCheckpoints) Get(_ context.Context, provider string) (models.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[provider]
	return cp, ok, nil
}

func (m *memCheckpoints) Advance(_ context.Context, provider string, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cps[provider]; ok && !cp.After(cur) {
		return repository.ErrCheckpointRegression
	}
	m.cps[provider] = cp
	return nil
}

// memQueue keeps live job ids like the Redis queue does and runs handlers on demand.
type memQueue struct {
	mu       sync.Mutex
	pending  []*jobqueue.Job
	live     map[string]bool
	failing  map[jobqueue.JobType]bool
	offered  map[jobqueue.JobType]int
	failures []error
}

func newMemQueue() *memQueue {
	return &memQueue{
		live:    map[string]bool{},
		failing: map[jobqueue.JobType]bool{},
		offered: map[jobqueue.JobType]int{},
	}
}

func (q *memQueue) Enqueue(_ context.Context, jobType jobqueue.JobType, payload jobqueue.StagePayload) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failing[jobType] {
		return false, errors.New("redis: connection refused")
	}
	id := jobqueue.JobID(jobType, payload.Provider, payload.ProviderPaymentID)
	if q.live[id] {
		return false, nil
	}
	q.live[id] = true
	q.offered[jobType]++
	q.pending = append(q.pending, &jobqueue.Job{ID: id, Type: jobType, Payload: payload.ToMap()})
	return true, nil
}

func (q *memQueue) pop() *jobqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job
}

func (q *memQueue) done(job *jobqueue.Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, job.ID)
	if err != nil {
		q.failures = append(q.failures, err)
	}
}

func (q *memQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain runs queued jobs until none are left. Failed jobs are dropped like exhausted ones.
func (q *memQueue) drain(ctx context.Context, s *Service) {
	handlers := map[jobqueue.JobType]jobqueue.Handler{
		jobqueue.JobTypeIngestion: s.HandleIngestion,
		jobqueue.JobTypeFiscal:    s.HandleFiscal,
		jobqueue.JobTypeDocument:  s.HandleDocument,
	}
	for job := q.pop(); job != nil; job = q.pop() {
		err := handlers[job.Type](ctx, job)
		q.done(job, err)
	}
}

type memAllocator struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	last     map[string]int64
	payments *memPayments
	commits  []int64
}

func newMemAllocator(payments *memPayments) *memAllocator {
	return &memAllocator{locks: map[string]*sync.Mutex{}, last: map[string]int64{}, payments: payments}
}

func seqKey(sp, dt int) string { return fmt.Sprintf("%d/%d", sp, dt) }

func (a *memAllocator) Allocate(_ context.Context, sp, dt int) (sequence.Reservation, error) {
	key := seqKey(sp, dt)
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	a.mu.Unlock()

	l.Lock()
	a.mu.Lock()
	candidate := a.last[key] + 1
	a.mu.Unlock()
	return &memReservation{alloc: a, key: key, lock: l, candidate: candidate}, nil
}

func (a *memAllocator) Resync(_ context.Context, sp, dt int) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last[seqKey(sp, dt)], nil
}

func (a *memAllocator) Current(_ context.Context, sp, dt int) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.last[seqKey(sp, dt)]
	return last, ok, nil
}

func (a *memAllocator) lastNumber() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last[seqKey(1, 6)]
}

func (a *memAllocator) committed() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.commits...)
}

type memReservation struct {
	alloc     *memAllocator
	key       string
	lock      *sync.Mutex
	candidate int64
	closed    bool
}

func (r *memReservation) SequenceID() uint { return 1 }

func (r *memReservation) Candidate() int64 { return r.candidate }

func (r *memReservation) LoadPayment(ctx context.Context, id uint) (*models.Payment, error) {
	return r.alloc.payments.GetByID(ctx, id)
}

func (r *memReservation) Commit(_ context.Context, rec models.FiscalRecord) error {
	if r.closed {
		return sequence.ErrReservationClosed
	}
	r.closed = true
	defer r.lock.Unlock()

	if rec.Number != r.candidate {
		return sequence.ErrSequenceConflict
	}
	pay := r.alloc.payments
	pay.mu.Lock()
	defer pay.mu.Unlock()
	p := pay.rows[rec.PaymentID]
	if p == nil || p.HasCAE() || p.Status == models.PaymentStatusComplete {
		return sequence.ErrSequenceConflict
	}

	r.alloc.mu.Lock()
	defer r.alloc.mu.Unlock()
	if r.alloc.last[r.key] >= rec.Number {
		return sequence.ErrSequenceConflict
	}
	r.alloc.last[r.key] = rec.Number
	r.alloc.commits = append(r.alloc.commits, rec.Number)

	p.PtoVta = rec.SalesPoint
	p.CbteTipo = rec.DocType
	p.CbteNro = rec.Number
	p.CAE = rec.CAE
	p.CAEVto = rec.CAEExpiry
	p.Status = models.PaymentStatusPDFPending
	p.Error = ""
	p.UpdatedAt = pay.clock()
	return nil
}

func (r *memReservation) Rollback() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.lock.Unlock()
	return nil
}

// fakeAuthority grants CAEs unless fn says otherwise.
type fakeAuthority struct {
	mu    sync.Mutex
	calls []fiscal.AuthorizationRequest
	fn    func(ctx context.Context, req fiscal.AuthorizationRequest) error
}

func (a *fakeAuthority) LastAuthorizedNumber(context.Context, int, int) (int64, bool, error) {
	return 0, false, nil
}

func (a *fakeAuthority) Authorize(ctx context.Context, req fiscal.AuthorizationRequest) (*fiscal.Authorization, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, req); err != nil {
			return nil, err
		}
	}
	return &fiscal.Authorization{
		Number:    req.Number,
		CAE:       fmt.Sprintf("74%012d", req.Number),
		CAEExpiry: "2026-10-29",
	}, nil
}

func (a *fakeAuthority) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeRenderer struct {
	mu    sync.Mutex
	dir   string
	calls int
}

func (r *fakeRenderer) Render(_ context.Context, p *models.Payment) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	path := filepath.Join(r.dir, fmt.Sprintf("invoice_%s.html", p.InvoiceNumber()))
	return path, os.WriteFile(path, []byte("<html>"+p.CAE+"</html>"), 0o644)
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeArchiver) Archive(_ context.Context, localPath, name string) (*archive.Object, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if err := os.Remove(localPath); err != nil {
		return nil, err
	}
	return &archive.Object{ID: "invoices/" + name, Link: "s3://facturas/invoices/" + name}, nil
}

type fakeLedger struct {
	mu   sync.Mutex
	rows map[uint]string
}

func (l *fakeLedger) Append(_ context.Context, p *models.Payment) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows == nil {
		l.rows = map[uint]string{}
	}
	if ref, ok := l.rows[p.ID]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("ledger_rows!%d", len(l.rows)+1)
	l.rows[p.ID] = ref
	return ref, nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeProvider serves a fixed set of payments, newest first. With ignoreSince it
// also returns payments older than the requested floor, like a lagging index.
type fakeProvider struct {
	mu          sync.Mutex
	name        string
	payments    []models.ProviderPayment
	byID        map[string]*models.ProviderPayment
	pageSize    int
	failPage    int
	pageCalls   int
	ignoreSince bool
}

func newFakeProvider(name string, payments ...models.ProviderPayment) *fakeProvider {
	return &fakeProvider{name: name, payments: payments, byID: map[string]*models.ProviderPayment{}, pageSize: 2, failPage: -1}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SearchApproved(_ context.Context, since time.Time, page int) (*models.PaymentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if page == f.failPage {
		return nil, errors.New("provider returned status=503 body=unavailable")
	}
	var matching []models.ProviderPayment
	for _, pp := range f.payments {
		if f.ignoreSince || pp.ApprovedAt == nil || since.IsZero() || !pp.ApprovedAt.Before(since) {
			matching = append(matching, pp)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return models.CompareCursor(matching[i].Cursor(), matching[j].Cursor()) > 0
	})
	from := page * f.pageSize
	if from >= len(matching) {
		return &models.PaymentPage{}, nil
	}
	to := from + f.pageSize
	if to > len(matching) {
		to = len(matching)
	}
	return &models.PaymentPage{Payments: matching[from:to], HasMore: to < len(matching)}, nil
}

func (f *fakeProvider) SearchWithinWindow(_ context.Context, start, end time.Time) ([]models.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ProviderPayment
	for _, pp := range f.payments {
		if pp.ApprovedAt != nil && !pp.ApprovedAt.Before(start) && !pp.ApprovedAt.After(end) {
			out = append(out, pp)
		}
	}
	return out, nil
}

func (f *fakeProvider) GetByID(_ context.Context, id string) (*models.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pp, ok := f.byID[id]; ok {
		cp := *pp
		return &cp, nil
	}
	for _, pp := range f.payments {
		if pp.ID == id {
			cp := pp
			return &cp, nil
		}
	}
	return nil, nil
}
