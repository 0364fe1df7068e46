package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type memRow struct {
	Event
	status string
	errMsg string
}

// memStore implements Store. Transitions are staged per transaction and
// applied only on Commit. Topic locks and claimed rows are held until the
// owning transaction ends, and Claim skips rows another transaction holds.
type memStore struct {
	mu         sync.Mutex
	rows       map[int64]*memRow
	nextID     int64
	failCommit bool
	topicLocks map[string]bool
	held       map[int64]bool
}

func newMemStore() *memStore {
	return &memStore{
		rows:       make(map[int64]*memRow),
		topicLocks: make(map[string]bool),
		held:       make(map[int64]bool),
	}
}

func (s *memStore) add(topic string, payload any) int64 {
	data, _ := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows[s.nextID] = &memRow{
		Event:  Event{ID: s.nextID, Topic: topic, Payload: data, CreatedAt: time.Now()},
		status: StatusPending,
	}
	return s.nextID
}

func (s *memStore) row(id int64) memRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memStore) setStatus(id int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].status = status
}

func (s *memStore) Begin(_ context.Context) (Tx, error) {
	return &memTx{store: s}, nil
}

type memTx struct {
	store   *memStore
	pending []func()
	topic   string
	claimed []int64
}

func (t *memTx) TryLock(_ context.Context, topic string) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.topicLocks[topic] {
		return false, nil
	}
	t.store.topicLocks[topic] = true
	t.topic = topic
	return true, nil
}

func (t *memTx) Claim(_ context.Context, topic string, limit int) ([]Event, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var ids []int64
	for id, r := range t.store.rows {
		if r.Topic == topic && r.status == StatusPending && !t.store.held[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		t.store.held[id] = true
		t.claimed = append(t.claimed, id)
		events = append(events, t.store.rows[id].Event)
	}
	return events, nil
}

// release drops the transaction's locks. Callers hold store.mu.
func (t *memTx) release() {
	if t.topic != "" {
		delete(t.store.topicLocks, t.topic)
		t.topic = ""
	}
	for _, id := range t.claimed {
		delete(t.store.held, id)
	}
	t.claimed = nil
}

func (t *memTx) MarkProcessed(_ context.Context, id int64, _ time.Time) error {
	t.pending = append(t.pending, func() { t.store.rows[id].status = StatusProcessed })
	return nil
}

func (t *memTx) MarkRetry(_ context.Context, id int64, retryCount int, status, errMsg string) error {
	t.pending = append(t.pending, func() {
		r := t.store.rows[id]
		r.RetryCount = retryCount
		r.status = status
		r.errMsg = errMsg
	})
	return nil
}

func (t *memTx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	defer t.release()
	if t.store.failCommit {
		return errors.New("commit failed")
	}
	for _, fn := range t.pending {
		fn()
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.release()
	return nil
}

type memJournals struct {
	mu   sync.Mutex
	rows map[int64]*Journal
}

func (m *memJournals) Journal(_ context.Context, id int64) (*Journal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

// fakeIndex implements Indexer and records every call.
type fakeIndex struct {
	mu        sync.Mutex
	docs      map[string]any
	ops       []string
	failNext  atomic.Int32
	failAll   bool
	callCount atomic.Int32
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: make(map[string]any)}
}

func (f *fakeIndex) fail() error {
	f.callCount.Add(1)
	if f.failAll {
		return errors.New("index unavailable")
	}
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return errors.New("index timeout")
	}
	return nil
}

func (f *fakeIndex) IndexDocument(_ context.Context, entity, docID string, doc any) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[entity+"/"+docID] = doc
	f.ops = append(f.ops, "index:"+docID)
	return nil
}

func (f *fakeIndex) DeleteDocument(_ context.Context, entity, docID string) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, entity+"/"+docID)
	f.ops = append(f.ops, "delete:"+docID)
	return nil
}

func (f *fakeIndex) has(docID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[JournalEntity+"/"+docID]
	return ok
}

func (f *fakeIndex) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func newSearchRelay(t *testing.T, store *memStore, journals *memJournals, index *fakeIndex, batch int) *Relay {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return NewRelay(RelayConfig{
		Store:     store,
		Topic:     TopicSearchIndexing,
		Handler:   NewSearchHandler(journals, index, zap.NewNop()),
		Validator: v,
		BatchSize: batch,
		Timeout:   time.Second,
		Logger:    zap.NewNop(),
	})
}

func liveJournal(id int64) *memJournals {
	return &memJournals{rows: map[int64]*Journal{
		id: {ID: id, UserID: 1, Content: "entry", CreatedAt: time.Now()},
	}}
}

func TestRelayBatch_OrderingAcrossBatchBoundaries(t *testing.T) {
	for _, batch := range []int{1, 2, 3, 50} {
		store := newMemStore()
		index := newFakeIndex()
		relay := newSearchRelay(t, store, liveJournal(7), index, batch)

		store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})
		store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})
		store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionDelete})

		total := 0
		for i := 0; i < 5; i++ {
			n, err := relay.RelayBatch(context.Background())
			if err != nil {
				t.Fatalf("batch=%d: relay failed: %v", batch, err)
			}
			total += n
		}
		if total != 3 {
			t.Errorf("batch=%d: expected 3 processed, got %d", batch, total)
		}
		if index.has("7") {
			t.Errorf("batch=%d: expected document to be deleted", batch)
		}
		ops := index.opLog()
		if ops[len(ops)-1] != "delete:7" {
			t.Errorf("batch=%d: expected delete last, got %v", batch, ops)
		}
	}
}

func TestRelayBatch_FailureDefersLaterEventsForSameEntity(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	index.failNext.Store(1)
	relay := newSearchRelay(t, store, liveJournal(7), index, 50)

	first := store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})
	store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionDelete})
	other := store.add(TopicSearchIndexing, SearchPayload{JournalID: 8, Action: ActionDelete})

	n, err := relay.RelayBatch(context.Background())
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the unrelated event processed, got %d", n)
	}
	if r := store.row(first); r.status != StatusPending || r.RetryCount != 1 {
		t.Errorf("expected failed event pending with retry 1, got %s/%d", r.status, r.RetryCount)
	}
	if r := store.row(other); r.status != StatusProcessed {
		t.Errorf("expected unrelated event processed, got %s", r.status)
	}

	n, err = relay.RelayBatch(context.Background())
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 processed on retry, got %d", n)
	}
	ops := index.opLog()
	if ops[len(ops)-1] != "delete:7" {
		t.Errorf("expected delete applied last, got %v", ops)
	}
}

func TestRelayBatch_IdempotentRedelivery(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	relay := newSearchRelay(t, store, liveJournal(7), index, 50)

	id := store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})
	if _, err := relay.RelayBatch(context.Background()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	before := index.docs[JournalEntity+"/7"]

	// Crash after apply, before commit: the event is delivered again.
	store.setStatus(id, StatusPending)
	if _, err := relay.RelayBatch(context.Background()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}

	if !index.has("7") {
		t.Fatal("expected document present after redelivery")
	}
	if len(index.docs) != 1 {
		t.Errorf("expected 1 document, got %d", len(index.docs))
	}
	after := index.docs[JournalEntity+"/7"].(journalDoc)
	if after.Content != before.(journalDoc).Content {
		t.Errorf("expected unchanged document, got %+v", after)
	}
}

func TestRelayBatch_UpsertOfSoftDeletedBecomesDelete(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	index.docs[JournalEntity+"/7"] = journalDoc{Content: "old"}
	journals := liveJournal(7)
	journals.rows[7].IsDeleted = true
	relay := newSearchRelay(t, store, journals, index, 50)

	store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})
	if _, err := relay.RelayBatch(context.Background()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if index.has("7") {
		t.Error("expected soft-deleted journal to be removed from the index")
	}
}

func TestRelayBatch_UpsertOfMissingRowBecomesDelete(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	relay := newSearchRelay(t, store, &memJournals{rows: map[int64]*Journal{}}, index, 50)

	store.add(TopicSearchIndexing, SearchPayload{JournalID: 9, Action: ActionUpsert})
	if _, err := relay.RelayBatch(context.Background()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	ops := index.opLog()
	if len(ops) != 1 || ops[0] != "delete:9" {
		t.Errorf("expected [delete:9], got %v", ops)
	}
}

func TestRelayBatch_QuarantineAfterMaxRetries(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	index.failAll = true
	relay := newSearchRelay(t, store, liveJournal(7), index, 50)

	id := store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})

	for i := 0; i < MaxRetries; i++ {
		if _, err := relay.RelayBatch(context.Background()); err != nil {
			t.Fatalf("relay failed: %v", err)
		}
	}
	r := store.row(id)
	if r.status != StatusFailed {
		t.Fatalf("expected failed after %d attempts, got %s", MaxRetries, r.status)
	}
	if r.RetryCount != MaxRetries {
		t.Errorf("expected retry_count %d, got %d", MaxRetries, r.RetryCount)
	}
	if r.errMsg == "" {
		t.Error("expected error message recorded")
	}

	calls := index.callCount.Load()
	if _, err := relay.RelayBatch(context.Background()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if index.callCount.Load() != calls {
		t.Error("quarantined event must not be retried")
	}
}

func TestRelayBatch_InvalidPayloadFailsImmediately(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	relay := newSearchRelay(t, store, liveJournal(7), index, 50)

	id := store.add(TopicSearchIndexing, map[string]any{"journal_id": "seven", "action": "upsert"})
	if _, err := relay.RelayBatch(context.Background()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if r := store.row(id); r.status != StatusFailed {
		t.Errorf("expected failed, got %s", r.status)
	}
	if index.callCount.Load() != 0 {
		t.Error("invalid payload must not reach the index")
	}
}

func TestRelayBatch_CommitFailureAppliesNothing(t *testing.T) {
	store := newMemStore()
	store.failCommit = true
	relay := newSearchRelay(t, store, liveJournal(7), newFakeIndex(), 50)

	id := store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})
	if _, err := relay.RelayBatch(context.Background()); err == nil {
		t.Fatal("expected commit error")
	}
	if r := store.row(id); r.status != StatusPending {
		t.Errorf("expected event still pending, got %s", r.status)
	}
}

// gatedJournals blocks the first read after it returns, until released.
type gatedJournals struct {
	*memJournals
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (g *gatedJournals) Journal(ctx context.Context, id int64) (*Journal, error) {
	j, err := g.memJournals.Journal(ctx, id)
	g.once.Do(func() {
		close(g.reached)
		<-g.release
	})
	return j, err
}

func TestRelayBatch_SecondPollerWaitsForTopicLock(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	journals := liveJournal(7)
	gated := &gatedJournals{memJournals: journals, reached: make(chan struct{}), release: make(chan struct{})}
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	relayA := NewRelay(RelayConfig{
		Store:     store,
		Topic:     TopicSearchIndexing,
		Handler:   NewSearchHandler(gated, index, zap.NewNop()),
		Validator: v,
		Timeout:   time.Second,
		Logger:    zap.NewNop(),
	})
	relayB := newSearchRelay(t, store, journals, index, 50)

	upsert := store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionUpsert})

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := relayA.RelayBatch(context.Background())
		done <- result{n, err}
	}()
	<-gated.reached

	// A holds a live snapshot; the journal is deleted behind it.
	journals.mu.Lock()
	journals.rows[7].IsDeleted = true
	journals.mu.Unlock()
	del := store.add(TopicSearchIndexing, SearchPayload{JournalID: 7, Action: ActionDelete})

	n, err := relayB.RelayBatch(context.Background())
	if err != nil {
		t.Fatalf("relay B failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected second poller to process nothing while the topic is locked, got %d", n)
	}
	if r := store.row(del); r.status != StatusPending {
		t.Errorf("expected delete still pending, got %s", r.status)
	}

	close(gated.release)
	res := <-done
	if res.err != nil || res.n != 1 {
		t.Fatalf("expected relay A to process 1, got %d (%v)", res.n, res.err)
	}

	n, err = relayB.RelayBatch(context.Background())
	if err != nil {
		t.Fatalf("relay B failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected relay B to process the delete, got %d", n)
	}
	if index.has("7") {
		t.Error("expected deleted journal absent from the index")
	}
	for _, id := range []int64{upsert, del} {
		if r := store.row(id); r.status != StatusProcessed {
			t.Errorf("expected event %d processed, got %s", id, r.status)
		}
	}
}

func TestWorker_DrainsFullBatches(t *testing.T) {
	store := newMemStore()
	index := newFakeIndex()
	journals := &memJournals{rows: map[int64]*Journal{}}
	for i := int64(1); i <= 7; i++ {
		journals.rows[i] = &Journal{ID: i, Content: "x"}
		store.add(TopicSearchIndexing, SearchPayload{JournalID: i, Action: ActionUpsert})
	}
	relay := newSearchRelay(t, store, journals, index, 3)
	w := NewWorker(relay, nil, time.Hour, zap.NewNop())

	w.drain(context.Background())

	for i := int64(1); i <= 7; i++ {
		if r := store.row(i); r.status != StatusProcessed {
			t.Errorf("event %d: expected processed, got %s", i, r.status)
		}
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := newMemStore()
	relay := newSearchRelay(t, store, liveJournal(1), newFakeIndex(), 50)
	store.add(TopicSearchIndexing, SearchPayload{JournalID: 1, Action: ActionUpsert})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWorker(relay, nil, 10*time.Millisecond, zap.NewNop()).Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.row(1).status != StatusProcessed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	if store.row(1).status != StatusProcessed {
		t.Error("expected event processed by worker")
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	vals [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.vals = append(p.vals, value)
	return nil
}

func TestAuditHandler_PublishesVerbatim(t *testing.T) {
	store := newMemStore()
	pub := &fakePublisher{}
	v, _ := NewValidator()
	relay := NewRelay(RelayConfig{
		Store:     store,
		Topic:     TopicAudit,
		Handler:   NewAuditHandler(pub),
		Validator: v,
		Logger:    zap.NewNop(),
	})

	id := store.add(TopicAudit, AuditPayload{EventType: "GDPR_SCRUB_INITIATED", OccurredAt: time.Now()})
	if n, err := relay.RelayBatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected 1 processed, got %d (%v)", n, err)
	}
	if len(pub.keys) != 1 || pub.keys[0] != "GDPR_SCRUB_INITIATED:1" {
		t.Errorf("unexpected keys %v", pub.keys)
	}
	if string(pub.vals[0]) != string(store.row(id).Payload) {
		t.Error("expected payload forwarded verbatim")
	}
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.Validate(TopicSearchIndexing, []byte(`{"journal_id": 3, "action": "delete"}`)); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := v.Validate(TopicSearchIndexing, []byte(`{"journal_id": 3, "action": "purge"}`)); err == nil {
		t.Error("expected unknown action to be rejected")
	}
	if err := v.Validate(TopicSearchIndexing, []byte(`{"action": "delete"}`)); err == nil {
		t.Error("expected missing journal_id to be rejected")
	}
	if err := v.Validate("unknown", []byte(`{}`)); err != nil {
		t.Errorf("expected topics without schema to pass, got %v", err)
	}
	if err := v.Validate("unknown", []byte(`{`)); err == nil {
		t.Error("expected malformed JSON to be rejected")
	}
}
