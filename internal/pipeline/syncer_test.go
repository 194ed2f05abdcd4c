package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/export"
	"github.com/dvloznov/receipt-ledger/internal/ledger"
	"github.com/dvloznov/receipt-ledger/internal/lineitem"
	"github.com/dvloznov/receipt-ledger/internal/share"
	"github.com/dvloznov/receipt-ledger/internal/state"
)

var (
	receiptsRef = share.Ref{ID: "receipts"}
	ledgerRef   = share.Ref{ID: "ledger"}
	stateRef    = share.Ref{ID: "state"}
)

// MockShare serves a fixed file listing with in-memory content.
type MockShare struct {
	mu       sync.Mutex
	Files    []share.RemoteFile
	Content  map[string][]byte
	ListFunc func(ctx context.Context) ([]share.RemoteFile, error)
	fetched  []string
}

func (m *MockShare) List(ctx context.Context, ref share.Ref) ([]share.RemoteFile, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return append([]share.RemoteFile(nil), m.Files...), nil
}

func (m *MockShare) Fetch(ctx context.Context, ref share.Ref, name string) ([]byte, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, name)
	m.mu.Unlock()
	data, ok := m.Content[name]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", name, share.ErrNotFound)
	}
	return data, nil
}

// MockTextStore keeps blobs in a map. WriteTextFunc can inject write failures.
type MockTextStore struct {
	mu            sync.Mutex
	blobs         map[string]string
	writes        []string
	WriteTextFunc func(ref share.Ref, text string) error
}

func newMockTextStore() *MockTextStore {
	return &MockTextStore{blobs: map[string]string{}}
}

func (m *MockTextStore) ReadText(ctx context.Context, ref share.Ref) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.blobs[ref.ID]
	if !ok {
		return "", &share.TransportError{Op: "read", Ref: ref.ID, StatusCode: 404, Err: share.ErrNotFound}
	}
	return text, nil
}

func (m *MockTextStore) WriteText(ctx context.Context, ref share.Ref, text string) error {
	if m.WriteTextFunc != nil {
		if err := m.WriteTextFunc(ref, text); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[ref.ID] = text
	m.writes = append(m.writes, ref.ID)
	return nil
}

func (m *MockTextStore) get(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[id]
}

// MockExtractor returns the items registered per file name.
type MockExtractor struct {
	mu                   sync.Mutex
	calls                []string
	ExtractLineItemsFunc func(ctx context.Context, fileName string) ([]lineitem.LineItem, error)
}

func (m *MockExtractor) ExtractLineItems(ctx context.Context, data []byte, fileName, contentType string) ([]lineitem.LineItem, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fileName)
	m.mu.Unlock()
	return m.ExtractLineItemsFunc(ctx, fileName)
}

func (m *MockExtractor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockCategorizer assigns one fixed category.
type MockCategorizer struct {
	Category string
}

func (m *MockCategorizer) Categorize(ctx context.Context, items []lineitem.LineItem) []lineitem.LineItem {
	out := make([]lineitem.LineItem, len(items))
	for i, it := range items {
		out[i] = it.WithCategory(m.Category)
	}
	return out
}

// MockExporter records what it was handed.
type MockExporter struct {
	mu         sync.Mutex
	exported   []lineitem.LineItem
	ExportFunc func(items []lineitem.LineItem) error
}

func (m *MockExporter) Name() string { return "mock" }

func (m *MockExporter) Export(ctx context.Context, items []lineitem.LineItem) error {
	m.mu.Lock()
	m.exported = append(m.exported, items...)
	m.mu.Unlock()
	if m.ExportFunc != nil {
		return m.ExportFunc(items)
	}
	return nil
}

func item(name, total string) lineitem.LineItem {
	return lineitem.LineItem{
		ArticleName: name,
		Quantity:    "1",
		UnitPrice:   total,
		TotalPrice:  total,
		DateTime:    "2024-09-05T12:50:16",
		Seller:      "Coop",
	}
}

func remote(name, fp string, minute int) share.RemoteFile {
	return share.RemoteFile{
		Name:         name,
		Fingerprint:  fp,
		LastModified: time.Date(2024, 9, 5, 12, minute, 0, 0, time.UTC),
		ContentType:  "image/jpeg",
	}
}

type fixture struct {
	share     *MockShare
	store     *MockTextStore
	extractor *MockExtractor
	exporter  *MockExporter
	syncer    *Syncer
}

func newFixture(files []share.RemoteFile, items map[string][]lineitem.LineItem) *fixture {
	content := map[string][]byte{}
	for _, f := range files {
		content[f.Name] = []byte("image-bytes")
	}
	f := &fixture{
		share: &MockShare{Files: files, Content: content},
		store: newMockTextStore(),
		extractor: &MockExtractor{
			ExtractLineItemsFunc: func(ctx context.Context, fileName string) ([]lineitem.LineItem, error) {
				return items[fileName], nil
			},
		},
		exporter: &MockExporter{},
	}
	f.syncer = NewSyncer(Deps{
		Share:       f.share,
		Store:       f.store,
		Extractor:   f.extractor,
		Categorizer: &MockCategorizer{Category: "Lebensmittel"},
		Exporters:   []export.Exporter{f.exporter},
		Refs:        Refs{Receipts: receiptsRef, Ledger: ledgerRef, State: stateRef},
	})
	return f
}

func (f *fixture) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Parse(f.store.get(ledgerRef.ID))
	require.NoError(t, err)
	return l
}

func TestSyncAll_FirstRunFromEmptyStore(t *testing.T) {
	files := []share.RemoteFile{remote("b.jpg", "fp-b", 10), remote("a.jpg", "fp-a", 5)}
	f := newFixture(files, map[string][]lineitem.LineItem{
		"a.jpg": {item("Milch", "1.50")},
		"b.jpg": {item("Brot", "3.20"), item("Milch", "1.50")},
	})

	report, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, report.Processed)
	assert.Equal(t, 2, report.AddedItems)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, f.extractor.calls)

	l := f.ledger(t)
	assert.Equal(t, 2, l.Len())
	for _, it := range l.Items() {
		assert.Equal(t, "Lebensmittel", it.Category)
	}
	assert.Equal(t, "fp-a,fp-b", f.store.get(stateRef.ID))
	assert.Len(t, f.exporter.exported, 2)
}

func TestSyncAll_LedgerWrittenBeforeStatePerFile(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a", 1), remote("b.jpg", "fp-b", 2)}
	f := newFixture(files, map[string][]lineitem.LineItem{
		"a.jpg": {item("Milch", "1.50")},
		"b.jpg": {item("Brot", "3.20")},
	})

	_, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger", "state", "ledger", "state"}, f.store.writes)
}

func TestSyncAll_LaterFailureKeepsEarlierProgress(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a", 1), remote("b.jpg", "fp-b", 2), remote("c.jpg", "fp-c", 3)}
	f := newFixture(files, nil)
	f.extractor.ExtractLineItemsFunc = func(ctx context.Context, fileName string) ([]lineitem.LineItem, error) {
		if fileName == "b.jpg" {
			return nil, errors.New("upstream unavailable")
		}
		return []lineitem.LineItem{item("Item "+fileName, "1.00")}, nil
	}

	report, err := f.syncer.SyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.jpg")
	assert.Equal(t, []string{"a.jpg"}, report.Processed)

	assert.Equal(t, "fp-a", f.store.get(stateRef.ID))
	assert.Equal(t, 1, f.ledger(t).Len())
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, f.extractor.calls, "c.jpg must not be attempted after the failure")

	// The next run retries b.jpg and continues with c.jpg.
	f.extractor.ExtractLineItemsFunc = func(ctx context.Context, fileName string) ([]lineitem.LineItem, error) {
		return []lineitem.LineItem{item("Item "+fileName, "1.00")}, nil
	}
	report, err = f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.jpg", "c.jpg"}, report.Processed)
	assert.Equal(t, "fp-a,fp-b,fp-c", f.store.get(stateRef.ID))
	assert.Equal(t, 3, f.ledger(t).Len())
}

func TestSyncAll_SkipsProcessedFingerprints(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a", 1), remote("b.jpg", "fp-b", 2)}
	f := newFixture(files, map[string][]lineitem.LineItem{
		"b.jpg": {item("Brot", "3.20")},
	})
	f.store.blobs[stateRef.ID] = state.New("fp-a").Text()

	report, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.jpg"}, report.Processed)
	assert.Equal(t, []string{"b.jpg"}, f.extractor.calls)
}

func TestSyncAll_ChangedFingerprintIsReprocessed(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a2", 1)}
	f := newFixture(files, map[string][]lineitem.LineItem{
		"a.jpg": {item("Milch", "1.50"), item("Brot", "3.20")},
	})
	f.store.blobs[stateRef.ID] = "fp-a1"
	f.store.blobs[ledgerRef.ID] = ledger.New(item("Milch", "1.50").WithCategory("Lebensmittel")).Text()

	report, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AddedItems)
	assert.Equal(t, 2, f.ledger(t).Len())
	assert.Equal(t, "fp-a1,fp-a2", f.store.get(stateRef.ID))
}

func TestSyncAll_EmptyExtractionStillMarksProcessed(t *testing.T) {
	f := newFixture([]share.RemoteFile{remote("blank.jpg", "fp-blank", 1)}, nil)

	report, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.AddedItems)
	assert.Equal(t, "fp-blank", f.store.get(stateRef.ID))
	assert.Equal(t, 0, f.ledger(t).Len())
	assert.Empty(t, f.exporter.exported)
}

func TestSyncAll_TabularExportBypassesExtractor(t *testing.T) {
	csv := remote("export.csv", "fp-csv", 1)
	csv.ContentType = "text/csv"
	f := newFixture([]share.RemoteFile{csv}, nil)
	f.share.Content["export.csv"] = []byte("Datum;Zeit;Filiale;Kassennummer;Transaktionsnummer;Artikel;Menge;Aktion;Umsatz\n" +
		"05.09.2024;12:50:16;MM X;267;81;Rice Cracker;0.235;0.00;1.95\n")

	_, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.extractor.callCount())

	items := f.ledger(t).Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Rice Cracker,0.235,0.46,1.95,2024-09-05T12:50:16,Migros,Lebensmittel", lineitem.Format(items[0]))
}

func TestSyncAll_ListFailureAbortsWithoutWrites(t *testing.T) {
	f := newFixture(nil, nil)
	f.share.ListFunc = func(ctx context.Context) ([]share.RemoteFile, error) {
		return nil, &share.TransportError{Op: "list", Ref: "receipts", StatusCode: 503}
	}

	_, err := f.syncer.SyncAll(context.Background())
	require.Error(t, err)
	var terr *share.TransportError
	assert.True(t, errors.As(err, &terr))
	assert.Empty(t, f.store.writes)
}

func TestSyncAll_CorruptLedgerAborts(t *testing.T) {
	f := newFixture([]share.RemoteFile{remote("a.jpg", "fp-a", 1)}, map[string][]lineitem.LineItem{
		"a.jpg": {item("Milch", "1.50")},
	})
	f.store.blobs[ledgerRef.ID] = lineitem.HeaderLine + "\nonly,three,fields\n"

	_, err := f.syncer.SyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode ledger")
	assert.Equal(t, 0, f.extractor.callCount())
	assert.Empty(t, f.store.writes)
}

func TestSyncAll_StateWriteFailureLeavesFileUnprocessed(t *testing.T) {
	f := newFixture([]share.RemoteFile{remote("a.jpg", "fp-a", 1)}, map[string][]lineitem.LineItem{
		"a.jpg": {item("Milch", "1.50")},
	})
	f.store.WriteTextFunc = func(ref share.Ref, text string) error {
		if ref.ID == stateRef.ID {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := f.syncer.SyncAll(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.store.get(stateRef.ID))
	assert.Equal(t, 1, f.ledger(t).Len())

	// Retrying merges the same items again without duplicating them.
	f.store.WriteTextFunc = nil
	_, err = f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.ledger(t).Len())
	assert.Equal(t, "fp-a", f.store.get(stateRef.ID))
}

func TestSyncAll_ExportFailureDoesNotFailSync(t *testing.T) {
	f := newFixture([]share.RemoteFile{remote("a.jpg", "fp-a", 1)}, map[string][]lineitem.LineItem{
		"a.jpg": {item("Milch", "1.50")},
	})
	f.exporter.ExportFunc = func(items []lineitem.LineItem) error {
		return errors.New("quota exceeded")
	}

	_, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fp-a", f.store.get(stateRef.ID))
}

func TestSyncAll_ConcurrentRunsAreSerialized(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a", 1), remote("b.jpg", "fp-b", 2)}
	f := newFixture(files, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.extractor.ExtractLineItemsFunc = func(ctx context.Context, fileName string) ([]lineitem.LineItem, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return []lineitem.LineItem{item("Item "+fileName, "1.00")}, nil
	}

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], errs[0] = f.syncer.SyncAll(context.Background())
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], errs[1] = f.syncer.SyncAll(context.Background())
	}()

	// Give the second run time to block on the lock before releasing the first.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, reports[0].Processed)
	assert.Empty(t, reports[1].Processed, "second run must reload state and find nothing to do")
	assert.Equal(t, 2, f.extractor.callCount())
}

func TestSyncAll_LockWaitHonorsContext(t *testing.T) {
	f := newFixture(nil, nil)
	release, err := f.syncer.lock.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.syncer.SyncAll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncFile_ProcessesOnlyThatFile(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a", 1), remote("b.jpg", "fp-b", 2)}
	f := newFixture(files, map[string][]lineitem.LineItem{
		"a.jpg": {item("Milch", "1.50")},
		"b.jpg": {item("Brot", "3.20")},
	})

	report, err := f.syncer.SyncFile(context.Background(), files[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"b.jpg"}, report.Processed)
	assert.Equal(t, "fp-b", f.store.get(stateRef.ID))
}

func TestSyncFile_SkipsProcessedFingerprint(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a", 1)}
	f := newFixture(files, map[string][]lineitem.LineItem{"a.jpg": {item("Milch", "1.50")}})
	f.store.blobs[stateRef.ID] = "fp-a"

	report, err := f.syncer.SyncFile(context.Background(), files[0])
	require.NoError(t, err)
	assert.Empty(t, report.Processed)
	assert.Equal(t, []string{"a.jpg"}, report.Skipped)
	assert.Equal(t, 0, f.extractor.callCount())
	assert.Empty(t, f.store.writes)
}

func TestSyncFile_ResolvesMissingFingerprint(t *testing.T) {
	files := []share.RemoteFile{remote("a.jpg", "fp-a", 1)}
	f := newFixture(files, map[string][]lineitem.LineItem{"a.jpg": {item("Milch", "1.50")}})

	_, err := f.syncer.SyncFile(context.Background(), share.RemoteFile{Name: "a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "fp-a", f.store.get(stateRef.ID))

	_, err = f.syncer.SyncFile(context.Background(), share.RemoteFile{Name: "missing.jpg"})
	assert.ErrorIs(t, err, share.ErrNotFound)
}

func TestLedgerText_EmptyStore(t *testing.T) {
	f := newFixture(nil, nil)

	text, err := f.syncer.LedgerText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.New().Text(), text)

	st, err := f.syncer.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Len())
}

func TestPipeline_StopsAtFirstFailingStep(t *testing.T) {
	var ran []int
	step := func(n int, err error) PipelineStep {
		return stepFunc(func(ctx context.Context, fs *FileState) error {
			ran = append(ran, n)
			return err
		})
	}

	p := NewPipeline(step(1, nil), step(2, errors.New("boom")), step(3, nil))
	err := p.Execute(context.Background(), &FileState{})
	require.Error(t, err)
	assert.Equal(t, "pipeline step 2 failed: boom", err.Error())
	assert.Equal(t, []int{1, 2}, ran)
}

type stepFunc func(ctx context.Context, fs *FileState) error

func (f stepFunc) Execute(ctx context.Context, fs *FileState) error { return f(ctx, fs) }
