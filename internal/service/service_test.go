package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/vouch-app/vouch/internal/receipt"
	"github.com/vouch-app/vouch/internal/warranty"
)

func TestService(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Service Suite")
}

// mockProvider is a mock implementation of extract.Provider
type mockProvider struct {
	response   string
	analyzeErr error
	healthy    bool
	calls      int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Analyze(ctx context.Context, imageBase64, prompt string) (string, error) {
	m.calls++
	if m.analyzeErr != nil {
		return "", m.analyzeErr
	}
	return m.response, nil
}

func (m *mockProvider) Health(ctx context.Context) bool { return m.healthy }
func (m *mockProvider) Close() error                    { return nil }

// mockStore is a mock implementation of store.Store
type mockStore struct {
	receipts   map[string]*receipt.Receipt
	order      []string
	pending    map[string]bool
	insertErr  error
	getErr     error
	pendingErr error
	nextID     int
}

func newMockStore() *mockStore {
	return &mockStore{
		receipts: make(map[string]*receipt.Receipt),
		pending:  make(map[string]bool),
	}
}

func (m *mockStore) Insert(ctx context.Context, r *receipt.Receipt) (string, error) {
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.nextID++
	id := string(rune('a' + m.nextID - 1))
	r.ID = id
	r.CreatedAt = time.Now().UTC()
	m.receipts[id] = r
	m.order = append(m.order, id)
	return id, nil
}

func (m *mockStore) Get(ctx context.Context, id string) (*receipt.Receipt, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	r, ok := m.receipts[id]
	if !ok {
		return nil, receipt.NewError(receipt.KindNotFound, "receipt %s", id)
	}
	return r, nil
}

func (m *mockStore) List(ctx context.Context, skip, limit int) ([]*receipt.Receipt, error) {
	out := make([]*receipt.Receipt, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.receipts[m.order[i]])
	}
	return out, nil
}

func (m *mockStore) Count(ctx context.Context) (int, error) {
	return len(m.receipts), nil
}

func (m *mockStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.receipts[id]; !ok {
		return receipt.NewError(receipt.KindNotFound, "receipt %s", id)
	}
	delete(m.receipts, id)
	delete(m.pending, id)
	return nil
}

func (m *mockStore) SetIndexPending(ctx context.Context, id string, pending bool) error {
	if m.pendingErr != nil {
		return m.pendingErr
	}
	if r, ok := m.receipts[id]; ok {
		r.SearchIndexPending = pending
	}
	if pending {
		m.pending[id] = true
	} else {
		delete(m.pending, id)
	}
	return nil
}

func (m *mockStore) PendingIndexIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockStore) Ping(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                   { return nil }

// mockIndex is a mock implementation of index.Index
type mockIndex struct {
	docs      map[string]*receipt.Receipt
	hits      []receipt.SearchHit
	indexErr  error
	searchErr error
}

func newMockIndex() *mockIndex {
	return &mockIndex{docs: make(map[string]*receipt.Receipt)}
}

func (m *mockIndex) Index(ctx context.Context, r *receipt.Receipt) error {
	if m.indexErr != nil {
		return m.indexErr
	}
	m.docs[r.ID] = r
	return nil
}

func (m *mockIndex) Delete(ctx context.Context, id string) error {
	delete(m.docs, id)
	return nil
}

func (m *mockIndex) Search(ctx context.Context, q receipt.SearchQuery) ([]receipt.SearchHit, int, error) {
	if m.searchErr != nil {
		return nil, 0, m.searchErr
	}
	return m.hits, len(m.hits), nil
}

func (m *mockIndex) Ping(ctx context.Context) error { return nil }
func (m *mockIndex) Close() error                   { return nil }

// mockFiles is a mock implementation of store.FileStore
type mockFiles struct {
	files   map[string][]byte
	saveErr error
}

func newMockFiles() *mockFiles {
	return &mockFiles{files: make(map[string][]byte)}
}

func (m *mockFiles) Save(filename string, data []byte) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	m.files[filename] = data
	return filename, nil
}

func (m *mockFiles) Get(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, receipt.NewError(receipt.KindNotFound, "file %s", path)
	}
	return data, nil
}

func (m *mockFiles) Delete(path string) error {
	delete(m.files, path)
	return nil
}

// foundLookup always answers with coverage.
type foundLookup struct{}

func (foundLookup) LookupWarranty(ctx context.Context, itemName, storeName string) (*receipt.WarrantyDetails, error) {
	return &receipt.WarrantyDetails{Coverage: "1 year"}, nil
}

const modelOutput = `{
  "transaction_info": {"store_name": "Best Buy", "purchase_date": "2024-01-15", "transaction_id": "TXN-1"},
  "items": [{"name": "Laptop", "quantity": 1, "unit_price": 999.99, "line_total": 999.99}],
  "totals": {"subtotal": 999.99, "tax": 80.00, "grand_total": 1079.99}
}`

func uploadImage() []byte {
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var _ = Describe("Service", func() {
	var (
		provider *mockProvider
		st       *mockStore
		idx      *mockIndex
		files    *mockFiles
		svc      *Service
		ctx      context.Context
	)

	BeforeEach(func() {
		provider = &mockProvider{response: modelOutput, healthy: true}
		st = newMockStore()
		idx = newMockIndex()
		files = newMockFiles()
		enricher := warranty.NewEnricher(foundLookup{}, 0)
		svc = NewService(provider, enricher, st, idx, files, nil)
		ctx = context.Background()
	})

	Describe("ProcessUpload", func() {
		When("everything succeeds", func() {
			var result *UploadResult
			var err error

			JustBeforeEach(func() {
				result, err = svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should store the receipt", func() {
				Expect(st.receipts).To(HaveLen(1))
				Expect(result.Receipt.ID).NotTo(BeEmpty())
			})

			It("should index the receipt", func() {
				Expect(idx.docs).To(HaveKey(result.Receipt.ID))
			})

			It("should save the upload artifact", func() {
				Expect(files.files).To(HaveLen(1))
				Expect(result.Receipt.SourceFile).NotTo(BeEmpty())
			})

			It("should enrich the high-value item", func() {
				Expect(result.Receipt.Items[0].WarrantyDetails).NotTo(BeNil())
				Expect(result.EnrichmentPartial).To(BeFalse())
			})

			It("should not mark the index pending", func() {
				Expect(result.SearchIndexPending).To(BeFalse())
				Expect(st.pending).To(BeEmpty())
			})
		})

		When("extraction fails", func() {
			BeforeEach(func() {
				provider.analyzeErr = receipt.ProviderError(receipt.KindBackendUnavailable, "mock", nil, "down")
			})

			It("should persist nothing", func() {
				_, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
				Expect(err).To(HaveOccurred())
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindBackendUnavailable))
				Expect(st.receipts).To(BeEmpty())
				Expect(idx.docs).To(BeEmpty())
				Expect(files.files).To(BeEmpty())
			})
		})

		When("the model output fails validation", func() {
			BeforeEach(func() {
				provider.response = `{"transaction_info": {}, "items": [], "totals": {}}`
			})

			It("should persist nothing and report the violations", func() {
				_, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindSchemaViolation))
				Expect(receipt.ViolationsOf(err)).NotTo(BeEmpty())
				Expect(st.receipts).To(BeEmpty())
			})
		})

		When("the store insert fails", func() {
			BeforeEach(func() {
				st.insertErr = receipt.NewError(receipt.KindStorageUnavailable, "disk full")
			})

			It("should surface the error and clean up the artifact", func() {
				_, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindStorageUnavailable))
				Expect(files.files).To(BeEmpty())
				Expect(idx.docs).To(BeEmpty())
			})
		})

		When("the transaction id is a duplicate", func() {
			BeforeEach(func() {
				st.insertErr = receipt.NewError(receipt.KindDuplicateKey, "transaction id TXN-1 already stored")
			})

			It("should surface the duplicate error", func() {
				_, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindDuplicateKey))
			})
		})

		When("the index write fails after the store write", func() {
			BeforeEach(func() {
				idx.indexErr = receipt.NewError(receipt.KindIndexUnavailable, "index down")
			})

			It("should keep the receipt and mark it pending", func() {
				result, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
				Expect(err).NotTo(HaveOccurred())
				Expect(result.SearchIndexPending).To(BeTrue())
				Expect(result.Receipt.SearchIndexPending).To(BeTrue())
				Expect(st.receipts).To(HaveLen(1))
				Expect(st.pending).To(HaveKey(result.Receipt.ID))
			})
		})

		When("the upload is canceled before extraction", func() {
			It("should stop without calling the provider", func() {
				canceled, cancel := context.WithCancel(context.Background())
				cancel()
				_, err := svc.ProcessUpload(canceled, "receipt.png", uploadImage(), "image/png")
				Expect(err).To(HaveOccurred())
				Expect(provider.calls).To(BeZero())
				Expect(st.receipts).To(BeEmpty())
			})
		})
	})

	Describe("Reindex", func() {
		It("should repair a pending receipt", func() {
			idx.indexErr = receipt.NewError(receipt.KindIndexUnavailable, "index down")
			result, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			id := result.Receipt.ID

			idx.indexErr = nil
			Expect(svc.Reindex(ctx, id)).To(Succeed())
			Expect(idx.docs).To(HaveKey(id))
			Expect(st.pending).To(BeEmpty())
			Expect(st.receipts[id].SearchIndexPending).To(BeFalse())
		})

		It("should return not_found for an unknown id", func() {
			err := svc.Reindex(ctx, "ghost")
			Expect(receipt.KindOf(err)).To(Equal(receipt.KindNotFound))
		})
	})

	Describe("RepairIndex", func() {
		It("should reindex every pending receipt", func() {
			idx.indexErr = receipt.NewError(receipt.KindIndexUnavailable, "index down")
			for i := 0; i < 3; i++ {
				_, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(st.pending).To(HaveLen(3))

			idx.indexErr = nil
			repaired, err := svc.RepairIndex(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(repaired).To(Equal(3))
			Expect(st.pending).To(BeEmpty())
			Expect(idx.docs).To(HaveLen(3))
		})

		It("should report zero when nothing is pending", func() {
			repaired, err := svc.RepairIndex(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(repaired).To(BeZero())
		})
	})

	Describe("Search", func() {
		var id string

		BeforeEach(func() {
			result, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			id = result.Receipt.ID
			idx.hits = []receipt.SearchHit{{ReceiptID: id, Score: 1.5}}
		})

		It("should map hits back to stored receipts", func() {
			results, total, err := svc.Search(ctx, receipt.SearchQuery{Text: "laptop"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(results).To(HaveLen(1))
			Expect(results[0].ReceiptID).To(Equal(id))
			Expect(results[0].StoreName).To(Equal("Best Buy"))
			Expect(results[0].GrandTotal.Equal(decimal.NewFromFloat(1079.99))).To(BeTrue())
		})

		It("should drop hits whose document has vanished", func() {
			idx.hits = append(idx.hits, receipt.SearchHit{ReceiptID: "ghost", Score: 0.5})
			results, total, err := svc.Search(ctx, receipt.SearchQuery{Text: "laptop"})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(total).To(Equal(1))
		})

		It("should surface index failures", func() {
			idx.searchErr = receipt.NewError(receipt.KindIndexUnavailable, "index down")
			_, _, err := svc.Search(ctx, receipt.SearchQuery{Text: "laptop"})
			Expect(receipt.KindOf(err)).To(Equal(receipt.KindIndexUnavailable))
		})
	})

	Describe("Delete", func() {
		It("should remove the receipt everywhere", func() {
			result, err := svc.ProcessUpload(ctx, "receipt.png", uploadImage(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			id := result.Receipt.ID

			Expect(svc.Delete(ctx, id)).To(Succeed())
			Expect(st.receipts).To(BeEmpty())
			Expect(idx.docs).To(BeEmpty())
			Expect(files.files).To(BeEmpty())
		})

		It("should return not_found for an unknown id", func() {
			err := svc.Delete(ctx, "ghost")
			Expect(receipt.KindOf(err)).To(Equal(receipt.KindNotFound))
		})
	})

	Describe("HealthCheck", func() {
		It("should report each collaborator", func() {
			health := svc.HealthCheck(ctx)
			Expect(health.Provider).To(BeTrue())
			Expect(health.Store).To(BeTrue())
			Expect(health.Index).To(BeTrue())
		})

		It("should report an unhealthy provider", func() {
			provider.healthy = false
			Expect(svc.HealthCheck(ctx).Provider).To(BeFalse())
		})
	})
})
