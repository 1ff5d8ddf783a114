package index

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/vouch-app/vouch/internal/receipt"
)

func TestIndex(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Index Suite")
}

func indexedReceipt(id, store, txnID, date string, total float64, items ...string) *receipt.Receipt {
	r := &receipt.Receipt{
		ID: id,
		TransactionInfo: receipt.TransactionInfo{
			StoreName:     store,
			PurchaseDate:  date,
			TransactionID: txnID,
		},
		Totals:    receipt.Totals{GrandTotal: decimal.NewFromFloat(total)},
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range items {
		r.Items = append(r.Items, receipt.Item{
			Name:      name,
			Quantity:  decimal.NewFromInt(1),
			UnitPrice: decimal.NewFromFloat(total),
			LineTotal: decimal.NewFromFloat(total),
		})
	}
	return r
}

var _ = Describe("BleveIndex", func() {
	var (
		idx *BleveIndex
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		idx, err = NewMemoryIndex()
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()

		base := time.Date(2024, 3, 25, 12, 0, 0, 0, time.UTC)
		for i, r := range []*receipt.Receipt{
			indexedReceipt("r1", "Best Buy", "TXN-100", "2024-01-15", 1090.77, "Laptop", "USB Cable"),
			indexedReceipt("r2", "Target", "TXN-200", "2024-03-10", 42.50, "Laundry Detergent"),
			indexedReceipt("r3", "Walmart", "TXN-300", "2024-03-20", 250.00, "Coffee Maker"),
		} {
			r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			Expect(idx.Index(ctx, r)).To(Succeed())
		}
	})

	AfterEach(func() {
		Expect(idx.Close()).To(Succeed())
	})

	Describe("Search", func() {
		It("should find a receipt by store name", func() {
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{Text: "target"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(hits[0].ReceiptID).To(Equal("r2"))
		})

		It("should find a receipt by item name", func() {
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{Text: "laptop"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(hits[0].ReceiptID).To(Equal("r1"))
		})

		It("should find a receipt by transaction id", func() {
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{Text: "TXN-300"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(hits[0].ReceiptID).To(Equal("r3"))
		})

		It("should return every receipt when the query is empty", func() {
			_, total, err := idx.Search(ctx, receipt.SearchQuery{})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(3))
		})

		It("should return an empty result for a miss, not an error", func() {
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{Text: "unicorn"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())
			Expect(hits).To(BeEmpty())
		})

		It("should filter by purchase date range", func() {
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{DateFrom: "2024-03-01"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(2))
			ids := []string{hits[0].ReceiptID, hits[1].ReceiptID}
			Expect(ids).To(ConsistOf("r2", "r3"))
		})

		It("should filter by a bounded date window", func() {
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{DateFrom: "2024-01-01", DateTo: "2024-01-31"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(hits[0].ReceiptID).To(Equal("r1"))
		})

		It("should filter by minimum price", func() {
			min := decimal.NewFromInt(100)
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{MinPrice: &min})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(2))
			ids := []string{hits[0].ReceiptID, hits[1].ReceiptID}
			Expect(ids).To(ConsistOf("r1", "r3"))
		})

		It("should order filter-only matches most recent first", func() {
			min := decimal.NewFromInt(100)
			hits, _, err := idx.Search(ctx, receipt.SearchQuery{MinPrice: &min})
			Expect(err).NotTo(HaveOccurred())
			Expect(hits[0].ReceiptID).To(Equal("r3"))
			Expect(hits[1].ReceiptID).To(Equal("r1"))
		})

		It("should filter by a bounded price window", func() {
			min := decimal.NewFromInt(100)
			max := decimal.NewFromInt(500)
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{MinPrice: &min, MaxPrice: &max})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(hits[0].ReceiptID).To(Equal("r3"))
		})

		It("should AND text and filters together", func() {
			min := decimal.NewFromInt(1000)
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{Text: "laptop", MinPrice: &min})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(hits[0].ReceiptID).To(Equal("r1"))

			_, total, err = idx.Search(ctx, receipt.SearchQuery{Text: "detergent", MinPrice: &min})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())
		})

		It("should honor skip and limit", func() {
			hits, total, err := idx.Search(ctx, receipt.SearchQuery{Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(hits).To(HaveLen(2))

			hits, _, err = idx.Search(ctx, receipt.SearchQuery{Skip: 2, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(hits).To(HaveLen(1))
		})
	})

	Describe("Index", func() {
		It("should replace a previous projection for the same id", func() {
			updated := indexedReceipt("r2", "Target", "TXN-200", "2024-03-10", 42.50, "Spring Water")
			Expect(idx.Index(ctx, updated)).To(Succeed())

			_, total, err := idx.Search(ctx, receipt.SearchQuery{Text: "detergent"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())

			_, total, err = idx.Search(ctx, receipt.SearchQuery{Text: "water"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(1))
		})
	})

	Describe("Delete", func() {
		It("should remove the projection", func() {
			Expect(idx.Delete(ctx, "r1")).To(Succeed())

			_, total, err := idx.Search(ctx, receipt.SearchQuery{Text: "laptop"})
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeZero())
		})

		It("should tolerate deleting an absent id", func() {
			Expect(idx.Delete(ctx, "ghost")).To(Succeed())
		})
	})

	Describe("Ping", func() {
		It("should succeed on an open index", func() {
			Expect(idx.Ping(ctx)).To(Succeed())
		})
	})
})
