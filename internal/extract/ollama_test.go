package extract

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/vouch-app/vouch/internal/receipt"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		ollama *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		ollama, err = NewOllama(server.URL(), "llava", 0)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Analyze", func() {
		When("the backend answers normally", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest("POST", "/api/chat"),
					ghttp.VerifyContentType("application/json"),
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
						"message": map[string]any{"role": "assistant", "content": `{"ok": true}`},
						"done":    true,
					}),
				))
			})

			It("should return the raw model text", func() {
				text, err := ollama.Analyze(context.Background(), "aW1hZ2U=", "prompt")
				Expect(err).NotTo(HaveOccurred())
				Expect(text).To(Equal(`{"ok": true}`))
			})
		})

		When("the backend returns 401", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, "no"))
			})

			It("should classify it as an authentication failure", func() {
				_, err := ollama.Analyze(context.Background(), "", "prompt")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindAuthenticationFailure))
				Expect(receipt.ProviderOf(err)).To(Equal(ProviderOllama))
			})
		})

		When("the backend returns 429", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, "slow down"))
			})

			It("should classify it as rate limited", func() {
				_, err := ollama.Analyze(context.Background(), "", "prompt")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindRateLimited))
			})
		})

		When("the backend returns 500", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "boom"))
			})

			It("should classify it as backend unavailable", func() {
				_, err := ollama.Analyze(context.Background(), "", "prompt")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindBackendUnavailable))
			})
		})

		When("the backend is unreachable", func() {
			It("should classify it as backend unavailable", func() {
				server.Close()
				_, err := ollama.Analyze(context.Background(), "", "prompt")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindBackendUnavailable))
			})
		})

		When("the backend returns an empty message", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"message": map[string]any{"role": "assistant", "content": "  "},
					"done":    true,
				}))
			})

			It("should return a backend error", func() {
				_, err := ollama.Analyze(context.Background(), "", "prompt")
				Expect(receipt.KindOf(err)).To(Equal(receipt.KindBackendError))
			})
		})
	})

	Describe("Health", func() {
		When("the tags endpoint answers", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest("GET", "/api/tags"),
					ghttp.RespondWith(http.StatusOK, "{}"),
				))
			})

			It("should report healthy", func() {
				Expect(ollama.Health(context.Background())).To(BeTrue())
			})
		})

		When("the server is gone", func() {
			It("should report unhealthy", func() {
				server.Close()
				Expect(ollama.Health(context.Background())).To(BeFalse())
			})
		})
	})
})
