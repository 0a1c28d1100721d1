package receipt

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var (
		store     *mockStore
		storage   *mockStorage
		segmenter *mockSegmenter
		renderer  *mockRenderer
		service   *Service
		server    *Server

		rec *httptest.ResponseRecorder
		req *http.Request
	)

	BeforeEach(func() {
		store = newMockStore()
		storage = newMockStorage()
		segmenter = &mockSegmenter{subs: [][]byte{[]byte("sub-1")}}
		renderer = &mockRenderer{pages: [][]byte{[]byte("page-1")}}
		service = NewServiceWithDeps(store, storage, segmenter, renderer, &seqIDGenerator{}, &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)})
		server = NewServer(service, BasicAuth{})
		rec = httptest.NewRecorder()
	})

	multipartBody := func(field, filename string, data []byte) (*bytes.Buffer, string) {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile(field, filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return body, writer.FormDataContentType()
	}

	Describe("POST /api/receipts", func() {
		When("a file is uploaded", func() {
			BeforeEach(func() {
				body, contentType := multipartBody("file", "scan.jpg", []byte("image data"))
				req = httptest.NewRequest("POST", "/api/receipts", body)
				req.Header.Set("Content-Type", contentType)
				server.ServeHTTP(rec, req)
			})

			It("should return 201", func() {
				Expect(rec.Code).To(Equal(http.StatusCreated))
			})

			It("should return the created receipts", func() {
				var receipts []*Receipt
				Expect(json.Unmarshal(rec.Body.Bytes(), &receipts)).To(Succeed())
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0].Status).To(Equal(StatusPending))
			})
		})

		When("no file is provided", func() {
			BeforeEach(func() {
				body, contentType := multipartBody("wrong_field", "scan.jpg", []byte("image data"))
				req = httptest.NewRequest("POST", "/api/receipts", body)
				req.Header.Set("Content-Type", contentType)
				server.ServeHTTP(rec, req)
			})

			It("should return 400", func() {
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})

		When("segmentation yields nothing", func() {
			BeforeEach(func() {
				renderer.pages = nil
				body, contentType := multipartBody("file", "scan.jpg", []byte("image data"))
				req = httptest.NewRequest("POST", "/api/receipts", body)
				req.Header.Set("Content-Type", contentType)
				server.ServeHTTP(rec, req)
			})

			It("should return 400", func() {
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/receipts", func() {
		BeforeEach(func() {
			store.receipts["r-1"] = &Receipt{ID: "r-1", Status: StatusPending}
			req = httptest.NewRequest("GET", "/api/receipts", nil)
			server.ServeHTTP(rec, req)
		})

		It("should return 200 with the receipts", func() {
			Expect(rec.Code).To(Equal(http.StatusOK))

			var receipts []*Receipt
			Expect(json.Unmarshal(rec.Body.Bytes(), &receipts)).To(Succeed())
			Expect(receipts).To(HaveLen(1))
		})
	})

	Describe("GET /api/receipts/{id}", func() {
		When("the receipt exists", func() {
			BeforeEach(func() {
				store.receipts["r-1"] = &Receipt{ID: "r-1", Status: StatusDone}
				store.attempts = []*Attempt{{ID: "a-1", ReceiptID: "r-1"}}
				store.extractions = []*FieldExtraction{{ID: "f-1", AttemptID: "a-1", FieldType: "total_amount"}}
				req = httptest.NewRequest("GET", "/api/receipts/r-1", nil)
				server.ServeHTTP(rec, req)
			})

			It("should return the receipt with its extractions", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))

				var payload struct {
					Receipt     *Receipt           `json:"receipt"`
					Extractions []*FieldExtraction `json:"extractions"`
				}
				Expect(json.Unmarshal(rec.Body.Bytes(), &payload)).To(Succeed())
				Expect(payload.Receipt.ID).To(Equal("r-1"))
				Expect(payload.Extractions).To(HaveLen(1))
			})
		})

		When("the receipt is missing", func() {
			BeforeEach(func() {
				req = httptest.NewRequest("GET", "/api/receipts/nope", nil)
				server.ServeHTTP(rec, req)
			})

			It("should return 404", func() {
				Expect(rec.Code).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("GET /api/receipts/{id}/file", func() {
		BeforeEach(func() {
			store.receipts["r-1"] = &Receipt{ID: "r-1", ImageFile: "r-1.png", ContentType: "image/png"}
			storage.files["r-1.png"] = []byte("png data")
			req = httptest.NewRequest("GET", "/api/receipts/r-1/file", nil)
			server.ServeHTTP(rec, req)
		})

		It("should return the file with its content type", func() {
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("image/png"))
			Expect(rec.Body.String()).To(Equal("png data"))
		})
	})

	Describe("DELETE /api/receipts/{id}", func() {
		BeforeEach(func() {
			store.receipts["r-1"] = &Receipt{ID: "r-1", ImageFile: "r-1.png"}
			storage.files["r-1.png"] = []byte("data")
			req = httptest.NewRequest("DELETE", "/api/receipts/r-1", nil)
			server.ServeHTTP(rec, req)
		})

		It("should return 204 and remove the receipt", func() {
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(store.receipts).NotTo(HaveKey("r-1"))
		})
	})

	Describe("POST /api/receipts/{id}/retry", func() {
		When("the receipt failed permanently", func() {
			BeforeEach(func() {
				store.receipts["r-1"] = &Receipt{ID: "r-1", Status: StatusFailedPermanently, Attempts: 3}
				req = httptest.NewRequest("POST", "/api/receipts/r-1/retry", nil)
				server.ServeHTTP(rec, req)
			})

			It("should return the re-queued receipt", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))

				var receipt Receipt
				Expect(json.Unmarshal(rec.Body.Bytes(), &receipt)).To(Succeed())
				Expect(receipt.Status).To(Equal(StatusPending))
			})
		})

		When("the receipt is done", func() {
			BeforeEach(func() {
				store.receipts["r-1"] = &Receipt{ID: "r-1", Status: StatusDone}
				req = httptest.NewRequest("POST", "/api/receipts/r-1/retry", nil)
				server.ServeHTTP(rec, req)
			})

			It("should return 400", func() {
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("POST /api/batches", func() {
		BeforeEach(func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			for _, name := range []string{"a.jpg", "b.jpg"} {
				part, err := writer.CreateFormFile("files", name)
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write([]byte("image data"))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(writer.Close()).To(Succeed())

			req = httptest.NewRequest("POST", "/api/batches", body)
			req.Header.Set("Content-Type", writer.FormDataContentType())
			server.ServeHTTP(rec, req)
		})

		It("should return 201 with the batch and its receipts", func() {
			Expect(rec.Code).To(Equal(http.StatusCreated))

			var payload struct {
				Batch    *Batch     `json:"batch"`
				Receipts []*Receipt `json:"receipts"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &payload)).To(Succeed())
			Expect(payload.Batch.Status).To(Equal(BatchCompleted))
			Expect(payload.Receipts).To(HaveLen(2))
		})
	})

	Describe("GET /api/batches/{id}/export", func() {
		BeforeEach(func() {
			store.batches["b-1"] = &Batch{ID: "b-1", Status: BatchCompleted}
			store.receipts["r-1"] = &Receipt{
				ID:          "r-1",
				BatchID:     "b-1",
				ReceiptDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				TotalAmount: 1250,
				Status:      StatusDone,
			}
			req = httptest.NewRequest("GET", "/api/batches/b-1/export", nil)
			server.ServeHTTP(rec, req)
		})

		It("should return CSV with an attachment header", func() {
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("text/csv"))
			Expect(rec.Header().Get("Content-Disposition")).To(ContainSubstring("batch_b-1.csv"))
			Expect(rec.Body.String()).To(ContainSubstring("r-1,2024/01/15,12.50,done,false"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			server = NewServer(service, BasicAuth{Username: "admin", Password: "secret"})
		})

		When("no credentials are given", func() {
			BeforeEach(func() {
				req = httptest.NewRequest("GET", "/api/receipts", nil)
				server.ServeHTTP(rec, req)
			})

			It("should return 401", func() {
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
				Expect(rec.Header().Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			})
		})

		When("wrong credentials are given", func() {
			BeforeEach(func() {
				req = httptest.NewRequest("GET", "/api/receipts", nil)
				req.SetBasicAuth("admin", "wrong")
				server.ServeHTTP(rec, req)
			})

			It("should return 401", func() {
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			})
		})

		When("correct credentials are given", func() {
			BeforeEach(func() {
				req = httptest.NewRequest("GET", "/api/receipts", nil)
				req.SetBasicAuth("admin", "secret")
				server.ServeHTTP(rec, req)
			})

			It("should return 200", func() {
				Expect(rec.Code).To(Equal(http.StatusOK))
			})
		})
	})
})
