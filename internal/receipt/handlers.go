package receipt

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

// maxUploadSize bounds multipart parsing; high-resolution phone photos run
// large, PDFs with several pages larger still.
const maxUploadSize = int64(50 << 20) // 50MB

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// contentTypeFor determines an upload's content type, falling back to the
// filename extension when the part header is silent.
func contentTypeFor(header *multipart.FileHeader) string {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".gif":
			contentType = "image/gif"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func readUpload(header *multipart.FileHeader) (UploadFile, error) {
	if header.Size > maxUploadSize {
		return UploadFile{}, fmt.Errorf("file %q is too large, maximum size is 50MB", header.Filename)
	}

	f, err := header.Open()
	if err != nil {
		return UploadFile{}, fmt.Errorf("opening %q: %w", header.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return UploadFile{}, fmt.Errorf("reading %q: %w", header.Filename, err)
	}

	return UploadFile{
		Name:        header.Filename,
		Data:        data,
		ContentType: contentTypeFor(header),
	}, nil
}

// handleUploadReceipt ingests one uploaded page document: segmentation
// runs synchronously, the created receipts queue up for the OCR worker.
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	if r.MultipartForm == nil || len(r.MultipartForm.File["file"]) == 0 {
		jsonError(w, "No file provided", http.StatusBadRequest)
		return
	}

	upload, err := readUpload(r.MultipartForm.File["file"][0])
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	userID := r.FormValue("user_id")

	receipts, err := s.service.IngestUpload(r.Context(), userID, "", upload.Name, upload.Data, upload.ContentType)
	if err != nil {
		slog.Error("Error ingesting upload", "filename", upload.Name, "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, receipts)
}

// handleCreateBatch ingests a multi-file upload as one batch
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		jsonError(w, "No files provided", http.StatusBadRequest)
		return
	}

	files := make([]UploadFile, 0, len(r.MultipartForm.File["files"]))
	for _, header := range r.MultipartForm.File["files"] {
		upload, err := readUpload(header)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		files = append(files, upload)
	}

	userID := r.FormValue("user_id")

	batch, receipts, err := s.service.IngestBatch(r.Context(), userID, files)
	if err != nil {
		slog.Error("Error ingesting batch", "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"batch":    batch,
		"receipts": receipts,
	})
}

// handleGetBatch returns a batch with its receipts
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, receipts, err := s.service.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"batch":    batch,
		"receipts": receipts,
	})
}

// handleExportBatch returns a batch's receipts as CSV
func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.service.ExportBatchCSV(r.Context(), id)
	if err != nil {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=batch_%s.csv", id))
	w.Write(data)
}

// handleListReceipts returns a list of all receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.Context())
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a single receipt with its field extractions
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, fields, err := s.service.GetReceiptDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		corsError(w, "Receipt not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"receipt":     receipt,
		"extractions": fields,
	})
}

// handleGetReceiptFile returns the sub-image for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), r.PathValue("id"))
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), r.PathValue("id")); err != nil {
		corsError(w, "Error deleting receipt", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRetryReceipt re-queues a permanently failed receipt
func (s *Server) handleRetryReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.RetryReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("Error re-queueing receipt", "receipt_id", r.PathValue("id"), "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}
