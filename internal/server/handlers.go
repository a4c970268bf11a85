package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/envelope"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/intake"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Warn("server: failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.As(err)
	writeJSON(w, kind.HTTPStatus(), map[string]string{"error": err.Error()})
}

// handleUpload implements POST /api/upload (spec.md §6).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(intake.MaxSyncUploadBytes); err != nil {
		writeError(w, apierr.Wrap(apierr.InputInvalid, "upload: parse multipart form", err))
		return
	}

	userID := r.FormValue("userId")
	if userID == "" {
		writeError(w, apierr.New(apierr.InputInvalid, "upload: missing userId"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierr.Wrap(apierr.InputInvalid, "upload: missing file", err))
		return
	}
	defer file.Close()

	data, err := readAllLimited(file, intake.MaxSyncUploadBytes+1)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.InputInvalid, "upload: read file", err))
		return
	}
	if len(data) > intake.MaxSyncUploadBytes {
		writeError(w, apierr.New(apierr.FileTooLarge, "upload: file exceeds synchronous intake limit"))
		return
	}

	epochs, _ := strconv.Atoi(r.FormValue("epochs"))
	req := intake.Request{
		UserID:              userID,
		Filename:            header.Filename,
		ContentType:         header.Header.Get("Content-Type"),
		Bytes:               data,
		Epochs:              epochs,
		FolderID:            r.FormValue("folderId"),
		QuoteID:             r.FormValue("quoteId"),
		ClientSideEncrypted: r.FormValue("clientSideEncrypted") == "true",
	}

	receipt, err := s.Intake.Accept(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fileId":     receipt.FileID,
		"tempBlobId": receipt.TempBlobID,
		"s3Key":      receipt.StagedKey,
		"uploadMode": receipt.UploadMode,
	})
}

func readAllLimited(f multipart.File, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, limit))
}

type processAsyncRequest struct {
	FileID string `json:"fileId"`
	UserID string `json:"userId"`
}

// handleProcessAsync implements POST /api/upload/process-async, triggering
// a single dispatch (spec.md §6).
func (s *Server) handleProcessAsync(w http.ResponseWriter, r *http.Request) {
	var req processAsyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InputInvalid, "process-async: decode body", err))
		return
	}
	if req.FileID == "" || req.UserID == "" {
		writeError(w, apierr.New(apierr.InputInvalid, "process-async: missing fileId or userId"))
		return
	}

	res, err := s.Dispatcher.Dispatch(r.Context(), req.FileID, req.UserID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, apierr.Wrap(apierr.DispatchTimeout, "process-async: dispatch deadline exceeded", err))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"blobId":       res.BlobID,
		"blobObjectId": res.BlobObjectID,
	})
}

// handleTriggerPending implements POST /api/upload/trigger-pending: a
// periodic sweep that selects oldest-pending files and dispatches them one
// at a time (spec.md §4.4).
func (s *Server) handleTriggerPending(w http.ResponseWriter, r *http.Request) {
	const sweepLimit = 25

	pending, err := s.Files.ListPending(sweepLimit)
	if err != nil {
		writeError(w, fmt.Errorf("trigger-pending: list pending: %w", err))
		return
	}

	var processed, failed int
	for _, f := range pending {
		if _, err := s.Dispatcher.Dispatch(r.Context(), f.FileID, f.UserID); err != nil {
			logrus.WithError(err).WithField("file", f.FileID).Warn("trigger-pending: dispatch failed")
			failed++
			continue
		}
		processed++
	}

	writeJSON(w, http.StatusOK, map[string]int{"processed": processed, "failed": failed})
}

// handleMetrics implements POST /api/metrics: an advisory client telemetry
// sink. Never load-bearing; failures to parse are logged and swallowed.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logrus.WithError(err).Debug("metrics: malformed telemetry body, ignoring")
	} else {
		logrus.WithFields(logrus.Fields(body)).Debug("metrics: client telemetry")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type downloadRequest struct {
	BlobID   string `json:"blobId"`
	Filename string `json:"filename"`
}

// handleDownload implements POST /api/download: resolves a blobId to a
// staged object and streams it back, parsing whichever envelope format
// (current or legacy) the stored bytes use just enough to validate them.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InputInvalid, "download: decode body", err))
		return
	}

	f, ok, err := s.Files.FindByBlobID(req.BlobID)
	if err != nil {
		writeError(w, fmt.Errorf("download: lookup blob: %w", err))
		return
	}
	if !ok {
		writeError(w, apierr.New(apierr.NotFound, "download: blob not found"))
		return
	}

	data, err := s.Staging.Get(r.Context(), f.StagedKey)
	if err != nil {
		writeError(w, err)
		return
	}

	if _, _, err := envelope.Parse(data); err != nil {
		logrus.WithError(err).WithField("blobId", req.BlobID).Debug("download: stored bytes are not envelope-framed, streaming raw")
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleVerify implements GET /api/verify?blobId=.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	blobID := r.URL.Query().Get("blobId")
	f, found, err := s.Files.FindByBlobID(blobID)
	if err != nil {
		writeError(w, fmt.Errorf("verify: lookup blob: %w", err))
		return
	}
	message := "not found"
	if found {
		message = "blob registered"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exists":  found,
		"blobId":  blobID,
		"message": message,
		"status":  f.Status,
	})
}

// handleBalance implements GET /api/balance.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, apierr.New(apierr.InputInvalid, "balance: missing userId"))
		return
	}

	bal, err := s.Ledger.Balance(userID)
	if err != nil {
		writeError(w, fmt.Errorf("balance: read: %w", err))
		return
	}

	addr, err := s.Wallet.AddressForUser(userID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Unknown, "balance: derive wallet address", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"network": s.Config.Network,
		"balances": map[string]float64{
			"sui":   0,
			"wal":   0,
			"total": bal,
		},
	})
}

type quoteFileRequest struct {
	TempID    string `json:"tempId"`
	SizeBytes int64  `json:"sizeBytes"`
	Epochs    int    `json:"epochs"`
}

type quoteRequest struct {
	UserID string             `json:"userId"`
	Files  []quoteFileRequest `json:"files"`
}

// handleQuote implements POST /api/quote.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InputInvalid, "quote: decode body", err))
		return
	}
	if req.UserID == "" || len(req.Files) == 0 {
		writeError(w, apierr.New(apierr.InputInvalid, "quote: missing userId or files"))
		return
	}

	files := make([]quote.FileRequest, 0, len(req.Files))
	for _, f := range req.Files {
		epochs := f.Epochs
		if epochs <= 0 {
			epochs = quote.DefaultEpochs
		}
		files = append(files, quote.FileRequest{TempID: f.TempID, SizeBytes: f.SizeBytes, Epochs: epochs})
	}

	q, err := quote.Mint(r.Context(), s.Quotes, s.Oracle, req.UserID, files, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"quoteId":      q.QuoteID,
		"expiresAt":    q.ExpiresAt,
		"perFile":      q.Files,
		"totalCostUSD": q.TotalCostUSD,
		"totalCostSUI": q.TotalCostSUI,
	})
}

// handleListFiles implements the supplemented GET /api/files?userId=.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, apierr.New(apierr.InputInvalid, "files: missing userId"))
		return
	}

	files, err := s.Files.ListByUser(userID)
	if err != nil {
		writeError(w, fmt.Errorf("files: list: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}
