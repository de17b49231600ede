package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/dsprof/blobstore"
	"github.com/hazyhaar/dsprof/fault"
	"github.com/hazyhaar/dsprof/idgen"
	"github.com/hazyhaar/dsprof/metastore"
	"github.com/hazyhaar/dsprof/parser"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeError(w, http.StatusUnprocessableEntity, errors.New("name must not be blank"))
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, errors.New("file field is required"))
		return
	}
	defer file.Close()

	if blobstore.Basename(hdr.Filename) == "" {
		writeError(w, http.StatusUnprocessableEntity, errors.New("uploaded file must have a filename"))
		return
	}

	contentType := hdr.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if contentType != parser.ContentTypeCSV && contentType != parser.ContentTypeJSON {
		writeError(w, http.StatusUnsupportedMediaType,
			errors.New("unsupported content type: "+contentType))
		return
	}

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	// Dedup fast path: identical bytes were uploaded before, skip the
	// blob write entirely.
	existing, err := s.store.GetDatasetByChecksum(ctx, checksum)
	if err == nil {
		writeJSON(w, http.StatusCreated, uploadView(existing))
		return
	}
	if fault.KindOf(err) != fault.NotFound {
		writeFault(w, r, err)
		return
	}

	id := idgen.Dataset()
	key := blobstore.UploadKey(id, hdr.Filename)
	etag, err := s.blobs.Put(ctx, s.opts.UploadsBucket, key, body, contentType)
	if err != nil {
		writeFault(w, r, err)
		return
	}

	// A concurrent identical upload can still win the insert; the blob
	// written above is then orphaned, which is harmless (keys are
	// per-id, never reused).
	d, created, err := s.store.CreateDatasetIfNew(ctx, metastore.NewDataset{
		ID:               id,
		Name:             name,
		OriginalFilename: blobstore.Basename(hdr.Filename),
		ContentType:      contentType,
		ChecksumSHA256:   checksum,
		SizeBytes:        int64(len(body)),
		UploadBucket:     s.opts.UploadsBucket,
		UploadKey:        key,
		UploadETag:       etag,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if created {
		GetLogger(ctx).Info("dataset uploaded",
			"dataset_id", d.ID, "size_bytes", d.SizeBytes, "content_type", contentType)
	}
	writeJSON(w, http.StatusCreated, uploadView(d))
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListDatasetSummaries(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	views := make([]DatasetView, 0, len(summaries))
	for _, sum := range summaries {
		views = append(views, datasetView(sum))
	}
	writeJSON(w, http.StatusOK, map[string][]DatasetView{"datasets": views})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.GetDatasetSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, datasetView(sum))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctl.Enqueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		JobID:     job.ID,
		DatasetID: job.DatasetID,
		State:     string(job.State),
		Progress:  job.Progress,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := s.store.GetReportByDataset(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	body, err := s.blobs.Get(ctx, report.ReportBucket, report.ReportKey)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.ListJobs(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	views := make([]JobView, 0, len(all))
	for _, j := range all {
		views = append(views, jobView(j))
	}
	writeJSON(w, http.StatusOK, map[string][]JobView{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j))
}
