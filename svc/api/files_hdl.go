package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"takobin/cfg"
	"takobin/pkg/domain"
	"takobin/svc/svc"
	"takobin/svc/util"
)

type FilesHdl struct {
	files *svc.Files
	cfg   *cfg.Cfg
}

type FileListResp struct {
	Files []*domain.FileUpload `json:"files"`
}

// UploadFile accepts a single multipart part named "file". The size gate
// runs twice: MaxBytesReader here, then the declared part size in the
// service.
func (h *FilesHdl) UploadFile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	pasteID := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFileSize+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		log.Warn().Err(err).Msg("invalid multipart form")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	upload, err := h.files.Upload(r.Context(), pasteID, header.Filename, contentType, header.Size, file)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", pasteID).Msg("file upload failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", pasteID).
		Str("file_id", upload.ID).
		Int64("size", upload.FileSize).
		Msg("file uploaded")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(upload)
}

func (h *FilesHdl) ListFiles(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	pasteID := chi.URLParam(r, "id")

	files, err := h.files.ListByPaste(r.Context(), pasteID, pastePassword(r))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if files == nil {
		files = []*domain.FileUpload{}
	}
	json.NewEncoder(w).Encode(FileListResp{Files: files})
}

func (h *FilesHdl) DownloadFile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	fileID := chi.URLParam(r, "id")

	file, rc, err := h.files.Download(r.Context(), fileID, pastePassword(r))
	if err != nil {
		log.Warn().Err(err).Str("file_id", fileID).Msg("file download failed")
		writeErr(w, err, requestID)
		return
	}
	defer rc.Close()

	contentType := file.FileType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", file.FileSize))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("file_id", fileID).Msg("file stream interrupted")
	}
}

func (h *FilesHdl) DeleteFile(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	fileID := chi.URLParam(r, "id")

	if err := h.files.Delete(r.Context(), fileID); err != nil {
		log.Warn().Err(err).Str("file_id", fileID).Msg("delete file failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FilesHdl) DeleteMyFiles(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	deleted, err := h.files.DeleteAllForUser(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("bulk file delete failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(DeletedResp{Deleted: deleted})
}
