package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editing"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editor"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/upload"
)

// handleCallback always answers 200; the editor reads the error field.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("fileid")
	if fileID == "" {
		respondJSON(w, http.StatusOK, editor.CallbackResponse{Error: 1, Message: "fileid is required"})
		return
	}
	ev, err := editor.DecodeCallback(r, s.deps.Tokens, s.deps.JWTHeader)
	if err != nil {
		s.logger.Warn("callback rejected", slog.String("file_id", fileID), slog.String("error", err.Error()))
		respondJSON(w, http.StatusOK, editor.CallbackResponse{Error: 1, Message: err.Error()})
		return
	}
	res, err := s.deps.Callbacks.Handle(r.Context(), fileID, ev)
	switch {
	case err != nil:
		respondJSON(w, http.StatusOK, editor.CallbackResponse{Error: 1, Message: err.Error()})
	case res.Stale():
		respondJSON(w, http.StatusOK, editor.CallbackResponse{Error: 1, Message: "key does not match the current version"})
	default:
		respondJSON(w, http.StatusOK, editor.CallbackResponse{Error: 0})
	}
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

func (s *Server) uploadError(w http.ResponseWriter, err error) {
	respondJSON(w, apperr.HTTPStatus(apperr.KindOf(err)), uploadResponse{Message: err.Error()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "api.upload"
	ctx := r.Context()
	principal := PrincipalFrom(ctx)
	q := r.URL.Query()
	uid := q.Get("uid")

	var (
		data any
		err  error
	)
	switch kind := upload.Classify(q); kind {
	case upload.RequestInitiate:
		var size int64
		if size, err = strconv.ParseInt(q.Get("filesize"), 10, 64); err != nil {
			s.uploadError(w, apperr.InvalidArgument(op, "filesize must be a number"))
			return
		}
		encrypted, _ := strconv.ParseBool(q.Get("encrypted"))
		data, err = s.deps.Uploads.Initiate(ctx, principal, upload.InitiateRequest{
			FolderID:     q.Get("folderid"),
			FileID:       q.Get("fileid"),
			FileName:     q.Get("filename"),
			DeclaredSize: size,
			Encrypted:    encrypted,
		})
	case upload.RequestUpload, upload.RequestUploadAsync:
		var chunk upload.Chunk
		var closeBody func()
		chunk, closeBody, err = s.readChunk(w, r, kind == upload.RequestUploadAsync)
		if err != nil {
			s.uploadError(w, err)
			return
		}
		defer closeBody()
		data, err = s.deps.Uploads.UploadChunk(ctx, principal, uid, chunk)
	case upload.RequestFinalize:
		data, err = s.deps.Uploads.Finalize(ctx, principal, uid)
	case upload.RequestAbort:
		err = s.deps.Uploads.Abort(ctx, principal, uid)
	default:
		err = apperr.InvalidArgument(op, "request matches no upload operation")
	}
	if err != nil {
		s.uploadError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, uploadResponse{Success: true, Data: data})
}

// readChunk takes the chunk from the first file part of a multipart form, or
// from the raw body otherwise.
func (s *Server) readChunk(w http.ResponseWriter, r *http.Request, numbered bool) (upload.Chunk, func(), error) {
	const op = "api.readChunk"
	q := r.URL.Query()
	noop := func() {}
	if s.deps.MaxChunk > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxChunk+64<<10)
	}

	var chunk upload.Chunk
	if numbered {
		n, err := strconv.ParseInt(q.Get("chunknumber"), 10, 64)
		if err != nil || n < 0 {
			return chunk, noop, apperr.InvalidArgument(op, "chunknumber must be a non-negative number")
		}
		chunk.Number = &n
	}

	chunk.DeclaredSize = r.ContentLength
	if v := q.Get("chunksize"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return chunk, noop, apperr.InvalidArgument(op, "chunksize must be a number")
		}
		chunk.DeclaredSize = size
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if chunk.DeclaredSize < 0 {
			return chunk, noop, apperr.InvalidArgument(op, "chunk size is unknown")
		}
		chunk.Body = r.Body
		return chunk, noop, nil
	}
	if q.Get("chunksize") == "" {
		return chunk, noop, apperr.InvalidArgument(op, "chunksize is required for form uploads")
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return chunk, noop, apperr.InvalidArgument(op, "expecting multipart form: %v", err)
	}
	part, err := nextFilePart(mr)
	if err != nil {
		return chunk, noop, apperr.InvalidArgument(op, "no file part: %v", err)
	}
	chunk.Body = part
	return chunk, func() { part.Close() }, nil
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.InvalidArgument("api.decode", "malformed body: %v", err)
	}
	return nil
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req editing.OpenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.Principal = PrincipalFrom(r.Context())
	cfg, err := s.deps.Editing.Open(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	f, err := s.deps.Editing.Rename(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"), body.Title)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (s *Server) handleDropUsers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Users []string `json:"users"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.deps.Editing.DropUsers(r.Context(), PrincipalFrom(r.Context()), chi.URLParam(r, "id"), body.Users); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDropFiles(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileIDs []string `json:"fileIds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(body.FileIDs) == 0 {
		s.respondError(w, r, apperr.InvalidArgument("api.dropFiles", "fileIds is empty"))
		return
	}
	if err := s.deps.Editing.DropFiles(r.Context(), PrincipalFrom(r.Context()), body.FileIDs); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownload serves content to the document service through a signed
// link instead of a principal token.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, ok := s.deps.URLs.Validate(id, r.URL.Query())
	if !ok {
		s.respondError(w, r, apperr.Unauthorized("api.download", "invalid or expired link"))
		return
	}
	f, err := s.deps.Files.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	v, rc, err := s.deps.Files.OpenVersion(r.Context(), id, version)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(v.ContentLength, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Title}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("download interrupted", slog.String("file_id", id), slog.String("error", err.Error()))
	}
}
