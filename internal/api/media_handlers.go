package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hively/hively-backend/internal/media"
)

// Media endpoints
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "MISSING_FILE", "multipart field 'file' is required")
		return
	}
	defer file.Close()

	obj, err := h.mediaSvc.Upload(r.Context(), UserIDFromContext(r.Context()), header.Header.Get("Content-Type"), file)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrTooLarge):
			h.writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error())
		case errors.Is(err, media.ErrUnsupportedType):
			h.writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "UPLOAD_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, obj)
}

func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	obj, err := h.mediaSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "MEDIA_NOT_FOUND", "no such media")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "MEDIA_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, obj)
}

// ServeMedia streams a stored blob by its storage key.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	path, err := h.mediaSvc.Path(chi.URLParam(r, "key"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, path)
}
