package blob

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const healthPath = "healthcheck"

// Handler serves a Store over HTTP: GET and PUT on /<key>, and
// GET /healthcheck. Mount it with http.StripPrefix.
type Handler struct {
	store  Store
	apiKey string
	logger *slog.Logger
}

// NewHandler creates a blob handler. An empty apiKey accepts every upload.
func NewHandler(store Store, apiKey string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, apiKey: apiKey, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodGet:
		if key == healthPath {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.download(w, r, key)
	case http.MethodPut:
		h.upload(w, r, key)
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request, key string) {
	data, err := h.store.Get(r.Context(), key)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrInvalidKey):
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("Blob read failed", "key", key, "error", err)
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	_, _ = w.Write(data)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.apiKey == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) == 1
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request, key string) {
	if !h.authorized(r) {
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlobSize))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "blob too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if err := h.store.Put(r.Context(), key, data); err != nil {
		if errors.Is(err, ErrInvalidKey) {
			http.Error(w, "invalid key", http.StatusBadRequest)
			return
		}
		h.logger.Error("Blob write failed", "key", key, "error", err)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	h.logger.Debug("Blob stored", "key", key, "bytes", len(data))
	w.WriteHeader(http.StatusNoContent)
}
