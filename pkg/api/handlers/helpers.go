package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"merakstore/pkg/store"
	"merakstore/pkg/utils"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// writeStoreError maps the store error taxonomy onto HTTP statuses.
// Anything outside the taxonomy is a plain 500 with a generic message so
// backend details never leak to clients.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		utils.JSONError(w, http.StatusConflict, "conflict")
	case errors.Is(err, store.ErrInvalidArgument):
		utils.JSONError(w, http.StatusBadRequest, "invalid argument")
	case errors.Is(err, store.ErrUnavailable):
		utils.JSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// pageLimit parses ?limit= with a default and a hard cap. The store treats
// limit<=0 as unbounded, so the HTTP layer never passes zero through.
func pageLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxPageLimit {
		n = maxPageLimit
	}
	return n, true
}
