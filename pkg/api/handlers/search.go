package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"merakstore/pkg/logger"
	"merakstore/pkg/search"
	"merakstore/pkg/utils"
)

// RegisterSearch registers the vector search route. A nil searcher keeps
// the route mounted but answering 503, so clients can tell "not deployed
// here" from "wrong path".
func RegisterSearch(r *mux.Router, s search.Searcher) {
	h := &searchHandlers{searcher: s}
	r.HandleFunc("/search", h.search).Methods(http.MethodPost)
}

type searchHandlers struct {
	searcher search.Searcher
}

func (h *searchHandlers) search(w http.ResponseWriter, r *http.Request) {
	if h.searcher == nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "search not configured")
		return
	}
	var q search.Query
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&q); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if q.Query == "" {
		utils.JSONError(w, http.StatusBadRequest, "query required")
		return
	}
	resp, err := h.searcher.Search(r.Context(), q)
	if err != nil {
		logger.Error("search_failed", zap.Error(err))
		utils.JSONError(w, http.StatusBadGateway, "search failed")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, resp)
}
