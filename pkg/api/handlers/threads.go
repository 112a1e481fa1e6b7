package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"merakstore/pkg/auth"
	"merakstore/pkg/models"
	"merakstore/pkg/store"
	"merakstore/pkg/utils"
	"merakstore/pkg/validation"
)

// RegisterThreads registers thread and item routes on the provided router.
func RegisterThreads(r *mux.Router, s store.Store) {
	h := &threadHandlers{store: s}

	r.HandleFunc("/threads", h.createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", h.listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}", h.getThread).Methods(http.MethodGet)

	r.HandleFunc("/threads/{threadID}/items", h.appendItem).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/items", h.listItems).Methods(http.MethodGet)
	r.HandleFunc("/threads/{threadID}/items/{itemID}", h.updateItemStatus).Methods(http.MethodPatch)
}

type threadHandlers struct {
	store store.Store
}

// createThread handles POST /threads. The body carries optional title and
// metadata; id and timestamps are server-assigned.
func (h *threadHandlers) createThread(w http.ResponseWriter, r *http.Request) {
	user := auth.UserIDFromContext(r.Context())
	var th models.Thread
	body := http.MaxBytesReader(w, r.Body, validation.MaxPayloadBytes())
	if err := json.NewDecoder(body).Decode(&th); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// the caller never picks ids or timestamps
	th.ID = ""
	th.CreatedTS = 0
	th.UpdatedTS = 0
	if err := validation.ValidateThread(th); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.SaveThread(r.Context(), user, &th); err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, th)
}

// listThreads handles GET /threads with cursor pagination, most recently
// active first.
func (h *threadHandlers) listThreads(w http.ResponseWriter, r *http.Request) {
	user := auth.UserIDFromContext(r.Context())
	limit, ok := pageLimit(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	threads, next, err := h.store.ListThreads(r.Context(), user, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Threads    []models.Thread `json:"threads"`
		NextCursor string          `json:"next_cursor,omitempty"`
	}{Threads: threads, NextCursor: next})
}

func (h *threadHandlers) getThread(w http.ResponseWriter, r *http.Request) {
	user := auth.UserIDFromContext(r.Context())
	th, err := h.store.LoadThread(r.Context(), user, mux.Vars(r)["threadID"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

// appendItem handles POST /threads/{threadID}/items. Kind is required;
// tool calls may start pending, everything else carries no status.
func (h *threadHandlers) appendItem(w http.ResponseWriter, r *http.Request) {
	user := auth.UserIDFromContext(r.Context())
	var it models.Item
	body := http.MaxBytesReader(w, r.Body, validation.MaxPayloadBytes())
	if err := json.NewDecoder(body).Decode(&it); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	it.ID = ""
	it.CreatedTS = 0
	if err := validation.ValidateItem(it); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.store.AppendItem(r.Context(), user, mux.Vars(r)["threadID"], &it)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, out)
}

// listItems handles GET /threads/{threadID}/items with cursor pagination
// and an order query parameter (asc by default).
func (h *threadHandlers) listItems(w http.ResponseWriter, r *http.Request) {
	user := auth.UserIDFromContext(r.Context())
	limit, ok := pageLimit(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	order, err := store.ParseOrder(r.URL.Query().Get("order"))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid order")
		return
	}
	items, next, err := h.store.ListItems(r.Context(), user, mux.Vars(r)["threadID"],
		r.URL.Query().Get("cursor"), limit, order)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []models.Item{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Items      []models.Item `json:"items"`
		NextCursor string        `json:"next_cursor,omitempty"`
	}{Items: items, NextCursor: next})
}

// updateItemStatus handles PATCH /threads/{threadID}/items/{itemID} with a
// body of {"status":"completed"}.
func (h *threadHandlers) updateItemStatus(w http.ResponseWriter, r *http.Request) {
	user := auth.UserIDFromContext(r.Context())
	var req struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	vars := mux.Vars(r)
	out, err := h.store.UpdateItemStatus(r.Context(), user, vars["threadID"], vars["itemID"], req.Status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, out)
}
