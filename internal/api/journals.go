package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/soulsense/sentinel/internal/outbox"
	"github.com/soulsense/sentinel/internal/store"
	"go.uber.org/zap"
)

const maxJournalLength = 20_000

func validateContent(content string) string {
	switch {
	case strings.TrimSpace(content) == "":
		return "content is required"
	case len(content) > maxJournalLength:
		return "content is too long"
	}
	return ""
}

// notifyIndexing wakes the search relay. A lost wake-up only delays indexing
// until the next poll.
func (d *Dependencies) notifyIndexing(r *http.Request) {
	if err := outbox.Notify(r.Context(), d.Notifier, outbox.TopicSearchIndexing); err != nil {
		d.Logger.Debug("outbox wake-up failed", zap.Error(err))
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

func (d *Dependencies) handleCreateJournal(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req JournalReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if msg := validateContent(req.Content); msg != "" {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: msg})
		return
	}

	var j *store.Journal
	err := d.Router.WithWriteTx(r.Context(), p.Username, func(tx *sql.Tx) error {
		var err error
		j, err = d.Store.CreateJournal(r.Context(), tx, p.UserID, p.TenantID, req.Content)
		return err
	})
	if err != nil {
		d.Logger.Error("failed to create journal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create journal"})
		return
	}
	d.notifyIndexing(r)

	writeJSON(w, http.StatusCreated, j)
}

func (d *Dependencies) handleListJournals(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	db, target, err := d.Router.Route(r.Context(), r.Method, p.Username)
	if err != nil {
		d.Logger.Error("failed to route read", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Database unavailable"})
		return
	}

	journals, err := d.Store.ListJournals(r.Context(), db, p.UserID, queryInt(r.URL.Query(), "limit", 50))
	if err != nil {
		d.Logger.Error("failed to list journals", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list journals"})
		return
	}

	writeJSON(w, http.StatusOK, JournalListResp{Journals: journals, ReadFrom: string(target)})
}

func (d *Dependencies) handleUpdateJournal(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id, ok := pathID(r, "journal_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid journal id"})
		return
	}
	var req JournalReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if msg := validateContent(req.Content); msg != "" {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: msg})
		return
	}

	var j *store.Journal
	err := d.Router.WithWriteTx(r.Context(), p.Username, func(tx *sql.Tx) error {
		var err error
		j, err = d.Store.UpdateJournal(r.Context(), tx, p.UserID, id, req.Content)
		return err
	})
	if err != nil {
		d.Logger.Error("failed to update journal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update journal"})
		return
	}
	if j == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Journal not found."})
		return
	}
	d.notifyIndexing(r)

	writeJSON(w, http.StatusOK, j)
}

func (d *Dependencies) handleDeleteJournal(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id, ok := pathID(r, "journal_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid journal id"})
		return
	}

	err := d.Router.WithWriteTx(r.Context(), p.Username, func(tx *sql.Tx) error {
		return d.Store.DeleteJournal(r.Context(), tx, p.UserID, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Journal not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete journal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete journal"})
		return
	}
	d.notifyIndexing(r)

	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleRecordExport(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	var req ExportReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.FilePath) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: "file_path is required"})
		return
	}

	var id int64
	err := d.Router.WithWriteTx(r.Context(), p.Username, func(tx *sql.Tx) error {
		var err error
		id, err = d.Store.RecordExport(r.Context(), tx, p.UserID, req.FilePath)
		return err
	})
	if err != nil {
		d.Logger.Error("failed to record export", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to record export"})
		return
	}

	writeJSON(w, http.StatusCreated, ExportResp{ID: id, FilePath: req.FilePath})
}
