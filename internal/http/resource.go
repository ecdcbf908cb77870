package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	httperrors "gitea.jw6.us/james/calsched/internal/http/errors"
	"gitea.jw6.us/james/calsched/internal/store"
)

// Object serves the stored iCalendar text of one object.
func (h *handler) Object(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.deps.Store.Begin(ctx)
	if err != nil {
		httperrors.InternalError(w, r, err, "begin transaction")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	obj, err := lookupObject(r, tx)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.Status(w, r, http.StatusNotFound, err, "object not found")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "load object")
		return
	}

	etag := fmt.Sprintf("%q", obj.ETag)
	w.Header().Set("ETag", etag)
	if !obj.LastModified.IsZero() {
		w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write([]byte(obj.RawICAL))
}

func lookupObject(r *http.Request, tx store.Tx) (*store.Object, error) {
	ctx := r.Context()
	home, err := tx.CalendarHome(ctx, chi.URLParam(r, "principal"), false)
	if err != nil {
		return nil, err
	}
	coll, err := tx.Collection(ctx, home.ID, chi.URLParam(r, "collection"), false)
	if err != nil {
		return nil, err
	}
	uid, err := url.PathUnescape(chi.URLParam(r, "uid"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	return tx.ObjectByUID(ctx, coll.ID, uid)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
