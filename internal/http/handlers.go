package httpserver

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/calsched/internal/caldoc"
	"gitea.jw6.us/james/calsched/internal/directory"
	httperrors "gitea.jw6.us/james/calsched/internal/http/errors"
	"gitea.jw6.us/james/calsched/internal/importer"
	"gitea.jw6.us/james/calsched/internal/store"
)

type handler struct {
	deps Deps
}

// Import accepts one text/calendar document.
func (h *handler) Import(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "text/calendar" {
			httperrors.Status(w, r, http.StatusUnsupportedMediaType, errors.New(ct), "content type must be text/calendar")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, caldoc.MaxDocumentSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httperrors.Status(w, r, http.StatusRequestEntityTooLarge, err, "calendar too large")
			return
		}
		httperrors.BadRequestError(w, r, err, "could not read body")
		return
	}

	doc, err := caldoc.ParseDocument(bytes.NewReader(body))
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid calendar data")
		return
	}

	res, err := h.deps.Importer.Import(r.Context(), doc)
	switch {
	case err == nil:
		httperrors.LogInfo(r.Context(), "import accepted", "principal", res.Principal, "collection", res.Collection, "objects", res.Objects)
		httperrors.WriteJSON(w, http.StatusOK, res)
	case importer.IsValidation(err):
		httperrors.BadRequestError(w, r, err, err.Error())
	case errors.Is(err, directory.ErrNotFound):
		httperrors.Status(w, r, http.StatusNotFound, err, "principal not found")
	default:
		httperrors.InternalError(w, r, err, "import failed")
	}
}

type objectSummary struct {
	UID          string    `json:"uid"`
	ResourceName string    `json:"resource_name"`
	ETag         string    `json:"etag"`
	Component    string    `json:"component"`
	Organizer    *string   `json:"organizer,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

type collectionSummary struct {
	Principal   string          `json:"principal"`
	Collection  string          `json:"collection"`
	DisplayName *string         `json:"display_name"`
	Color       *string         `json:"color"`
	Count       int             `json:"count"`
	Objects     []objectSummary `json:"objects"`
}

// Collection reports the metadata and objects of one collection.
func (h *handler) Collection(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	name := chi.URLParam(r, "collection")
	ctx := r.Context()

	tx, err := h.deps.Store.Begin(ctx)
	if err != nil {
		httperrors.InternalError(w, r, err, "begin transaction")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	home, err := tx.CalendarHome(ctx, principal, false)
	if err == nil {
		var coll *store.Collection
		if coll, err = tx.Collection(ctx, home.ID, name, false); err == nil {
			var objs []store.Object
			if objs, err = tx.ListObjects(ctx, coll.ID); err == nil {
				httperrors.WriteJSON(w, http.StatusOK, summarize(principal, coll, objs))
				return
			}
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		httperrors.Status(w, r, http.StatusNotFound, err, "collection not found")
		return
	}
	httperrors.InternalError(w, r, err, "load collection")
}

func summarize(principal string, coll *store.Collection, objs []store.Object) collectionSummary {
	out := collectionSummary{
		Principal:   principal,
		Collection:  coll.Name,
		DisplayName: coll.DisplayName,
		Color:       coll.Color,
		Count:       len(objs),
		Objects:     make([]objectSummary, 0, len(objs)),
	}
	for _, o := range objs {
		out.Objects = append(out.Objects, objectSummary{
			UID:          o.UID,
			ResourceName: o.ResourceName,
			ETag:         o.ETag,
			Component:    o.ComponentType,
			Organizer:    o.Organizer,
			LastModified: o.LastModified,
		})
	}
	return out
}

type queueStatus struct {
	Enabled  bool `json:"enabled"`
	Pending  int  `json:"pending"`
	InFlight int  `json:"in_flight"`
	Dead     int  `json:"dead"`
}

func (h *handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		httperrors.WriteJSON(w, http.StatusOK, queueStatus{})
		return
	}
	s := h.deps.Queue.Stats()
	httperrors.WriteJSON(w, http.StatusOK, queueStatus{Enabled: true, Pending: s.Pending, InFlight: s.InFlight, Dead: s.Dead})
}

func (h *handler) RequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		httperrors.Status(w, r, http.StatusConflict, errors.New("queue disabled"), "work queue is disabled")
		return
	}
	n := h.deps.Queue.RequeueDeadLetters()
	httperrors.LogInfo(r.Context(), "dead letters requeued", "count", n)
	httperrors.WriteJSON(w, http.StatusOK, map[string]int{"requeued": n})
}
