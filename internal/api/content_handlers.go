package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"newsroom-api/internal/content"
	"newsroom-api/internal/hydrate"
	"newsroom-api/internal/paginate"
	"newsroom-api/internal/storage"
)

const maxLookupIDs = 100

// reservedParams are query parameters that are not column filters.
var reservedParams = map[string]struct{}{
	"limit": {}, "page": {}, "last": {}, "count": {}, "sortBy": {},
	"direction": {}, "q": {}, "show": {}, "projection": {},
}

type pageResponse struct {
	Results []*hydrate.Entity `json:"results"`
	Count   int64             `json:"count"`
}

type lookupRequest struct {
	IDs        []int64  `json:"ids"`
	RequireAll bool     `json:"requireAll"`
	Show       []string `json:"show"`
	Projection string   `json:"projection"`
	Snapshot   bool     `json:"snapshot"`
}

// List serves one page of a collection. A q parameter switches to search;
// any parameter that is not a paging option filters by column equality.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	t, ok := h.collection(w, r)
	if !ok {
		return
	}
	values := r.URL.Query()
	params, err := paginate.ParseQuery(values)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	opts, err := buildOptions(t, parseShow(values), values.Get("projection"), 0, requester(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var res content.Result
	if params.Search != "" {
		if len(filterParams(values)) > 0 {
			h.writeServiceError(w, r, storage.InvalidRequest("search does not take column filters"))
			return
		}
		res, err = h.Content.Search(r.Context(), h.call(r), t.Schema.Name, params.Search, params, opts)
	} else {
		var where storage.Where
		where, err = parseWhere(values)
		if err == nil {
			res, err = h.Content.List(r.Context(), h.call(r), t.Schema.Name, params, where, opts)
		}
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writePage(w, params, res)
}

// ListUnder serves one page of a collection scoped to a parent entity, such
// as the comments of one gallery.
func (h *Handler) ListUnder(w http.ResponseWriter, r *http.Request) {
	t, ok := h.collection(w, r)
	if !ok {
		return
	}
	name := r.PathValue("parent")
	parent, ok := h.Content.Catalog().ByPath(name)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown collection "+strconv.Quote(name)))
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeServiceError(w, r, storage.InvalidRequest("id must be a positive integer"))
		return
	}
	values := r.URL.Query()
	if len(filterParams(values)) > 0 || values.Get("q") != "" {
		h.writeServiceError(w, r, storage.InvalidRequest("scoped listings do not take filters or search"))
		return
	}
	params, err := paginate.ParseQuery(values)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	opts, err := buildOptions(t, parseShow(values), values.Get("projection"), 0, requester(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.Content.ListUnder(r.Context(), h.call(r), t.Schema.Name, parent.Schema.Name, id, params, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writePage(w, params, res)
}

func (h *Handler) writePage(w http.ResponseWriter, params paginate.Params, res content.Result) {
	items := res.Items
	if items == nil {
		items = []*hydrate.Entity{}
	}
	if params.Count {
		writeJSON(w, http.StatusOK, pageResponse{Results: items, Count: res.Count})
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Get serves one entity by id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	t, ok := h.collection(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeServiceError(w, r, storage.InvalidRequest("id must be a positive integer"))
		return
	}
	values := r.URL.Query()
	opts, err := buildOptions(t, parseShow(values), values.Get("projection"), id, requester(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	entity, err := h.Content.Get(r.Context(), h.call(r), t.Schema.Name, id, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// Lookup serves a batch of entities by id in the order asked for. With
// snapshot set the batch is built inside one storage transaction.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	t, ok := h.collection(w, r)
	if !ok {
		return
	}
	var req lookupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, storage.InvalidRequest("decode lookup: %v", err))
		return
	}
	if len(req.IDs) > maxLookupIDs {
		h.writeServiceError(w, r, storage.InvalidRequest("at most %d ids per lookup", maxLookupIDs))
		return
	}
	opts, err := buildOptions(t, req.Show, req.Projection, 0, requester(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var items []*hydrate.Entity
	fetch := func(ctx context.Context, call hydrate.Call) error {
		var err error
		items, err = h.Content.GetMany(ctx, call, t.Schema.Name, req.IDs, opts, req.RequireAll)
		return err
	}
	if req.Snapshot {
		err = h.Content.WithTx(r.Context(), requester(r), fetch)
	} else {
		err = fetch(r.Context(), h.call(r))
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Autocomplete serves entities whose field starts with q, projected to their
// id and that field.
func (h *Handler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	name := strings.TrimSpace(values.Get("type"))
	t, ok := h.Content.Catalog().ByPath(name)
	if !ok {
		h.writeServiceError(w, r, storage.InvalidRequest("unknown collection %q", name))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeServiceError(w, r, storage.InvalidRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	items, err := h.Content.Autocomplete(r.Context(), h.call(r), t.Schema.Name, values.Get("field"), values.Get("q"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*hydrate.Entity{}
	}
	writeJSON(w, http.StatusOK, items)
}

// parseShow returns nil when show is absent so the type's defaults apply,
// and an empty list when it is present but blank.
func parseShow(values url.Values) []string {
	raw, ok := values["show"]
	if !ok {
		return nil
	}
	names := []string{}
	for _, value := range raw {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// buildOptions resolves show and projection for t. The self projection is
// only served when a user reads their own record.
func buildOptions(t *content.Type, show []string, projectionName string, id, requester int64) (hydrate.Options, error) {
	opts := t.Options(show)
	projectionName = strings.TrimSpace(projectionName)
	if projectionName == "" {
		return opts, nil
	}
	if strings.EqualFold(projectionName, "self") && (t.Schema.Name != content.User || id == 0 || id != requester) {
		return hydrate.Options{}, storage.InvalidRequest("self projection is only served to the user it describes")
	}
	f, err := t.Projection(projectionName)
	if err != nil {
		return hydrate.Options{}, err
	}
	return opts.WithFilter(f), nil
}

func filterParams(values url.Values) []string {
	var keys []string
	for key := range values {
		if _, reserved := reservedParams[key]; !reserved {
			keys = append(keys, key)
		}
	}
	return keys
}

func parseWhere(values url.Values) (storage.Where, error) {
	keys := filterParams(values)
	if len(keys) == 0 {
		return nil, nil
	}
	where := make(storage.Where, len(keys))
	for _, key := range keys {
		raw := values[key]
		if len(raw) != 1 {
			return nil, storage.InvalidRequest("filter %q must have exactly one value", key)
		}
		where[key] = filterValue(raw[0])
	}
	return where, nil
}

func filterValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}
