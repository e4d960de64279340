package paginate

import (
	"net/url"
	"strconv"
	"strings"

	"newsroom-api/internal/storage"
)

// ParseQuery reads paging options from a query string: limit, last, page,
// sortBy, direction, count and q.
func ParseQuery(values url.Values) (Params, error) {
	var p Params
	var err error
	if p.Limit, err = intParam(values, "limit"); err != nil {
		return Params{}, err
	}
	if p.Page, err = intParam(values, "page"); err != nil {
		return Params{}, err
	}
	if raw := strings.TrimSpace(values.Get("last")); raw != "" {
		last, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || last <= 0 {
			return Params{}, storage.InvalidRequest("last must be a row id")
		}
		p.Last = last
	}
	if raw := strings.TrimSpace(values.Get("count")); raw != "" {
		count, err := strconv.ParseBool(raw)
		if err != nil {
			return Params{}, storage.InvalidRequest("count must be a boolean")
		}
		p.Count = count
	}
	p.SortBy = strings.TrimSpace(values.Get("sortBy"))
	p.Direction = Direction(strings.TrimSpace(values.Get("direction")))
	p.Search = strings.TrimSpace(values.Get("q"))
	return p, nil
}

func intParam(values url.Values, key string) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, storage.InvalidRequest("%s must be a positive integer", key)
	}
	return n, nil
}
