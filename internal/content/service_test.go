package content

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"newsroom-api/internal/hydrate"
	"newsroom-api/internal/paginate"
	"newsroom-api/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	f, err := os.Open("testdata/newsroom.json")
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	defer f.Close()
	tables, err := storage.LoadTables(f)
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	src, err := storage.NewMemorySource(tables)
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	catalog, err := NewDefaultCatalog()
	if err != nil {
		t.Fatalf("NewDefaultCatalog: %v", err)
	}
	svc, err := NewService(catalog, src, Config{MaxConcurrency: 4})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func ids(entities []*hydrate.Entity) []int64 {
	out := make([]int64, len(entities))
	for i, e := range entities {
		out[i] = e.ID()
	}
	return out
}

func defaults(t *testing.T, svc *Service, typ string) hydrate.Options {
	t.Helper()
	ty, err := svc.Catalog().Type(typ)
	if err != nil {
		t.Fatalf("Type(%s): %v", typ, err)
	}
	return ty.Options(nil)
}

func TestDefaultCatalog(t *testing.T) {
	catalog, err := NewDefaultCatalog()
	if err != nil {
		t.Fatalf("NewDefaultCatalog: %v", err)
	}
	want := []string{User, Gallery, Post, Story, Article, Comment, Report}
	if diff := cmp.Diff(want, catalog.Names()); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}
	for _, path := range []string{"users", "galleries", "posts", "stories", "articles", "comments", "reports"} {
		if _, ok := catalog.ByPath(path); !ok {
			t.Fatalf("expected a type served at %s", path)
		}
	}
}

func TestCatalogRejectsCyclicDefaults(t *testing.T) {
	types := DefaultTypes()
	types[1].Schema.Relations[2].Defaults = hydrate.Options{}.ShowOnly("parent")
	types[2].Schema.Relations[2].Defaults = hydrate.Options{}.ShowOnly("posts")
	if _, err := NewCatalog(hydrate.DefaultMaxDepth, types...); !errors.Is(err, hydrate.ErrRecursionLimit) {
		t.Fatalf("expected cyclic defaults to be rejected, got %v", err)
	}
}

func TestGetUserWithStats(t *testing.T) {
	svc := newTestService(t)
	user, err := svc.Get(context.Background(), hydrate.Latest(2), User, 1, defaults(t, svc, User))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	encoded, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":1,"username":"ada","full_name":"Ada Lovelace","bio":"harbour photographer","location":null,` +
		`"avatar":"` + DefaultAvatar + `","verified":true,"created_at":"2024-01-01T09:00:00Z",` +
		`"gallery_count":2,"followers":2,"following":true}`
	if string(encoded) != want {
		t.Fatalf("unexpected user shape\nwant %s\ngot  %s", want, encoded)
	}
}

func TestGetGalleryWithDefaults(t *testing.T) {
	svc := newTestService(t)
	g, err := svc.Get(context.Background(), hydrate.Latest(2), Gallery, 10, defaults(t, svc, Gallery))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	owner := g.One("owner")
	if owner == nil || owner.ID() != 1 {
		t.Fatalf("expected owner 1, got %v", owner)
	}
	if diff := cmp.Diff([]string{"id", "username", "full_name", "avatar"}, owner.Attributes().Keys()); diff != "" {
		t.Fatalf("owner preview mismatch (-want +got):\n%s", diff)
	}
	if g.Has("curator") || g.Has("stories") {
		t.Fatalf("relations outside the defaults must be absent")
	}

	posts := g.Many("posts")
	if diff := cmp.Diff([]int64{101, 100}, ids(posts)); diff != "" {
		t.Fatalf("posts mismatch (-want +got):\n%s", diff)
	}
	if stream, _ := posts[1].Attr("stream"); stream != "https://cdn.newsroom.example/v/quay.m3u8" {
		t.Fatalf("expected derived stream, got %v", stream)
	}

	reactions := g.Stats("reactions").Map()
	want := map[string]any{"likes": int64(2), "reposts": int64(1), "liked": true, "reposted": false}
	if diff := cmp.Diff(want, reactions); diff != "" {
		t.Fatalf("reactions mismatch (-want +got):\n%s", diff)
	}
	if comments, _ := g.Stats("comment_stats").Get("comments"); comments != int64(2) {
		t.Fatalf("expected 2 comments, got %v", comments)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Get(context.Background(), hydrate.Latest(0), Gallery, 404, hydrate.Options{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetManyKeepsRequestedOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	got, err := svc.GetMany(ctx, hydrate.Latest(0), Gallery, []int64{12, 99, 10, 12}, hydrate.Options{}, false)
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if diff := cmp.Diff([]int64{12, 10}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	if _, err := svc.GetMany(ctx, hydrate.Latest(0), Gallery, []int64{12, 99}, hydrate.Options{}, true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found with requireAll, got %v", err)
	}
	empty, err := svc.GetMany(ctx, hydrate.Latest(0), Gallery, nil, hydrate.Options{}, true)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty result, got %v, %v", empty, err)
	}
}

func TestListPostsByCursor(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	opts := defaults(t, svc, Post)

	first, err := svc.List(ctx, hydrate.Latest(0), Post, paginate.Params{Limit: 2}, nil, opts)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if diff := cmp.Diff([]int64{105, 104}, ids(first.Items)); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}
	if !first.Items[0].Has("owner") || first.Items[0].One("owner") != nil {
		t.Fatalf("expected null owner placeholder on post 105")
	}
	if parent := first.Items[1].One("parent"); parent == nil || parent.ID() != 11 {
		t.Fatalf("expected parent gallery 11, got %v", parent)
	}

	second, err := svc.List(ctx, hydrate.Latest(0), Post, paginate.Params{Limit: 2, Last: 104}, nil, opts)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if diff := cmp.Diff([]int64{103, 102}, ids(second.Items)); diff != "" {
		t.Fatalf("second page mismatch (-want +got):\n%s", diff)
	}
}

func TestListCommentsFiltersAndNormalizes(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.List(context.Background(), hydrate.Latest(0), Comment, paginate.Params{Count: true}, storage.Where{"gallery_id": int64(10)}, defaults(t, svc, Comment))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]int64{40, 41}, ids(res.Items)); diff != "" {
		t.Fatalf("comments mismatch (-want +got):\n%s", diff)
	}
	if body, _ := res.Items[0].Attr("body"); body != "great shot" {
		t.Fatalf("expected trimmed body, got %q", body)
	}
	if !res.Counted || res.Count != 2 {
		t.Fatalf("expected count 2, got %+v", res)
	}

	if _, err := svc.List(context.Background(), hydrate.Latest(0), Comment, paginate.Params{}, storage.Where{"password": "x"}, hydrate.Options{}); !errors.Is(err, storage.ErrInvalidRequest) {
		t.Fatalf("expected unknown filter column to be rejected, got %v", err)
	}
}

func TestSearchGalleriesAcrossPages(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var got []int64
	params := paginate.Params{Limit: 1, Count: true}
	for i := 0; i < 4; i++ {
		res, err := svc.Search(ctx, hydrate.Latest(0), Gallery, "Harbour fire", params, hydrate.Options{})
		if err != nil {
			t.Fatalf("Search page %d: %v", i, err)
		}
		if res.Count != 2 {
			t.Fatalf("expected count 2, got %d", res.Count)
		}
		if len(res.Items) == 0 {
			break
		}
		got = append(got, ids(res.Items)...)
		params.Last = got[len(got)-1]
	}
	if diff := cmp.Diff([]int64{12, 10}, got); diff != "" {
		t.Fatalf("search pages mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchRejectsUnsearchableTypes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Search(ctx, hydrate.Latest(0), Post, "fire", paginate.Params{}, hydrate.Options{}); !errors.Is(err, storage.ErrInvalidRequest) {
		t.Fatalf("expected posts search to be rejected, got %v", err)
	}
	if _, err := svc.Search(ctx, hydrate.Latest(0), Gallery, "   ", paginate.Params{}, hydrate.Options{}); !errors.Is(err, storage.ErrInvalidRequest) {
		t.Fatalf("expected blank term to be rejected, got %v", err)
	}
}

func TestAutocomplete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	got, err := svc.Autocomplete(ctx, hydrate.Latest(0), User, "username", "A", 10)
	if err != nil {
		t.Fatalf("Autocomplete: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, ids(got)); diff != "" {
		t.Fatalf("matches mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id", "username"}, got[0].Attributes().Keys()); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}

	limited, err := svc.Autocomplete(ctx, hydrate.Latest(0), User, "username", "a", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected one match, got %v, %v", limited, err)
	}

	if _, err := svc.Autocomplete(ctx, hydrate.Latest(0), User, "email", "ada", 5); !errors.Is(err, storage.ErrInvalidRequest) {
		t.Fatalf("expected email autocomplete to be rejected, got %v", err)
	}
}

func TestStoryThumbnailsAreCapped(t *testing.T) {
	svc := newTestService(t)
	story, err := svc.Get(context.Background(), hydrate.Latest(0), Story, 20, defaults(t, svc, Story))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff([]int64{102, 101, 100}, ids(story.Many("thumbnails"))); diff != "" {
		t.Fatalf("thumbnails mismatch (-want +got):\n%s", diff)
	}
	if count, _ := story.Stats("gallery_stats").Get("gallery_count"); count != int64(2) {
		t.Fatalf("expected 2 galleries, got %v", count)
	}
	if avatar, _ := story.One("owner").Attr("avatar"); avatar != DefaultAvatar {
		t.Fatalf("expected default avatar for empty value, got %v", avatar)
	}
}

func TestReportUsesMinimalUsers(t *testing.T) {
	svc := newTestService(t)
	report, err := svc.Get(context.Background(), hydrate.Latest(0), Report, 50, defaults(t, svc, Report))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	reporter := report.One("reporter")
	if reporter == nil || reporter.ID() != 3 {
		t.Fatalf("expected reporter 3, got %v", reporter)
	}
	if diff := cmp.Diff([]string{"id", "username"}, reporter.Attributes().Keys()); diff != "" {
		t.Fatalf("reporter fields mismatch (-want +got):\n%s", diff)
	}
	if target := report.One("target_user"); target == nil || target.ID() != 2 {
		t.Fatalf("expected target user 2, got %v", target)
	}
}

func TestWithTx(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var seen storage.Scope
	err := svc.WithTx(ctx, 2, func(ctx context.Context, call hydrate.Call) error {
		seen = call.Scope
		_, err := svc.Get(ctx, call, Gallery, 10, defaults(t, svc, Gallery))
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	tx, ok := seen.(*storage.Tx)
	if !ok || !tx.Closed() {
		t.Fatalf("expected a committed transaction, got %v", seen)
	}

	boom := errors.New("abort")
	if err := svc.WithTx(ctx, 2, func(context.Context, hydrate.Call) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

// tableCounter counts by-id fetches per table.
type tableCounter struct {
	storage.Source

	mu    sync.Mutex
	byIDs map[string]int
}

func (c *tableCounter) FetchByIDs(ctx context.Context, scope storage.Scope, q storage.ByIDs) ([]storage.Row, error) {
	c.mu.Lock()
	c.byIDs[q.Table]++
	c.mu.Unlock()
	return c.Source.FetchByIDs(ctx, scope, q)
}

func (c *tableCounter) count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byIDs[table]
}

func TestListUnderPreloadsParent(t *testing.T) {
	base := newTestService(t)
	counter := &tableCounter{Source: base.source, byIDs: map[string]int{}}
	svc, err := NewService(base.Catalog(), counter, Config{MaxConcurrency: 4})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	opts := defaults(t, svc, Comment).ShowOnly("owner", "gallery")

	res, err := svc.ListUnder(context.Background(), hydrate.Latest(0), Comment, Gallery, 10, paginate.Params{Count: true}, opts)
	if err != nil {
		t.Fatalf("ListUnder: %v", err)
	}
	if diff := cmp.Diff([]int64{40, 41}, ids(res.Items)); diff != "" {
		t.Fatalf("comments mismatch (-want +got):\n%s", diff)
	}
	if !res.Counted || res.Count != 2 {
		t.Fatalf("expected count 2, got %+v", res)
	}
	parent := res.Items[0].One("gallery")
	if parent == nil || parent.ID() != 10 || res.Items[1].One("gallery") != parent {
		t.Fatalf("expected both comments to share gallery 10, got %v", parent)
	}
	if diff := cmp.Diff([]string{"id", "caption", "created_at"}, parent.Attributes().Keys()); diff != "" {
		t.Fatalf("gallery projection mismatch (-want +got):\n%s", diff)
	}
	if got := counter.count("galleries"); got != 1 {
		t.Fatalf("expected the parent gallery to be read once, read %d times", got)
	}
}

func TestListUnderResolvesParentRelation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.ListUnder(ctx, hydrate.Latest(0), Post, User, 2, paginate.Params{}, defaults(t, svc, Post))
	if err != nil {
		t.Fatalf("ListUnder: %v", err)
	}
	if diff := cmp.Diff([]int64{104, 103}, ids(res.Items)); diff != "" {
		t.Fatalf("posts mismatch (-want +got):\n%s", diff)
	}
	if owner := res.Items[0].One("owner"); owner == nil || owner.ID() != 2 {
		t.Fatalf("expected owner 2, got %v", owner)
	}

	if _, err := svc.ListUnder(ctx, hydrate.Latest(0), Comment, Gallery, 99, paginate.Params{}, defaults(t, svc, Comment)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected missing parent to be not found, got %v", err)
	}
	if _, err := svc.ListUnder(ctx, hydrate.Latest(0), Article, User, 1, paginate.Params{}, defaults(t, svc, Article)); !errors.Is(err, storage.ErrInvalidRequest) {
		t.Fatalf("expected unrelated parent to be rejected, got %v", err)
	}
}
