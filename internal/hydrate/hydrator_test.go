package hydrate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"newsroom-api/internal/projection"
	"newsroom-api/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const defaultAvatar = "https://cdn.example.com/avatar.png"

type sourceCall struct {
	Method string
	Table  string
	IDs    []int64
}

// countingSource records every primitive call and can fail one method.
type countingSource struct {
	storage.Source

	mu     sync.Mutex
	calls  []sourceCall
	scopes []storage.Scope
	fail   map[string]error
}

func (c *countingSource) record(method, table string, ids []int64, scope storage.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, sourceCall{Method: method, Table: table, IDs: append([]int64(nil), ids...)})
	c.scopes = append(c.scopes, scope)
	return c.fail[method+":"+table]
}

func (c *countingSource) FetchByIDs(ctx context.Context, scope storage.Scope, q storage.ByIDs) ([]storage.Row, error) {
	if err := c.record("FetchByIDs", q.Table, q.IDs, scope); err != nil {
		return nil, err
	}
	return c.Source.FetchByIDs(ctx, scope, q)
}

func (c *countingSource) FetchGrouped(ctx context.Context, scope storage.Scope, q storage.Grouped) ([]storage.Row, error) {
	if err := c.record("FetchGrouped", q.Table, q.OwnerIDs, scope); err != nil {
		return nil, err
	}
	return c.Source.FetchGrouped(ctx, scope, q)
}

func (c *countingSource) FetchAggregates(ctx context.Context, scope storage.Scope, q storage.Aggregate) ([]storage.Row, error) {
	if err := c.record("FetchAggregates", q.Table, q.OwnerIDs, scope); err != nil {
		return nil, err
	}
	return c.Source.FetchAggregates(ctx, scope, q)
}

func (c *countingSource) Calls() []sourceCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sourceCall(nil), c.calls...)
}

func testSchemas() []Schema {
	userColumns := projection.New("id", "username", "full_name", "avatar", "created_at")
	galleryColumns := projection.New("id", "owner_id", "caption", "rating", "created_at")
	postColumns := projection.New("id", "parent_id", "caption")
	postsLink := &storage.Link{Table: "gallery_posts", Owner: "gallery_id", Target: "post_id", Position: "position"}

	return []Schema{
		{
			Name:    "user",
			Table:   "users",
			Columns: userColumns,
			Default: userColumns.Only("id", "username", "avatar"),
			Normalize: func(_ storage.Row, attrs Attributes) Attributes {
				if v, _ := attrs.Get("avatar"); v == nil {
					return attrs.Replace("avatar", defaultAvatar)
				}
				return attrs
			},
			Relations: []Relation{
				{Name: "gallery_stats", Kind: Aggregate, Table: "galleries", Owner: "owner_id", Measures: []Measure{
					{Name: "galleries", Kind: storage.Count},
				}},
			},
		},
		{
			Name:    "gallery",
			Table:   "galleries",
			Columns: galleryColumns,
			Default: galleryColumns.Only("id", "caption"),
			Relations: []Relation{
				{Name: "owner", Kind: BelongsTo, Target: "user", Key: "owner_id"},
				{Name: "posts", Kind: HasMany, Target: "post", Through: postsLink},
				{Name: "preview", Kind: HasMany, Target: "post", Through: postsLink, Limit: 2},
				{Name: "reactions", Kind: Aggregate, Table: "gallery_reactions", Owner: "gallery_id", Measures: []Measure{
					{Name: "likes", Kind: storage.Count, Match: storage.Where{"kind": "like"}},
					{Name: "liked", Kind: storage.Exists, Match: storage.Where{"kind": "like"}, RequesterColumn: "user_id"},
				}},
			},
		},
		{
			Name:    "post",
			Table:   "posts",
			Columns: postColumns,
			Relations: []Relation{
				{Name: "parent", Kind: BelongsTo, Target: "gallery", Key: "parent_id"},
			},
		},
	}
}

func testTables() map[string][]storage.Row {
	return map[string][]storage.Row{
		"users": {
			{"id": int64(7), "username": "ada", "full_name": "Ada Lovelace", "avatar": "ada.png"},
			{"id": int64(8), "username": "alan", "full_name": "Alan Turing"},
		},
		"galleries": {
			{"id": int64(1), "owner_id": int64(7), "caption": "harbour fire", "rating": int64(5)},
			{"id": int64(2), "owner_id": nil, "caption": "city council vote", "rating": int64(3)},
			{"id": int64(3), "owner_id": int64(7), "caption": "fire crews", "rating": int64(4)},
		},
		"posts": {
			{"id": int64(10), "parent_id": int64(1), "caption": "smoke"},
			{"id": int64(11), "parent_id": int64(1), "caption": "flames"},
			{"id": int64(12), "parent_id": int64(3), "caption": "crew"},
			{"id": int64(13), "parent_id": int64(1), "caption": "boats"},
		},
		"gallery_posts": {
			{"gallery_id": int64(1), "post_id": int64(13), "position": int64(0)},
			{"gallery_id": int64(1), "post_id": int64(10), "position": int64(1)},
			{"gallery_id": int64(1), "post_id": int64(11), "position": int64(2)},
			{"gallery_id": int64(3), "post_id": int64(12), "position": int64(0)},
			{"gallery_id": int64(3), "post_id": int64(10), "position": int64(1)},
		},
		"gallery_reactions": {
			{"gallery_id": int64(1), "user_id": int64(8), "kind": "like"},
			{"gallery_id": int64(1), "user_id": int64(9), "kind": "like"},
			{"gallery_id": int64(1), "user_id": int64(9), "kind": "repost"},
			{"gallery_id": int64(3), "user_id": int64(7), "kind": "like"},
		},
	}
}

type fixture struct {
	engine *Engine
	source *countingSource
	memory *storage.JSONSource
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem, err := storage.NewMemorySource(testTables())
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	registry, err := NewRegistry(0, testSchemas()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	src := &countingSource{Source: mem, fail: map[string]error{}}
	engine, err := NewEngine(registry, src, Config{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return fixture{engine: engine, source: src, memory: mem}
}

func (f fixture) hydrator(t *testing.T, name string) *Hydrator {
	t.Helper()
	h, err := f.engine.Hydrator(name)
	if err != nil {
		t.Fatalf("Hydrator(%s): %v", name, err)
	}
	return h
}

func (f fixture) galleries(t *testing.T, ids ...int64) []*Entity {
	t.Helper()
	rows, err := f.memory.FetchByIDs(context.Background(), storage.Latest, storage.ByIDs{Table: "galleries", IDs: ids})
	if err != nil {
		t.Fatalf("load galleries: %v", err)
	}
	byID := make(map[int64]storage.Row, len(rows))
	for _, row := range rows {
		id, _ := row.ID()
		byID[id] = row
	}
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, NewEntity("gallery", byID[id]))
	}
	return out
}

func entityIDs(entities []*Entity) []int64 {
	ids := make([]int64, len(entities))
	for i, e := range entities {
		ids[i] = e.ID()
	}
	return ids
}

func TestBuildBatchesSharedOwner(t *testing.T) {
	f := newFixture(t)
	galleries := f.galleries(t, 1, 2, 3)

	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), galleries, Options{}.ShowOnly("owner"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []sourceCall{{Method: "FetchByIDs", Table: "users", IDs: []int64{7}}}
	if diff := cmp.Diff(want, f.source.Calls()); diff != "" {
		t.Fatalf("queries mismatch (-want +got):\n%s", diff)
	}
	first, third := out[0].One("owner"), out[2].One("owner")
	if first == nil || first != third {
		t.Fatalf("expected galleries 1 and 3 to share one owner, got %p and %p", first, third)
	}
	if username, _ := first.Attr("username"); username != "ada" {
		t.Fatalf("expected owner ada, got %v", username)
	}
	if !out[1].Has("owner") || out[1].One("owner") != nil {
		t.Fatalf("expected null owner placeholder on gallery 2")
	}
}

func TestBuildEmptyInputIssuesNoQueries(t *testing.T) {
	f := newFixture(t)
	h := f.hydrator(t, "gallery")
	opts := Options{}.ShowOnly("owner", "posts", "reactions")

	out, err := h.Build(context.Background(), Latest(0), nil, opts)
	if err != nil || out != nil {
		t.Fatalf("expected nil result, got %v, %v", out, err)
	}
	empty := []*Entity{}
	out, err = h.Build(context.Background(), Call{}, empty, opts)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected empty result, got %v, %v", out, err)
	}
	one, err := h.BuildOne(context.Background(), Latest(0), nil, opts)
	if err != nil || one != nil {
		t.Fatalf("expected nil entity, got %v, %v", one, err)
	}
	if calls := f.source.Calls(); len(calls) != 0 {
		t.Fatalf("expected no queries, got %v", calls)
	}
}

func TestBuildOneReturnsSameEntity(t *testing.T) {
	f := newFixture(t)
	gallery := f.galleries(t, 3)[0]
	got, err := f.hydrator(t, "gallery").BuildOne(context.Background(), Latest(0), gallery, Options{})
	if err != nil {
		t.Fatalf("BuildOne: %v", err)
	}
	if got != gallery {
		t.Fatalf("expected the input entity back")
	}
}

func TestBuildPreservesInputOrder(t *testing.T) {
	f := newFixture(t)
	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), f.galleries(t, 3, 1, 2), Options{}.ShowOnly("owner", "posts"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]int64{3, 1, 2}, entityIDs(out)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildFieldSetIsFilterPlusKeep(t *testing.T) {
	f := newFixture(t)
	h := f.hydrator(t, "gallery")
	filter := h.Schema().Columns.Only("id")
	opts := Options{Keep: []string{"rating", "not_a_column"}}.WithFilter(filter).ShowOnly("owner", "posts", "reactions")

	out, err := h.Build(context.Background(), Latest(0), f.galleries(t, 1, 2), opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, g := range out {
		if diff := cmp.Diff([]string{"id", "rating"}, g.Attributes().Keys()); diff != "" {
			t.Fatalf("gallery %d attributes mismatch (-want +got):\n%s", g.ID(), diff)
		}
	}
	wantFields := []string{"id", "rating", "owner", "posts", "likes", "liked"}
	if diff := cmp.Diff(wantFields, out[0].Fields()); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildOmitsHiddenRelations(t *testing.T) {
	f := newFixture(t)
	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), f.galleries(t, 2), Options{}.ShowOnly("owner"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g := out[0]
	for _, hidden := range []string{"posts", "preview", "reactions"} {
		if g.Has(hidden) {
			t.Fatalf("expected %s to be absent", hidden)
		}
	}
	encoded, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(encoded), `{"id":2,"caption":"city council vote","owner":null}`; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBuildHasManyAndAggregates(t *testing.T) {
	f := newFixture(t)
	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(9), f.galleries(t, 1, 2, 3), Options{}.ShowOnly("posts", "preview", "reactions"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if diff := cmp.Diff([]int64{13, 10, 11}, entityIDs(out[0].Many("posts"))); diff != "" {
		t.Fatalf("gallery 1 posts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{13, 10}, entityIDs(out[0].Many("preview"))); diff != "" {
		t.Fatalf("gallery 1 preview mismatch (-want +got):\n%s", diff)
	}
	if posts := out[1].Many("posts"); posts == nil || len(posts) != 0 {
		t.Fatalf("expected empty posts placeholder on gallery 2, got %v", posts)
	}
	if out[0].Many("posts")[1] != out[2].Many("posts")[1] {
		t.Fatalf("expected post 10 to be shared between galleries 1 and 3")
	}

	type stats struct{ Likes, Liked any }
	got := make([]stats, len(out))
	for i, g := range out {
		likes, _ := g.Stats("reactions").Get("likes")
		liked, _ := g.Stats("reactions").Get("liked")
		got[i] = stats{likes, liked}
	}
	want := []stats{{int64(2), true}, {int64(0), false}, {int64(1), false}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}

	counts := map[string]int{}
	for _, call := range f.source.Calls() {
		counts[call.Method]++
	}
	if diff := cmp.Diff(map[string]int{"FetchGrouped": 2, "FetchAggregates": 1}, counts); diff != "" {
		t.Fatalf("query counts mismatch (-want +got):\n%s", diff)
	}

	encoded, err := json.Marshal(out[1])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(encoded), `{"id":2,"caption":"city council vote","posts":[],"preview":[],"likes":0,"liked":false}`; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBuildAnonymousRequesterFlagsStayFalse(t *testing.T) {
	f := newFixture(t)
	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), f.galleries(t, 1), Options{}.ShowOnly("reactions"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if liked, _ := out[0].Stats("reactions").Get("liked"); liked != false {
		t.Fatalf("expected liked=false for anonymous requester, got %v", liked)
	}
	if likes, _ := out[0].Stats("reactions").Get("likes"); likes != int64(2) {
		t.Fatalf("expected likes=2, got %v", likes)
	}
}

func TestBuildRecursesWithNestedOptions(t *testing.T) {
	f := newFixture(t)
	postOpts := Options{}.ShowOnly("parent").Nest("parent", Options{}.ShowOnly("owner"))
	opts := Options{}.ShowOnly("posts").Nest("posts", postOpts)

	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), f.galleries(t, 3), opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	posts := out[0].Many("posts")
	if diff := cmp.Diff([]int64{12, 10}, entityIDs(posts)); diff != "" {
		t.Fatalf("posts mismatch (-want +got):\n%s", diff)
	}
	parent := posts[1].One("parent")
	if parent == nil || parent.ID() != 1 {
		t.Fatalf("expected post 10 parent gallery 1, got %v", parent)
	}
	if owner := parent.One("owner"); owner == nil || owner.ID() != 7 {
		t.Fatalf("expected parent owner 7, got %v", owner)
	}
	if parent.Has("posts") {
		t.Fatalf("nested gallery must not carry posts")
	}

	want := []sourceCall{
		{Method: "FetchGrouped", Table: "posts", IDs: []int64{3}},
		{Method: "FetchByIDs", Table: "galleries", IDs: []int64{3, 1}},
		{Method: "FetchByIDs", Table: "users", IDs: []int64{7}},
	}
	if diff := cmp.Diff(want, f.source.Calls()); diff != "" {
		t.Fatalf("queries mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildUsesPreloadedRelations(t *testing.T) {
	f := newFixture(t)
	galleries := f.galleries(t, 1, 3)
	owner := NewEntity("user", storage.Row{"id": int64(7), "username": "ada"})
	galleries[0].Preload("owner", owner)
	galleries[1].Preload("owner", nil)

	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), galleries, Options{}.ShowOnly("owner"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if calls := f.source.Calls(); len(calls) != 0 {
		t.Fatalf("expected no owner query, got %v", calls)
	}
	if out[0].One("owner") != owner {
		t.Fatalf("expected preloaded owner")
	}
	if avatar, _ := owner.Attr("avatar"); avatar != defaultAvatar {
		t.Fatalf("expected preloaded owner to be built, avatar=%v", avatar)
	}
	if !out[1].Has("owner") || out[1].One("owner") != nil {
		t.Fatalf("expected preloaded null owner")
	}
}

func TestBuildSharedPreloadIsBuiltOnce(t *testing.T) {
	schemas := testSchemas()
	var normalized atomic.Int32
	normalizeUser := schemas[0].Normalize
	schemas[0].Normalize = func(row storage.Row, attrs Attributes) Attributes {
		normalized.Add(1)
		return normalizeUser(row, attrs)
	}
	f := newFixture(t)
	registry, err := NewRegistry(0, schemas...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	engine, err := NewEngine(registry, f.source, Config{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	owner := NewEntity("user", storage.Row{"id": int64(7), "username": "ada"})
	parent := NewEntity("gallery", storage.Row{"id": int64(3), "owner_id": int64(7), "caption": "fire crews"}).
		Preload("owner", owner)
	post := NewEntity("post", storage.Row{"id": int64(10), "parent_id": int64(3), "caption": "smoke"}).
		Preload("parent", parent)
	galleries := f.galleries(t, 1)
	galleries[0].Preload("owner", owner).Preload("posts", []*Entity{post})

	postOpts := Options{}.ShowOnly("parent").Nest("parent", Options{}.ShowOnly("owner"))
	opts := Options{}.ShowOnly("owner", "posts").Nest("posts", postOpts)
	h, err := engine.Hydrator("gallery")
	if err != nil {
		t.Fatalf("Hydrator: %v", err)
	}
	out, err := h.Build(context.Background(), Latest(0), galleries, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if calls := f.source.Calls(); len(calls) != 0 {
		t.Fatalf("expected every relation to come from preloads, got %v", calls)
	}
	if got := normalized.Load(); got != 1 {
		t.Fatalf("expected owner to be built once, built %d times", got)
	}
	nested := out[0].Many("posts")[0].One("parent")
	if nested != parent || nested.One("owner") != owner || out[0].One("owner") != owner {
		t.Fatalf("expected the preloaded owner on both levels")
	}
	if diff := cmp.Diff([]string{"id", "username", "avatar"}, owner.Attributes().Keys()); diff != "" {
		t.Fatalf("owner attributes mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildProjectsForeignFilterOntoSchemaColumns(t *testing.T) {
	f := newFixture(t)
	galleryFilter := f.hydrator(t, "gallery").Schema().Columns.Only("id", "caption", "owner_id", "created_at")
	users := Entities("user", []storage.Row{
		{"id": int64(7), "username": "ada", "created_at": "2024-03-01T10:00:00Z"},
	})

	h := f.hydrator(t, "user")
	out, err := h.Build(context.Background(), Latest(0), users, Options{}.WithFilter(galleryFilter))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{"id", "created_at"}, out[0].Attributes().Keys()); diff != "" {
		t.Fatalf("attributes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id", "created_at"}, h.Columns(Options{}.WithFilter(galleryFilter))); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
}

// gatedSource holds every fetch until want fetches are in flight. Tables in
// block wait for cancellation and tables in fail return their error.
type gatedSource struct {
	storage.Source

	want  int
	block map[string]bool
	fail  map[string]error

	mu      sync.Mutex
	arrived int
	all     chan struct{}
}

func newGatedSource(src storage.Source, want int) *gatedSource {
	return &gatedSource{Source: src, want: want, block: map[string]bool{}, fail: map[string]error{}, all: make(chan struct{})}
}

func (g *gatedSource) arrive(ctx context.Context, table string) error {
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.want {
		close(g.all)
	}
	g.mu.Unlock()

	if err := g.fail[table]; err != nil {
		return err
	}
	if g.block[table] {
		<-ctx.Done()
		return ctx.Err()
	}
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-g.all:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("relation fetches did not overlap")
	}
}

func (g *gatedSource) FetchByIDs(ctx context.Context, scope storage.Scope, q storage.ByIDs) ([]storage.Row, error) {
	if err := g.arrive(ctx, q.Table); err != nil {
		return nil, err
	}
	return g.Source.FetchByIDs(ctx, scope, q)
}

func (g *gatedSource) FetchGrouped(ctx context.Context, scope storage.Scope, q storage.Grouped) ([]storage.Row, error) {
	if err := g.arrive(ctx, q.Table); err != nil {
		return nil, err
	}
	return g.Source.FetchGrouped(ctx, scope, q)
}

func (g *gatedSource) FetchAggregates(ctx context.Context, scope storage.Scope, q storage.Aggregate) ([]storage.Row, error) {
	if err := g.arrive(ctx, q.Table); err != nil {
		return nil, err
	}
	return g.Source.FetchAggregates(ctx, scope, q)
}

func gatedHydrator(t *testing.T, src *gatedSource) *Hydrator {
	t.Helper()
	registry, err := NewRegistry(0, testSchemas()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	engine, err := NewEngine(registry, src, Config{MaxConcurrency: 0})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h, err := engine.Hydrator("gallery")
	if err != nil {
		t.Fatalf("Hydrator: %v", err)
	}
	return h
}

func TestBuildFetchesRelationsConcurrently(t *testing.T) {
	f := newFixture(t)
	src := newGatedSource(f.memory, 3)
	h := gatedHydrator(t, src)

	out, err := h.Build(context.Background(), Latest(8), f.galleries(t, 1, 3), Options{}.ShowOnly("owner", "posts", "reactions"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if owner := out[0].One("owner"); owner == nil || owner.ID() != 7 {
		t.Fatalf("expected owner 7, got %v", owner)
	}
	if diff := cmp.Diff([]int64{13, 10, 11}, entityIDs(out[0].Many("posts"))); diff != "" {
		t.Fatalf("posts mismatch (-want +got):\n%s", diff)
	}
	if liked, _ := out[0].Stats("reactions").Get("liked"); liked != true {
		t.Fatalf("expected requester 8 to like gallery 1, got %v", liked)
	}
}

func TestBuildFailingRelationCancelsSiblings(t *testing.T) {
	f := newFixture(t)
	src := newGatedSource(f.memory, 0)
	boom := errors.New("statement timeout")
	src.block["users"] = true
	src.block["posts"] = true
	src.fail["gallery_reactions"] = boom
	h := gatedHydrator(t, src)

	out, err := h.Build(context.Background(), Latest(0), f.galleries(t, 1, 3), Options{}.ShowOnly("owner", "posts", "reactions"))
	if out != nil {
		t.Fatalf("expected no result on failure, got %v", out)
	}
	if !errors.Is(err, boom) || !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict wrapping %v, got %v", boom, err)
	}
	var relErr *RelationError
	if !errors.As(err, &relErr) || relErr.Relation != "reactions" {
		t.Fatalf("expected the reactions fetch to be reported, got %v", err)
	}
}

func TestBuildThreadsTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, err := f.memory.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)

	opts := Options{}.ShowOnly("owner", "posts", "reactions").Nest("posts", Options{}.ShowOnly("parent"))
	if _, err := f.hydrator(t, "gallery").Build(ctx, InTx(tx, 8), f.galleries(t, 1, 2, 3), opts); err != nil {
		t.Fatalf("Build: %v", err)
	}
	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	if len(f.source.scopes) == 0 {
		t.Fatalf("expected queries")
	}
	for i, scope := range f.source.scopes {
		if scope != storage.Scope(tx) {
			t.Fatalf("query %d (%v) ran outside the transaction", i, f.source.calls[i])
		}
	}
}

func TestBuildWrapsStorageErrorsOnce(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	f.source.fail["FetchByIDs:galleries"] = boom
	opts := Options{}.ShowOnly("owner", "posts").Nest("posts", Options{}.ShowOnly("parent"))

	out, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), f.galleries(t, 1, 2), opts)
	if err == nil {
		t.Fatalf("expected error, got %v", out)
	}
	if !errors.Is(err, storage.ErrConflict) || !errors.Is(err, boom) {
		t.Fatalf("expected conflict wrapping the storage error, got %v", err)
	}
	var relErr *RelationError
	if !errors.As(err, &relErr) {
		t.Fatalf("expected RelationError, got %T", err)
	}
	if relErr.Entity != "post" || relErr.Relation != "parent" || relErr.Err != boom {
		t.Fatalf("expected error wrapped once at post.parent, got %+v", relErr)
	}
}

func TestBuildRejectsBadOptionsBeforeQuerying(t *testing.T) {
	f := newFixture(t)
	h := f.hydrator(t, "gallery")
	cases := []struct {
		name string
		call Call
		in   []*Entity
		opts Options
	}{
		{name: "unknown relation", call: Latest(0), in: f.galleries(t, 1), opts: Options{}.ShowOnly("sponsor")},
		{name: "unknown nested", call: Latest(0), in: f.galleries(t, 1), opts: Options{}.Nest("sponsor", Options{})},
		{name: "missing scope", call: Call{}, in: f.galleries(t, 1), opts: Options{}.ShowOnly("owner")},
		{name: "wrong type", call: Latest(0), in: []*Entity{NewEntity("post", storage.Row{"id": int64(10)})}, opts: Options{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.Build(context.Background(), tc.call, tc.in, tc.opts); !errors.Is(err, storage.ErrInvalidRequest) {
				t.Fatalf("expected invalid request, got %v", err)
			}
		})
	}
	if calls := f.source.Calls(); len(calls) != 0 {
		t.Fatalf("expected no queries, got %v", calls)
	}
}

func TestBuildStopsAtRecursionLimit(t *testing.T) {
	f := newFixture(t)
	galleryOpts := &Options{Show: map[string]bool{"posts": true}}
	postOpts := &Options{Show: map[string]bool{"parent": true}, Nested: map[string]*Options{"parent": galleryOpts}}
	galleryOpts.Nested = map[string]*Options{"posts": postOpts}
	galleryOpts.MaxDepth = 3

	_, err := f.hydrator(t, "gallery").Build(context.Background(), Latest(0), f.galleries(t, 1), *galleryOpts)
	if !errors.Is(err, ErrRecursionLimit) {
		t.Fatalf("expected recursion limit, got %v", err)
	}
	if errors.Is(err, storage.ErrConflict) {
		t.Fatalf("recursion limit must not be reported as a storage conflict: %v", err)
	}
}

func TestColumnsIncludeForeignKeysOfShownRelations(t *testing.T) {
	f := newFixture(t)
	h := f.hydrator(t, "gallery")
	if diff := cmp.Diff([]string{"id", "caption"}, h.Columns(Options{})); diff != "" {
		t.Fatalf("default columns mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id", "owner_id", "caption"}, h.Columns(Options{}.ShowOnly("owner", "posts"))); diff != "" {
		t.Fatalf("owner columns mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryRejectsCyclicDefaults(t *testing.T) {
	schemas := testSchemas()
	schemas[1].Relations[1].Defaults = Options{}.ShowOnly("parent")
	schemas[2].Relations[0].Defaults = Options{}.ShowOnly("posts")

	_, err := NewRegistry(4, schemas...)
	if !errors.Is(err, ErrRecursionLimit) {
		t.Fatalf("expected cyclic defaults to be rejected, got %v", err)
	}
}

func TestRegistryRejectsUnknownTargets(t *testing.T) {
	schemas := testSchemas()
	schemas[2].Relations[0].Target = "folder"
	if _, err := NewRegistry(0, schemas...); err == nil {
		t.Fatalf("expected unknown target to be rejected")
	}
}
