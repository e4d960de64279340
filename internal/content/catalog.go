// Package content declares the newsroom entity types and serves them through
// the hydration and pagination engines.
package content

import (
	"fmt"
	"strings"

	"newsroom-api/internal/hydrate"
	"newsroom-api/internal/paginate"
	"newsroom-api/internal/projection"
	"newsroom-api/internal/storage"
)

// Entity type names.
const (
	User    = "user"
	Gallery = "gallery"
	Post    = "post"
	Story   = "story"
	Article = "article"
	Comment = "comment"
	Report  = "report"
)

// DefaultAvatar is served for users who never uploaded one.
const DefaultAvatar = "https://cdn.newsroom.example/images/avatar-default.png"

// Named projections.
var (
	UserColumns = projection.New("id", "username", "full_name", "bio", "location", "avatar", "email", "verified", "created_at")
	UserPublic  = UserColumns.Without("email")
	UserPreview = UserColumns.Only("id", "username", "full_name", "avatar")
	UserSelf    = UserColumns
	UserMinimal = UserColumns.Only("id", "username")

	GalleryColumns = projection.New("id", "owner_id", "curator_id", "caption", "tags", "rating", "highlighted_at", "created_at", "updated_at")
	GalleryPublic  = GalleryColumns.Without("owner_id", "curator_id")
	GalleryPreview = GalleryColumns.Only("id", "caption", "created_at")

	PostColumns = projection.New("id", "owner_id", "curator_id", "parent_id", "caption", "image", "video", "stream", "width", "height", "rating", "created_at")
	PostPublic  = PostColumns.Without("owner_id", "curator_id", "parent_id")
	PostPreview = PostColumns.Only("id", "image", "stream", "width", "height")

	StoryColumns = projection.New("id", "owner_id", "curator_id", "title", "caption", "created_at", "updated_at")
	StoryPublic  = StoryColumns.Without("owner_id", "curator_id")
	StoryPreview = StoryColumns.Only("id", "title", "created_at")

	ArticleColumns = projection.New("id", "title", "link", "source", "favicon", "created_at")
	ArticlePublic  = ArticleColumns
	ArticlePreview = ArticleColumns.Only("id", "title", "link", "favicon")

	CommentColumns = projection.New("id", "owner_id", "gallery_id", "body", "created_at")
	CommentPublic  = CommentColumns.Without("owner_id", "gallery_id")

	ReportColumns = projection.New("id", "reporter_id", "gallery_id", "target_user_id", "reason", "message", "status", "created_at")
	ReportPublic  = ReportColumns.Without("reporter_id", "gallery_id", "target_user_id")
)

// Type bundles everything the service knows about one entity type.
type Type struct {
	Schema hydrate.Schema
	// Path is the collection name used by the HTTP surface.
	Path string
	Page paginate.Spec
	// Show lists the relations built when the caller names none.
	Show []string
	// Projections are the named filters callers may select.
	Projections map[string]projection.Filter
	// Autocomplete lists the columns prefix lookups may target.
	Autocomplete []string
}

// Searchable reports whether the type supports full-text search.
func (t *Type) Searchable() bool {
	return len(t.Page.SearchColumns) > 0
}

// Options returns build options for the type with the named relations
// shown. Nil names fall back to the type's default relations.
func (t *Type) Options(show []string) hydrate.Options {
	if show == nil {
		show = t.Show
	}
	return hydrate.Options{}.ShowOnly(show...)
}

// ParentRelation names the belongs-to relation that ties the type to
// parent. When several relations point at parent, "owner" is chosen.
func (t *Type) ParentRelation(parent string) (*hydrate.Relation, bool) {
	var found []*hydrate.Relation
	for i := range t.Schema.Relations {
		rel := &t.Schema.Relations[i]
		if rel.Kind == hydrate.BelongsTo && rel.Target == parent {
			found = append(found, rel)
		}
	}
	switch len(found) {
	case 0:
		return nil, false
	case 1:
		return found[0], true
	}
	for _, rel := range found {
		if rel.Name == "owner" {
			return rel, true
		}
	}
	return nil, false
}

// Projection returns a named projection.
func (t *Type) Projection(name string) (projection.Filter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	f, ok := t.Projections[name]
	if !ok {
		return projection.Filter{}, storage.InvalidRequest("%s has no %q projection", t.Schema.Name, name)
	}
	return f, nil
}

// Catalog is the set of entity types.
type Catalog struct {
	types    map[string]*Type
	byPath   map[string]*Type
	order    []string
	registry *hydrate.Registry
}

// NewCatalog validates the types and registers their schemas.
func NewCatalog(maxDepth int, types ...Type) (*Catalog, error) {
	c := &Catalog{types: make(map[string]*Type, len(types)), byPath: make(map[string]*Type, len(types))}
	schemas := make([]hydrate.Schema, 0, len(types))
	for i := range types {
		t := types[i]
		name := t.Schema.Name
		if _, dup := c.types[name]; dup {
			return nil, fmt.Errorf("type %s declared twice", name)
		}
		if t.Page.Table == "" {
			t.Page.Table = t.Schema.Table
		}
		for _, col := range append(append([]string(nil), t.Page.SortColumns...), t.Autocomplete...) {
			if !t.Schema.Columns.InUniverse(col) {
				return nil, fmt.Errorf("%s: unknown column %q", name, col)
			}
		}
		for _, rel := range t.Show {
			if !contains(t.Schema.RelationNames(), rel) {
				return nil, fmt.Errorf("%s: default relation %q not declared", name, rel)
			}
		}
		c.types[name] = &t
		if t.Path != "" {
			c.byPath[t.Path] = &t
		}
		c.order = append(c.order, name)
		schemas = append(schemas, t.Schema)
	}
	registry, err := hydrate.NewRegistry(maxDepth, schemas...)
	if err != nil {
		return nil, err
	}
	c.registry = registry
	return c, nil
}

// Registry returns the hydration registry of the catalog's schemas.
func (c *Catalog) Registry() *hydrate.Registry {
	return c.registry
}

// Type looks a type up by name.
func (c *Catalog) Type(name string) (*Type, error) {
	t, ok := c.types[name]
	if !ok {
		return nil, storage.InvalidRequest("unknown entity type %q", name)
	}
	return t, nil
}

// ByPath looks a type up by its collection name.
func (c *Catalog) ByPath(path string) (*Type, bool) {
	t, ok := c.byPath[path]
	return t, ok
}

// Names lists the types in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func preview(f projection.Filter) hydrate.Options {
	return hydrate.Options{}.WithFilter(f)
}

func belongsTo(name, target, key string, filter projection.Filter) hydrate.Relation {
	return hydrate.Relation{Name: name, Kind: hydrate.BelongsTo, Target: target, Key: key, Defaults: preview(filter)}
}

func through(name, target string, link storage.Link, limit int, filter projection.Filter) hydrate.Relation {
	return hydrate.Relation{Name: name, Kind: hydrate.HasMany, Target: target, Through: &link, Limit: limit, Defaults: preview(filter)}
}

func normalizeUser(_ storage.Row, attrs hydrate.Attributes) hydrate.Attributes {
	if avatar, _ := attrs.Get("avatar"); avatar == nil || avatar == "" {
		return attrs.Replace("avatar", DefaultAvatar)
	}
	return attrs
}

// normalizePost derives the HLS stream of video posts that were stored
// before streams were recorded.
func normalizePost(row storage.Row, attrs hydrate.Attributes) hydrate.Attributes {
	if stream, _ := attrs.Get("stream"); stream != nil && stream != "" {
		return attrs
	}
	video, _ := row["video"].(string)
	if video == "" {
		return attrs
	}
	if dot := strings.LastIndex(video, "."); dot > strings.LastIndex(video, "/") {
		video = video[:dot]
	}
	return attrs.Replace("stream", video+".m3u8")
}

func normalizeComment(_ storage.Row, attrs hydrate.Attributes) hydrate.Attributes {
	if body, ok := attrs.Get("body"); ok {
		if s, isString := body.(string); isString {
			return attrs.Replace("body", strings.TrimSpace(s))
		}
	}
	return attrs
}

// DefaultTypes returns the newsroom entity types.
func DefaultTypes() []Type {
	galleryPosts := storage.Link{Table: "gallery_posts", Owner: "gallery_id", Target: "post_id", Position: "position"}
	storyGalleries := storage.Link{Table: "story_galleries", Owner: "story_id", Target: "gallery_id", Position: "position"}
	galleryStories := storage.Link{Table: "story_galleries", Owner: "gallery_id", Target: "story_id"}
	storyPosts := storage.Link{Table: "story_posts", Owner: "story_id", Target: "post_id", Position: "position"}
	galleryArticles := storage.Link{Table: "gallery_articles", Owner: "gallery_id", Target: "article_id"}
	articleGalleries := storage.Link{Table: "gallery_articles", Owner: "article_id", Target: "gallery_id"}

	return []Type{
		{
			Schema: hydrate.Schema{
				Name:      User,
				Table:     "users",
				Columns:   UserColumns,
				Default:   UserPublic,
				Normalize: normalizeUser,
				Relations: []hydrate.Relation{
					{Name: "gallery_stats", Kind: hydrate.Aggregate, Table: "galleries", Owner: "owner_id", Measures: []hydrate.Measure{
						{Name: "gallery_count", Kind: storage.Count},
					}},
					{Name: "follow_stats", Kind: hydrate.Aggregate, Table: "follows", Owner: "followee_id", Measures: []hydrate.Measure{
						{Name: "followers", Kind: storage.Count},
						{Name: "following", Kind: storage.Exists, RequesterColumn: "follower_id"},
					}},
				},
			},
			Path: "users",
			Page: paginate.Spec{
				SortColumns:   []string{"created_at", "username"},
				DefaultSort:   "created_at",
				DefaultLimit:  20,
				MaxLimit:      100,
				SearchColumns: []string{"username", "full_name", "bio"},
			},
			Show:         []string{"gallery_stats", "follow_stats"},
			Projections:  map[string]projection.Filter{"public": UserPublic, "preview": UserPreview, "self": UserSelf, "minimal": UserMinimal},
			Autocomplete: []string{"username", "full_name"},
		},
		{
			Schema: hydrate.Schema{
				Name:    Gallery,
				Table:   "galleries",
				Columns: GalleryColumns,
				Default: GalleryPublic,
				Relations: []hydrate.Relation{
					belongsTo("owner", User, "owner_id", UserPreview),
					belongsTo("curator", User, "curator_id", UserPreview),
					through("posts", Post, galleryPosts, 0, PostPublic),
					through("stories", Story, galleryStories, 0, StoryPreview),
					through("articles", Article, galleryArticles, 0, ArticlePreview),
					{Name: "reactions", Kind: hydrate.Aggregate, Table: "gallery_reactions", Owner: "gallery_id", Measures: []hydrate.Measure{
						{Name: "likes", Kind: storage.Count, Match: storage.Where{"kind": "like"}},
						{Name: "reposts", Kind: storage.Count, Match: storage.Where{"kind": "repost"}},
						{Name: "liked", Kind: storage.Exists, Match: storage.Where{"kind": "like"}, RequesterColumn: "user_id"},
						{Name: "reposted", Kind: storage.Exists, Match: storage.Where{"kind": "repost"}, RequesterColumn: "user_id"},
					}},
					{Name: "comment_stats", Kind: hydrate.Aggregate, Table: "comments", Owner: "gallery_id", Measures: []hydrate.Measure{
						{Name: "comments", Kind: storage.Count},
					}},
				},
			},
			Path: "galleries",
			Page: paginate.Spec{
				SortColumns:   []string{"created_at", "updated_at", "rating"},
				DefaultSort:   "created_at",
				DefaultLimit:  20,
				MaxLimit:      100,
				SearchColumns: []string{"caption", "tags"},
			},
			Show:         []string{"owner", "posts", "reactions", "comment_stats"},
			Projections:  map[string]projection.Filter{"public": GalleryPublic, "preview": GalleryPreview},
			Autocomplete: []string{"caption", "tags"},
		},
		{
			Schema: hydrate.Schema{
				Name:      Post,
				Table:     "posts",
				Columns:   PostColumns,
				Default:   PostPublic,
				Needs:     []string{"video"},
				Normalize: normalizePost,
				Relations: []hydrate.Relation{
					belongsTo("owner", User, "owner_id", UserPreview),
					belongsTo("curator", User, "curator_id", UserPreview),
					belongsTo("parent", Gallery, "parent_id", GalleryPreview),
				},
			},
			Path: "posts",
			Page: paginate.Spec{
				SortColumns:  []string{"created_at", "rating"},
				DefaultSort:  "created_at",
				DefaultLimit: 20,
				MaxLimit:     100,
			},
			Show:        []string{"owner", "parent"},
			Projections: map[string]projection.Filter{"public": PostPublic, "preview": PostPreview},
		},
		{
			Schema: hydrate.Schema{
				Name:    Story,
				Table:   "stories",
				Columns: StoryColumns,
				Default: StoryPublic,
				Relations: []hydrate.Relation{
					belongsTo("owner", User, "owner_id", UserPreview),
					belongsTo("curator", User, "curator_id", UserPreview),
					through("thumbnails", Post, storyPosts, 3, PostPreview),
					through("galleries", Gallery, storyGalleries, 0, GalleryPreview),
					{Name: "gallery_stats", Kind: hydrate.Aggregate, Table: "story_galleries", Owner: "story_id", Measures: []hydrate.Measure{
						{Name: "gallery_count", Kind: storage.Count},
					}},
				},
			},
			Path: "stories",
			Page: paginate.Spec{
				SortColumns:   []string{"created_at", "updated_at"},
				DefaultSort:   "updated_at",
				DefaultLimit:  20,
				MaxLimit:      100,
				SearchColumns: []string{"title", "caption"},
			},
			Show:         []string{"owner", "thumbnails", "gallery_stats"},
			Projections:  map[string]projection.Filter{"public": StoryPublic, "preview": StoryPreview},
			Autocomplete: []string{"title"},
		},
		{
			Schema: hydrate.Schema{
				Name:    Article,
				Table:   "articles",
				Columns: ArticleColumns,
				Default: ArticlePublic,
				Relations: []hydrate.Relation{
					through("galleries", Gallery, articleGalleries, 0, GalleryPreview),
				},
			},
			Path: "articles",
			Page: paginate.Spec{
				SortColumns:   []string{"created_at"},
				DefaultSort:   "created_at",
				DefaultLimit:  20,
				MaxLimit:      100,
				SearchColumns: []string{"title", "source"},
			},
			Show:         []string{},
			Projections:  map[string]projection.Filter{"public": ArticlePublic, "preview": ArticlePreview},
			Autocomplete: []string{"title", "source"},
		},
		{
			Schema: hydrate.Schema{
				Name:      Comment,
				Table:     "comments",
				Columns:   CommentColumns,
				Default:   CommentPublic,
				Normalize: normalizeComment,
				Relations: []hydrate.Relation{
					belongsTo("owner", User, "owner_id", UserPreview),
					belongsTo("gallery", Gallery, "gallery_id", GalleryPreview),
				},
			},
			Path: "comments",
			Page: paginate.Spec{
				SortColumns:      []string{"created_at"},
				DefaultSort:      "created_at",
				DefaultDirection: paginate.Asc,
				DefaultLimit:     50,
				MaxLimit:         200,
			},
			Show:        []string{"owner"},
			Projections: map[string]projection.Filter{"public": CommentPublic},
		},
		{
			Schema: hydrate.Schema{
				Name:    Report,
				Table:   "reports",
				Columns: ReportColumns,
				Default: ReportPublic,
				Relations: []hydrate.Relation{
					belongsTo("reporter", User, "reporter_id", UserMinimal),
					belongsTo("gallery", Gallery, "gallery_id", GalleryPreview),
					belongsTo("target_user", User, "target_user_id", UserMinimal),
				},
			},
			Path: "reports",
			Page: paginate.Spec{
				SortColumns:  []string{"created_at"},
				DefaultSort:  "created_at",
				DefaultLimit: 20,
				MaxLimit:     100,
			},
			Show:        []string{"reporter", "gallery", "target_user"},
			Projections: map[string]projection.Filter{"public": ReportPublic},
		},
	}
}

// NewDefaultCatalog returns the catalog of DefaultTypes.
func NewDefaultCatalog() (*Catalog, error) {
	return NewCatalog(hydrate.DefaultMaxDepth, DefaultTypes()...)
}
