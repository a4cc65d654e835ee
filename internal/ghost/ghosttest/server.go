// Package ghosttest runs an in-memory stand-in for the parts of the Ghost
// Admin API the rebrander talks to.
package ghosttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Credential is an Admin API key the fake accepts. Any well-formed key works.
const Credential = "6489a2f1c3b4d5e6f7a8b9c0:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type Post struct {
	ID        string
	Title     string
	Lexical   string
	UpdatedAt string
}

type Server struct {
	*httptest.Server

	// SiteStatus overrides the status of the site endpoint when non-zero.
	SiteStatus int
	// FailUpdate makes PUT requests for the given id fail with a validation error.
	FailUpdate func(id string) bool
	// UpdateDelay is slept before each PUT is handled.
	UpdateDelay time.Duration
	// Intercept, when set, sees every request first and reports whether it
	// already wrote a response.
	Intercept func(w http.ResponseWriter, r *http.Request) bool

	PageRequests atomic.Int64
	GetRequests  atomic.Int64
	Updates      atomic.Int64

	mu      sync.Mutex
	order   []string
	posts   map[string]*Post
	seq     int
	filters []string
}

func NewServer() *Server {
	s := &Server{posts: map[string]*Post{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ghost/api/admin/site/{$}", s.handleSite)
	mux.HandleFunc("GET /ghost/api/admin/posts/{$}", s.authorized(s.handleList))
	mux.HandleFunc("POST /ghost/api/admin/posts/{$}", s.authorized(s.handleCreate))
	mux.HandleFunc("GET /ghost/api/admin/posts/{id}/{$}", s.authorized(s.handleGet))
	mux.HandleFunc("PUT /ghost/api/admin/posts/{id}/{$}", s.authorized(s.handleUpdate))
	mux.HandleFunc("DELETE /ghost/api/admin/posts/{id}/{$}", s.authorized(s.handleDelete))
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Intercept != nil && s.Intercept(w, r) {
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

func (s *Server) AddPost(title, lexical string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(title, lexical)
}

func (s *Server) addLocked(title, lexical string) string {
	s.seq++
	id := fmt.Sprintf("%024x", s.seq)
	s.posts[id] = &Post{ID: id, Title: title, Lexical: lexical, UpdatedAt: revision(s.seq)}
	s.order = append(s.order, id)
	return id
}

func (s *Server) Post(id string) (Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[id]
	if !ok {
		return Post{}, false
	}
	return *post, true
}

func (s *Server) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Post, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.posts[id])
	}
	return out
}

// Filters returns every filter query parameter received by the list endpoint.
func (s *Server) Filters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.filters...)
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Ghost ")
		if token == header || len(strings.Split(token, ".")) != 3 {
			writeErrors(w, http.StatusUnauthorized, "UnauthorizedError", "Authorization header format is \"Authorization: Ghost [token]\"")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	if s.SiteStatus != 0 && s.SiteStatus != http.StatusOK {
		writeErrors(w, s.SiteStatus, "InternalServerError", "site unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"site": map[string]any{
			"title":        "Fake Ghost",
			"description":  "A fake Ghost site",
			"logo":         nil,
			"icon":         nil,
			"cover_image":  nil,
			"accent_color": "#ff1a75",
			"url":          s.URL + "/",
		},
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.PageRequests.Add(1)
	query := r.URL.Query()
	limit := 15
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrors(w, http.StatusBadRequest, "BadRequestError", "invalid limit")
			return
		}
		limit = parsed
	}
	page := 1
	if raw := query.Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrors(w, http.StatusBadRequest, "BadRequestError", "invalid page")
			return
		}
		page = parsed
	}
	filter := query.Get("filter")
	contains, err := parseLexicalFilter(filter)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "BadRequestError", err.Error())
		return
	}

	s.mu.Lock()
	s.filters = append(s.filters, filter)
	var matched []string
	for _, id := range s.order {
		if contains == "" || strings.Contains(strings.ToLower(s.posts[id].Lexical), strings.ToLower(contains)) {
			matched = append(matched, id)
		}
	}
	s.mu.Unlock()

	total := len(matched)
	pages := (total + limit - 1) / limit
	if pages == 0 {
		pages = 1
	}
	start := (page - 1) * limit
	end := start + limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	posts := make([]map[string]any, 0, end-start)
	for _, id := range matched[start:end] {
		posts = append(posts, map[string]any{"id": id})
	}
	var next, prev any
	if page < pages {
		next = page + 1
	}
	if page > 1 {
		prev = page - 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts": posts,
		"meta": map[string]any{
			"pagination": map[string]any{
				"page":  page,
				"limit": limit,
				"pages": pages,
				"total": total,
				"next":  next,
				"prev":  prev,
			},
		},
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.GetRequests.Add(1)
	post, ok := s.Post(r.PathValue("id"))
	if !ok {
		writeErrors(w, http.StatusNotFound, "NotFoundError", "Post not found.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": []any{postJSON(post)}})
}

type postsBody struct {
	Posts []struct {
		ID        string  `json:"id"`
		Title     string  `json:"title"`
		Lexical   *string `json:"lexical"`
		UpdatedAt string  `json:"updated_at"`
	} `json:"posts"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.UpdateDelay > 0 {
		time.Sleep(s.UpdateDelay)
	}
	id := r.PathValue("id")
	var body postsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Posts) != 1 || body.Posts[0].Lexical == nil {
		writeErrors(w, http.StatusBadRequest, "BadRequestError", "expected one post")
		return
	}
	if s.FailUpdate != nil && s.FailUpdate(id) {
		writeErrors(w, http.StatusUnprocessableEntity, "ValidationError", "Validation failed for lexical.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[id]
	if !ok {
		writeErrors(w, http.StatusNotFound, "NotFoundError", "Post not found.")
		return
	}
	if body.Posts[0].UpdatedAt != post.UpdatedAt {
		writeErrors(w, http.StatusConflict, "UpdateCollisionError", "Saving failed! Someone else is editing this post.")
		return
	}
	s.seq++
	post.Lexical = *body.Posts[0].Lexical
	post.UpdatedAt = revision(s.seq)
	s.Updates.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{"posts": []any{postJSON(*post)}})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body postsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Posts) != 1 {
		writeErrors(w, http.StatusBadRequest, "BadRequestError", "expected one post")
		return
	}
	lexical := ""
	if body.Posts[0].Lexical != nil {
		lexical = *body.Posts[0].Lexical
	}
	s.mu.Lock()
	id := s.addLocked(body.Posts[0].Title, lexical)
	post := *s.posts[id]
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"posts": []any{postJSON(post)}})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		writeErrors(w, http.StatusNotFound, "NotFoundError", "Post not found.")
		return
	}
	delete(s.posts, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseLexicalFilter(filter string) (string, error) {
	if filter == "" {
		return "", nil
	}
	const prefix = "lexical:~'"
	if !strings.HasPrefix(filter, prefix) || !strings.HasSuffix(filter, "'") || len(filter) < len(prefix)+1 {
		return "", fmt.Errorf("unsupported filter %q", filter)
	}
	inner := filter[len(prefix) : len(filter)-1]
	var out strings.Builder
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '\\':
			if i+1 >= len(inner) {
				return "", fmt.Errorf("dangling escape in filter %q", filter)
			}
			i++
			out.WriteByte(inner[i])
		case '\'':
			return "", fmt.Errorf("unescaped quote in filter %q", filter)
		default:
			out.WriteByte(inner[i])
		}
	}
	return out.String(), nil
}

func postJSON(post Post) map[string]any {
	return map[string]any{
		"id":         post.ID,
		"title":      post.Title,
		"lexical":    post.Lexical,
		"updated_at": post.UpdatedAt,
	}
}

func revision(seq int) string {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Millisecond).Format("2006-01-02T15:04:05.000Z")
}

func writeErrors(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]any{{"message": message, "type": errType}},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
