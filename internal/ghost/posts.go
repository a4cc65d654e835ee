package ghost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/agentworkforce/rebrander/internal/lexical"
)

const postFields = "id,lexical,title,updated_at"

type Post struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Lexical   string `json:"lexical"`
	UpdatedAt string `json:"updated_at"`
}

type PostRef struct {
	ID string `json:"id"`
}

type SiteInfo struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Logo        *string `json:"logo,omitempty"`
	Icon        *string `json:"icon,omitempty"`
	CoverImage  *string `json:"cover_image,omitempty"`
	AccentColor *string `json:"accent_color,omitempty"`
	URL         *string `json:"url,omitempty"`
}

type Pagination struct {
	Page  *int `json:"page"`
	Limit int  `json:"limit"`
	Pages *int `json:"pages"`
	Total *int `json:"total"`
	Next  *int `json:"next"`
	Prev  *int `json:"prev"`
}

type PostsPage struct {
	Pagination Pagination
	Posts      []PostRef
}

type PageQuery struct {
	Page   int
	Limit  int
	Fields string
	Filter string
}

// postResponse is either a postsEnvelope or an errorsResponse, told apart by
// which top-level key the body carries.
type postResponse interface {
	postResponse()
}

type postsEnvelope struct {
	Posts []json.RawMessage `json:"posts"`
}

func (postsEnvelope) postResponse()  {}
func (errorsResponse) postResponse() {}

// SiteInfo probes the public site endpoint. The request is not authenticated.
func (c *Client) SiteInfo(ctx context.Context) (SiteInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/site/", nil, nil, false)
	if err != nil {
		return SiteInfo{}, withKind(ErrProbe, err)
	}
	if !resp.ok() {
		return SiteInfo{}, withKind(ErrProbe, remoteErrorFrom(resp))
	}
	if err := validateBody(siteSchemaOnce(), resp.body); err != nil {
		return SiteInfo{}, withKind(ErrProbe, err)
	}
	var out struct {
		Site SiteInfo `json:"site"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return SiteInfo{}, withKind(ErrProbe, errors.Errorf("%w: %s", ErrParse, err.Error()))
	}
	return out.Site, nil
}

func (c *Client) ListPosts(ctx context.Context, q PageQuery) (PostsPage, error) {
	query := url.Values{}
	if q.Page > 0 {
		query.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Fields != "" {
		query.Set("fields", q.Fields)
	}
	if q.Filter != "" {
		query.Set("filter", q.Filter)
	}
	resp, err := c.do(ctx, http.MethodGet, "/posts/", query, nil, true)
	if err != nil {
		return PostsPage{}, err
	}
	if !resp.ok() {
		return PostsPage{}, remoteErrorFrom(resp)
	}
	if err := validateBody(postsPageSchemaOnce(), resp.body); err != nil {
		return PostsPage{}, err
	}
	var out struct {
		Meta struct {
			Pagination Pagination `json:"pagination"`
		} `json:"meta"`
		Posts []PostRef `json:"posts"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return PostsPage{}, errors.Errorf("%w: %s", ErrParse, err.Error())
	}
	return PostsPage{Pagination: out.Meta.Pagination, Posts: out.Posts}, nil
}

func (c *Client) GetPost(ctx context.Context, id string) (Post, error) {
	query := url.Values{}
	query.Set("fields", postFields)
	resp, err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(id)+"/", query, nil, true)
	if err != nil {
		return Post{}, err
	}
	if !resp.ok() {
		return Post{}, remoteErrorFrom(resp)
	}
	return decodeSinglePost(resp)
}

// UpdatePost writes the post back. UpdatedAt must be the value read from the
// server; Ghost rejects the write with a collision error otherwise.
func (c *Client) UpdatePost(ctx context.Context, post Post) (Post, error) {
	body := map[string]any{
		"posts": []map[string]any{{
			"id":         post.ID,
			"lexical":    post.Lexical,
			"updated_at": post.UpdatedAt,
		}},
	}
	resp, err := c.do(ctx, http.MethodPut, "/posts/"+url.PathEscape(post.ID)+"/", nil, body, true)
	if err != nil {
		return Post{}, err
	}
	if !resp.ok() {
		return Post{}, remoteErrorFrom(resp)
	}
	return decodeSinglePost(resp)
}

func (c *Client) CreatePost(ctx context.Context, title, body string) (Post, error) {
	payload := map[string]any{
		"posts": []map[string]any{{
			"title":   title,
			"lexical": body,
		}},
	}
	resp, err := c.do(ctx, http.MethodPost, "/posts/", nil, payload, true)
	if err != nil {
		return Post{}, err
	}
	if !resp.ok() {
		return Post{}, remoteErrorFrom(resp)
	}
	return decodeSinglePost(resp)
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(id)+"/", nil, nil, true)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return remoteErrorFrom(resp)
	}
	return nil
}

// ReplaceTextInPost rewrites one post. It reports false without writing when
// the body does not contain target.
func (c *Client) ReplaceTextInPost(ctx context.Context, id, target, replacement string) (bool, error) {
	post, err := c.GetPost(ctx, id)
	if err != nil {
		return false, errors.Errorf("reading post %s: %w", id, err)
	}
	body, changed, err := lexical.FindAndReplace(post.Lexical, target, replacement)
	if err != nil {
		return false, errors.Errorf("rewriting post %s: %w", id, err)
	}
	if !changed {
		return false, nil
	}
	post.Lexical = body
	if _, err := c.UpdatePost(ctx, post); err != nil {
		return false, errors.Errorf("updating post %s: %w", id, err)
	}
	return true, nil
}

func decodePostResponse(body []byte) (postResponse, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil || keys == nil {
		return nil, errors.Errorf("%w: response is not a json object", ErrParse)
	}
	if _, ok := keys["posts"]; ok {
		var out postsEnvelope
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, errors.Errorf("%w: %s", ErrParse, err.Error())
		}
		return out, nil
	}
	if _, ok := keys["errors"]; ok {
		var out errorsResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, errors.Errorf("%w: %s", ErrParse, err.Error())
		}
		return out, nil
	}
	return nil, errors.Errorf("%w: expected posts or errors", ErrParse)
}

func decodeSinglePost(resp response) (Post, error) {
	decoded, err := decodePostResponse(resp.body)
	if err != nil {
		return Post{}, err
	}
	switch typed := decoded.(type) {
	case errorsResponse:
		if len(typed.Errors) == 0 {
			return Post{}, errors.Errorf("%w: empty errors array", ErrParse)
		}
		return Post{}, &RemoteError{StatusCode: resp.status, Type: typed.Errors[0].Type, Message: typed.Errors[0].Message}
	case postsEnvelope:
		if len(typed.Posts) != 1 {
			return Post{}, errors.Errorf("%w: expected exactly one post, got %d", ErrParse, len(typed.Posts))
		}
		return decodePost(typed.Posts[0])
	}
	return Post{}, errors.Errorf("%w: unknown response", ErrParse)
}

func decodePost(raw json.RawMessage) (Post, error) {
	var fields struct {
		ID        *string `json:"id"`
		Title     *string `json:"title"`
		Lexical   *string `json:"lexical"`
		UpdatedAt *string `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Post{}, errors.Errorf("%w: %s", ErrParse, err.Error())
	}
	var missing []string
	if fields.ID == nil {
		missing = append(missing, "id")
	}
	if fields.Lexical == nil {
		missing = append(missing, "lexical")
	}
	if fields.UpdatedAt == nil {
		missing = append(missing, "updated_at")
	}
	if len(missing) > 0 {
		return Post{}, errors.Errorf("%w: post is missing %s", ErrParse, strings.Join(missing, ", "))
	}
	post := Post{ID: *fields.ID, Lexical: *fields.Lexical, UpdatedAt: *fields.UpdatedAt}
	if fields.Title != nil {
		post.Title = *fields.Title
	}
	return post, nil
}
