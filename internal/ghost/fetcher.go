package ghost

import (
	"context"
	"strings"
)

const DefaultPageSize = 50

// EscapeFilterValue escapes a value for embedding inside a single-quoted NQL
// string.
func EscapeFilterValue(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`)
	return replacer.Replace(value)
}

// LexicalContainsFilter matches posts whose lexical body contains value,
// case-insensitively on the Ghost side.
func LexicalContainsFilter(value string) string {
	if value == "" {
		return ""
	}
	return "lexical:~'" + EscapeFilterValue(value) + "'"
}

// PostFetcher walks the pages of the posts list one request at a time.
type PostFetcher struct {
	client     *Client
	filter     string
	pagination Pagination
}

func (c *Client) NewPostFetcher(target string, limit int) *PostFetcher {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return &PostFetcher{
		client:     c,
		filter:     LexicalContainsFilter(target),
		pagination: Pagination{Limit: limit},
	}
}

func (f *PostFetcher) HasNext() bool {
	p := f.pagination
	if p.Page == nil || p.Pages == nil {
		return true
	}
	return *p.Page < *p.Pages
}

func (f *PostFetcher) Total() int {
	if f.pagination.Total == nil {
		return 0
	}
	return *f.pagination.Total
}

func (f *PostFetcher) Pagination() Pagination {
	return f.pagination
}

func (f *PostFetcher) Next(ctx context.Context) ([]PostRef, error) {
	if !f.HasNext() {
		return []PostRef{}, nil
	}
	page, err := f.client.ListPosts(ctx, PageQuery{
		Page:   f.nextPage(),
		Limit:  f.pagination.Limit,
		Fields: "id",
		Filter: f.filter,
	})
	if err != nil {
		return nil, err
	}
	f.pagination = page.Pagination
	if f.pagination.Limit <= 0 {
		f.pagination.Limit = DefaultPageSize
	}
	return page.Posts, nil
}

func (f *PostFetcher) nextPage() int {
	if f.pagination.Next != nil {
		return *f.pagination.Next
	}
	if f.pagination.Page != nil {
		return *f.pagination.Page + 1
	}
	return 1
}

// PostIDs lists the ids of every post whose body contains target.
func (c *Client) PostIDs(ctx context.Context, target string, limit int) ([]string, error) {
	fetcher := c.NewPostFetcher(target, limit)
	ids := []string{}
	for fetcher.HasNext() {
		page, err := fetcher.Next(ctx)
		if err != nil {
			return nil, withKind(ErrFetch, err)
		}
		for _, post := range page {
			ids = append(ids, post.ID)
		}
		if len(page) == 0 && fetcher.pagination.Next == nil {
			break
		}
	}
	return ids, nil
}
