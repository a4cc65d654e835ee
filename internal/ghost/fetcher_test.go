package ghost_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/rebrander/internal/ghost"
	"github.com/agentworkforce/rebrander/internal/ghost/ghosttest"
	"github.com/agentworkforce/rebrander/internal/lexical"
)

func TestPostIDsEnumeratesEveryMatch(t *testing.T) {
	for _, n := range []int{0, 1, 14, 15, 16, 120} {
		for _, limit := range []int{1, 7, 15, 50} {
			t.Run(fmt.Sprintf("n=%d/limit=%d", n, limit), func(t *testing.T) {
				srv := ghosttest.NewServer()
				defer srv.Close()
				want := make([]string, 0, n)
				for i := 0; i < n; i++ {
					want = append(want, srv.AddPost(fmt.Sprintf("post %d", i), lexical.NewTextDocument(fmt.Sprintf("Acme %d", i)).String()))
					srv.AddPost("unrelated", lexical.NewTextDocument("nothing here").String())
				}

				ids, err := newTestClient(t, srv.URL).PostIDs(context.Background(), "Acme", limit)
				require.NoError(t, err)
				assert.Equal(t, want, ids)

				pages := (n + limit - 1) / limit
				if pages == 0 {
					pages = 1
				}
				assert.Equal(t, int64(pages), srv.PageRequests.Load())
			})
		}
	}
}

func TestPostFetcherStopsWhenExhausted(t *testing.T) {
	srv := ghosttest.NewServer()
	defer srv.Close()
	for i := 0; i < 3; i++ {
		srv.AddPost("p", lexical.NewTextDocument("Acme").String())
	}
	fetcher := newTestClient(t, srv.URL).NewPostFetcher("Acme", 2)
	assert.True(t, fetcher.HasNext())
	assert.Equal(t, 0, fetcher.Total())

	page, err := fetcher.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, 3, fetcher.Total())
	assert.True(t, fetcher.HasNext())

	page, err = fetcher.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.False(t, fetcher.HasNext())

	page, err = fetcher.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, int64(2), srv.PageRequests.Load())
}

func TestPostFetcherAssumesMoreWhenPagesUnknown(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"posts":[{"id":"a"}],"meta":{"pagination":{"limit":1,"next":2}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"posts":[{"id":"b"}],"meta":{"pagination":{"page":2,"limit":1,"pages":2,"total":2,"next":null,"prev":1}}}`))
	}))
	defer srv.Close()

	fetcher := newTestClient(t, srv.URL).NewPostFetcher("x", 1)
	_, err := fetcher.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, fetcher.HasNext())
	_, err = fetcher.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, fetcher.HasNext())
}

func TestPostIDsTerminatesOnZeroPages(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"posts":[],"meta":{"pagination":{"page":1,"limit":15,"pages":0,"total":0,"next":null,"prev":null}}}`))
	}))
	defer srv.Close()

	ids, err := newTestClient(t, srv.URL).PostIDs(context.Background(), "x", 15)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, int64(1), calls.Load())
}

func TestPostIDsRejectsMalformedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"posts":[{"title":"no id"}],"meta":{"pagination":{"limit":15}}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).PostIDs(context.Background(), "x", 15)
	require.Error(t, err)
	assert.ErrorIs(t, err, ghost.ErrFetch)
	assert.ErrorIs(t, err, ghost.ErrParse)
}

func TestPostIDsSurfacesRemoteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"Invalid token","type":"UnauthorizedError"}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).PostIDs(context.Background(), "x", 15)
	require.Error(t, err)
	assert.ErrorIs(t, err, ghost.ErrFetch)
	var remote *ghost.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "UnauthorizedError", remote.Type)
	assert.Contains(t, err.Error(), "Invalid token")
}

func TestEscapeFilterValue(t *testing.T) {
	assert.Equal(t, `Johnson\'s \"Fresh News\"`, ghost.EscapeFilterValue(`Johnson's "Fresh News"`))
	assert.Equal(t, `back\\slash`, ghost.EscapeFilterValue(`back\slash`))
	assert.Equal(t, "lexical:~'Johnson\\'s News & Co'", ghost.LexicalContainsFilter("Johnson's News & Co"))
	assert.Equal(t, "", ghost.LexicalContainsFilter(""))
}

func TestPostIDsWithQuotedTarget(t *testing.T) {
	srv := ghosttest.NewServer()
	defer srv.Close()
	id := srv.AddPost("quoted", lexical.NewTextDocument("Read Johnson's News & Co today").String())
	srv.AddPost("other", lexical.NewTextDocument("Johnson News").String())

	ids, err := newTestClient(t, srv.URL).PostIDs(context.Background(), "Johnson's News & Co", 15)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	filters := srv.Filters()
	require.Len(t, filters, 1)
	inner := strings.TrimSuffix(strings.TrimPrefix(filters[0], "lexical:~'"), "'")
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\'' || inner[i] == '"' {
			require.Greater(t, i, 0)
			assert.Equal(t, byte('\\'), inner[i-1], "quote at %d is not escaped in %q", i, filters[0])
		}
	}
}
