package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/QubitProducts/topNET-sub000/core/http"
)

func chainFor(name string) http.Chain {
	return http.Chain{http.HandlerFunc(func(req *http.Request, resp *http.Response) (bool, error) {
		resp.String(200, name)
		return true, nil
	})}
}

// TestRadixRouterBasic tests basic static routing
func TestRadixRouterBasic(t *testing.T) {
	router := NewRadixRouter()
	router.Add("/", chainFor("root"))
	router.Add("/hello", chainFor("hello"))
	router.Add("/hello/world", chainFor("world"))

	tests := []struct {
		path    string
		pattern string
	}{
		{"/", "/"},
		{"/hello", "/hello"},
		{"/hello/world", "/hello/world"},
		{"/hello/", ""},
		{"/notfound", ""},
		{"", ""},
		{"*", ""},
	}

	for _, tt := range tests {
		c, _ := router.Resolve(tt.path, tt.path, "")
		require.Equal(t, tt.pattern != "", c != nil, "path %q", tt.path)
		require.Equal(t, tt.pattern, router.Pattern(tt.path), "path %q", tt.path)
	}
}

// TestRadixRouterPriority tests route priority (exact > param > catch-all)
func TestRadixRouterPriority(t *testing.T) {
	router := NewRadixRouter()
	router.Add("/user/admin", chainFor("admin"))
	router.Add("/user/:id", chainFor("user"))
	router.Add("/user/:id/posts/:post", chainFor("post"))
	router.Add("/user/*rest", chainFor("rest"))

	tests := []struct {
		path    string
		pattern string
		params  http.Params
	}{
		{"/user/admin", "/user/admin", nil},
		{"/user/123", "/user/:id", http.Params{{Key: "id", Value: "123"}}},
		{"/user/adm", "/user/:id", http.Params{{Key: "id", Value: "adm"}}},
		{"/user/7/posts/9", "/user/:id/posts/:post", http.Params{{Key: "id", Value: "7"}, {Key: "post", Value: "9"}}},
		// param branch dead-ends, falls back to the catch-all
		{"/user/7/comments", "/user/*rest", http.Params{{Key: "rest", Value: "7/comments"}}},
		{"/user/", "/user/*rest", http.Params{{Key: "rest", Value: ""}}},
	}

	for _, tt := range tests {
		c, params := router.Resolve(tt.path, tt.path, "")
		require.NotNil(t, c, "path %q", tt.path)
		require.Equal(t, tt.pattern, router.Pattern(tt.path))
		require.Equal(t, tt.params, params, "path %q", tt.path)
	}
}

func TestRadixRouterConflicts(t *testing.T) {
	router := NewRadixRouter()
	router.Add("/a/:id", chainFor("a"))

	require.Panics(t, func() { router.Add("/a/:id", chainFor("dup")) })
	require.Panics(t, func() { router.Add("/a/:name", chainFor("other")) })
	require.Panics(t, func() { router.Add("/b/*all/x", chainFor("x")) })
	require.Panics(t, func() { router.Add("no-slash", chainFor("x")) })
	require.Panics(t, func() { router.Add("/c/:", chainFor("x")) })
	require.Panics(t, func() { router.Add("/d", nil) })
}

// Benchmarks
func BenchmarkRadixRouterStatic(b *testing.B) {
	router := NewRadixRouter()
	router.Add("/hello/world", chainFor("x"))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.Resolve("/hello/world", "/hello/world", "")
	}
}

func BenchmarkRadixRouterParam(b *testing.B) {
	router := NewRadixRouter()
	router.Add("/user/:id/posts/:post", chainFor("x"))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.Resolve("/user/1/posts/2", "/user/1/posts/2", "")
	}
}
