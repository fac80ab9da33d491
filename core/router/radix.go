package router

import (
	"fmt"
	"strings"

	"github.com/QubitProducts/topNET-sub000/core/http"
)

// RadixRouter is a path tree router with parameter support. Each node holds
// one path segment; static segments win over :param segments, which win
// over a trailing *catchAll.
//
// Routes must be added before the router serves requests; Resolve is safe
// for concurrent use once registration is over.
type RadixRouter struct {
	root *node
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

type node struct {
	segment   string
	nType     nodeType
	paramName string // parameter name for :param or *param nodes

	statics  []*node
	param    *node
	catchAll *node

	chain   http.Chain
	pattern string
}

// NewRadixRouter creates a new router
func NewRadixRouter() *RadixRouter {
	return &RadixRouter{root: &node{}}
}

// Add registers chain for pattern. It panics on malformed patterns and on
// conflicting registrations.
func (r *RadixRouter) Add(pattern string, chain http.Chain) {
	if pattern == "" || pattern[0] != '/' {
		panic("path must begin with '/'")
	}
	if len(chain) == 0 {
		panic("route " + pattern + " has no handlers")
	}

	n := r.root
	segs := splitPath(pattern)
	for i, seg := range segs {
		n = n.child(seg, i == len(segs)-1, pattern)
	}
	if n.chain != nil {
		panic(fmt.Sprintf("route %s conflicts with %s", pattern, n.pattern))
	}
	n.chain = chain
	n.pattern = pattern
}

func (n *node) child(seg string, last bool, pattern string) *node {
	switch {
	case strings.HasPrefix(seg, ":"):
		if len(seg) < 2 {
			panic("wildcards must be named: " + pattern)
		}
		if n.param == nil {
			n.param = &node{segment: seg, nType: param, paramName: seg[1:]}
		} else if n.param.paramName != seg[1:] {
			panic(fmt.Sprintf("wildcard %s conflicts with %s in %s", seg, n.param.segment, pattern))
		}
		return n.param

	case strings.HasPrefix(seg, "*"):
		if len(seg) < 2 {
			panic("wildcards must be named: " + pattern)
		}
		if !last {
			panic("catch-all routes are only allowed at the end of the path: " + pattern)
		}
		if n.catchAll == nil {
			n.catchAll = &node{segment: seg, nType: catchAll, paramName: seg[1:]}
		} else if n.catchAll.paramName != seg[1:] {
			panic(fmt.Sprintf("wildcard %s conflicts with %s in %s", seg, n.catchAll.segment, pattern))
		}
		return n.catchAll
	}

	if strings.ContainsAny(seg, ":*") {
		panic("only one wildcard per path segment is allowed: " + pattern)
	}
	for _, c := range n.statics {
		if c.segment == seg {
			return c
		}
	}
	c := &node{segment: seg}
	n.statics = append(n.statics, c)
	return c
}

// Resolve finds the chain registered for path. fullPath and query are not
// used for matching.
func (r *RadixRouter) Resolve(fullPath, path, query string) (http.Chain, http.Params) {
	var params http.Params
	n := r.lookup(path, &params)
	if n == nil {
		return nil, nil
	}
	return n.chain, params
}

// Pattern returns the route pattern matching path, or "" when none does
func (r *RadixRouter) Pattern(path string) string {
	var params http.Params
	if n := r.lookup(path, &params); n != nil {
		return n.pattern
	}
	return ""
}

func (r *RadixRouter) lookup(path string, params *http.Params) *node {
	if path == "" || path[0] != '/' {
		return nil
	}
	if path == "/" && r.root.chain != nil {
		return r.root
	}
	return r.root.match(path[1:], params)
}

// match resolves rest, the path below n without its leading '/'. Static
// segments are tried first, then the parameter, then the catch-all.
func (n *node) match(rest string, params *http.Params) *node {
	seg, next, hasNext := strings.Cut(rest, "/")
	descend := func(c *node) *node {
		if !hasNext {
			if c.chain != nil {
				return c
			}
			return nil
		}
		return c.match(next, params)
	}

	for _, c := range n.statics {
		if c.segment == seg {
			if found := descend(c); found != nil {
				return found
			}
			break
		}
	}

	if n.param != nil && seg != "" {
		mark := len(*params)
		*params = append(*params, http.Param{Key: n.param.paramName, Value: seg})
		if found := descend(n.param); found != nil {
			return found
		}
		*params = (*params)[:mark]
	}

	if n.catchAll != nil && n.catchAll.chain != nil {
		*params = append(*params, http.Param{Key: n.catchAll.paramName, Value: rest})
		return n.catchAll
	}
	return nil
}

// splitPath splits "/a/b/" into ["a", "b", ""]. The root path has no segments.
func splitPath(path string) []string {
	if path == "/" {
		return nil
	}
	return strings.Split(path[1:], "/")
}
