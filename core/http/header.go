package http

import "strings"

// HTTP header names used by the engine
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderConnection    = "Connection"
	HeaderDate          = "Date"
	HeaderServer        = "Server"
	HeaderHost          = "Host"
)

// Header is a single name/value pair as it appeared on the wire
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Lookups are case-insensitive.
type Headers []Header

// Get returns the value of the first header called name
func (h Headers) Get(name string) string {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value
		}
	}
	return ""
}

// Has reports whether a header called name is present
func (h Headers) Has(name string) bool {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of the headers called name, in order
func (h Headers) Values(name string) []string {
	var values []string
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			values = append(values, h[i].Value)
		}
	}
	return values
}

// Add appends a header
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces every header called name with a single one
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every header called name
func (h *Headers) Del(name string) {
	kept := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Name, name) {
			kept = append(kept, hdr)
		}
	}
	clear((*h)[len(kept):])
	*h = kept
}

// Reset empties the list, keeping its capacity
func (h *Headers) Reset() {
	clear(*h)
	*h = (*h)[:0]
}
