package http

// Protocol is the HTTP version spoken on a request or response
type Protocol uint8

const (
	ProtoUnknown Protocol = iota
	HTTP09
	HTTP10
	HTTP11
)

func (p Protocol) String() string {
	switch p {
	case HTTP09:
		return "HTTP/0.9"
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	default:
		return "HTTP/?"
	}
}

// ParseProtocol maps a protocol token such as "HTTP/1.1" to a Protocol
func ParseProtocol(token string) (Protocol, bool) {
	switch token {
	case "HTTP/1.1":
		return HTTP11, true
	case "HTTP/1.0":
		return HTTP10, true
	case "HTTP/0.9":
		return HTTP09, true
	}
	return ProtoUnknown, false
}

// Request methods understood by the parser
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
	MethodTrace   = "TRACE"
	MethodConnect = "CONNECT"
)

// parseMethod returns the canonical method constant for b, or "" when the
// method is not one the server understands. Interning avoids a string
// allocation per request.
func parseMethod(b []byte) string {
	switch string(b) {
	case MethodGet:
		return MethodGet
	case MethodHead:
		return MethodHead
	case MethodPost:
		return MethodPost
	case MethodPut:
		return MethodPut
	case MethodPatch:
		return MethodPatch
	case MethodDelete:
		return MethodDelete
	case MethodOptions:
		return MethodOptions
	case MethodTrace:
		return MethodTrace
	case MethodConnect:
		return MethodConnect
	}
	return ""
}

// BodyRequired reports whether requests with this method must declare a
// Content-Length
func BodyRequired(method string) bool {
	return method == MethodPost || method == MethodPut || method == MethodPatch
}
