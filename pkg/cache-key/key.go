package cachekey

import (
	"net/http"
)

const methodSeparator = ":"

// Keyer derives cache keys for requests.
// The key is the request identity: method plus request URI.
// The query string is part of the identity; fragments never reach the server.
type Keyer struct{}

func NewKeyer() Keyer {
	return Keyer{}
}

// ForRequest returns the cache key for a request.
func (k Keyer) ForRequest(r *http.Request) string {
	return r.Method + methodSeparator + r.URL.RequestURI()
}

// ForPath returns the cache key a GET request for the given path would get.
// This is the key shell entries are stored under at install time.
func (k Keyer) ForPath(path string) string {
	return http.MethodGet + methodSeparator + path
}
