package offlinecache

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/didit-app/offline-cache/cache"
	cachekey "github.com/didit-app/offline-cache/pkg/cache-key"
	serializer "github.com/didit-app/offline-cache/pkg/response-serializer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults baked into the Didit application.
const (
	DefaultVersion      = "didit-cache-v1"
	DefaultAPIPrefix    = "/api/"
	DefaultFallbackPath = "/static/index.html"
)

// DefaultShell is the app shell seeded into a new cache generation on
// install: the minimum set of resources needed to render Didit offline.
var DefaultShell = []string{
	"/",
	"/static/index.html",
	"/static/manifest.webmanifest",
	"/static/icons/ICON.jpg",
}

type Config struct {
	// Storage for cache generations.
	Cache cache.Provider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Name of the current cache generation, e.g. "didit-cache-v1".
	// It is the single source of truth used both to seed a new generation
	// and to decide which existing generations are stale.
	Version string
	// App shell paths fetched from the origin and stored on install.
	Shell []string
	// Path prefix routed with the network-first strategy.
	APIPrefix string
	// Shell entry served to navigations when the origin is unreachable.
	FallbackPath string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Agent struct {
	cache        cache.Provider
	generation   cache.Generation
	keyer        cachekey.Keyer
	log          zerolog.Logger
	version      string
	shell        []string
	apiPrefix    string
	fallbackPath string
	originURL    url.URL
	originHost   string
	httpClient   http.Client
}

// New initializes the offline cache agent.
// It opens the current cache generation and sets up the origin HTTP client.
func New(config Config) *Agent {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	if config.Version == "" {
		config.Version = DefaultVersion
	}
	if len(config.Shell) == 0 {
		config.Shell = DefaultShell
	}
	if config.APIPrefix == "" {
		config.APIPrefix = DefaultAPIPrefix
	}
	if config.FallbackPath == "" {
		config.FallbackPath = DefaultFallbackPath
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("generation", config.Version).
		Logger()

	a := &Agent{
		cache:        config.Cache,
		generation:   config.Cache.Open(config.Version),
		keyer:        cachekey.NewKeyer(),
		log:          logger,
		version:      config.Version,
		shell:        config.Shell,
		apiPrefix:    config.APIPrefix,
		fallbackPath: config.FallbackPath,
		originURL:    config.OriginURL,
		originHost:   config.OriginHost,
		httpClient: http.Client{
			// do not follow redirects, relay them to the client as-is
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	// use provided hostname for origin if configured
	if a.originHost != "" {
		a.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: a.originHost,
			},
		}
	}

	return a
}

type route int

const (
	routePassThrough route = iota
	routeNetworkFirst
	routeCacheFirst
)

// classify is a total function of the request method and URL path.
// Query strings and fragments do not matter.
func (a *Agent) classify(r *http.Request) route {
	if r.Method != http.MethodGet {
		return routePassThrough
	}
	if strings.HasPrefix(r.URL.Path, a.apiPrefix) {
		return routeNetworkFirst
	}
	return routeCacheFirst
}

// ServeHTTP implements the http.Handler interface.
// Every request is classified and dispatched to exactly one strategy.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := a.log.With().
		Str("request_id", uuid.NewString()).
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Logger()

	switch a.classify(r) {
	case routePassThrough:
		a.passThrough(w, r, log)
	case routeNetworkFirst:
		a.networkFirst(w, r, log)
	case routeCacheFirst:
		a.cacheFirst(w, r, log)
	}
}

// passThrough relays the request to the origin untouched.
// The cache is never read or written for these requests.
func (a *Agent) passThrough(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	var cs cacheStatus
	cs.Forward(fwdReasonMethod)

	res, err := a.fetch(r)
	if err != nil {
		log.Error().Err(err).Msg("Could not reach origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	a.relay(w, res, log)
	logRequest(log, cs)
}

// networkFirst prefers a live origin response and never caches it.
// A resolved response counts as success regardless of HTTP status: API error
// statuses are relayed as-is rather than masked with a stale cached success.
// Only when the origin is unreachable is the cache consulted.
func (a *Agent) networkFirst(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	var cs cacheStatus

	res, err := a.fetch(r)
	if err == nil {
		cs.Forward(fwdReasonRequest)
		a.relay(w, res, log)
		logRequest(log, cs)
		return
	}
	log.Debug().Err(err).Msg("Origin unreachable, trying cache")

	key := a.keyer.ForRequest(r)
	if stored, ok := a.match(key, log); ok {
		cs.Hit()
		a.relay(w, stored.Response, log)
		logRequest(log, cs)
		return
	}
	cs.Forward(fwdReasonMiss)
	logRequest(log, cs)
	http.Error(w, "Could not connect to origin", http.StatusBadGateway)
}

// cacheFirst serves a stored response when one exists. A cache hit performs
// no network activity at all. On a miss the origin is fetched once and the
// response is refilled into the current generation in the background. When
// the origin is unreachable, navigations get the stored fallback document.
func (a *Agent) cacheFirst(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	var cs cacheStatus
	key := a.keyer.ForRequest(r)

	if stored, ok := a.match(key, log); ok {
		cs.Hit()
		a.relay(w, stored.Response, log)
		logRequest(log, cs)
		return
	}
	cs.Forward(fwdReasonMiss)

	res, err := a.fetch(r)
	if err == nil {
		b, serr := serializer.StoredResponseToBytes(serializer.StoredResponse{
			Response: res,
			StoredAt: time.Now(),
		})
		a.relay(w, res, log)
		logRequest(log, cs)
		if serr != nil {
			log.Error().Err(serr).Str("key", key).Msg("Could not serialize response")
			return
		}
		// refill in the background, the client must not wait for the write
		go a.store(key, b, log)
		return
	}
	log.Debug().Err(err).Msg("Origin unreachable")

	if isNavigation(r) {
		if stored, ok := a.match(a.keyer.ForPath(a.fallbackPath), log); ok {
			cs.Hit()
			cs.Detail("fallback")
			a.relay(w, stored.Response, log)
			logRequest(log, cs)
			return
		}
	}
	logRequest(log, cs)
	http.Error(w, "Could not connect to origin", http.StatusBadGateway)
}

// isNavigation reports whether the request loads a top-level document.
// Browsers mark navigations with fetch metadata; the Accept check covers
// clients that do not send it.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// match looks up a key in the current generation and decodes the entry.
func (a *Agent) match(key string, log zerolog.Logger) (serializer.StoredResponse, bool) {
	b, ok, err := a.generation.Match(key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return serializer.StoredResponse{}, false
	}
	if !ok {
		return serializer.StoredResponse{}, false
	}
	stored, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not decode stored response")
		return serializer.StoredResponse{}, false
	}
	return stored, true
}

// store writes a serialized response into the current generation.
// Failures end up in the log only, never in a client response.
func (a *Agent) store(key string, b []byte, log zerolog.Logger) {
	if err := a.generation.Put(key, b); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	log.Trace().Str("key", key).Msg("Cache write")
}

// fetch the resource specified in the incoming request from the origin
func (a *Agent) fetch(r *http.Request) (*http.Response, error) {
	uri := a.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.Host = a.originHost
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	return a.httpClient.Do(req)
}

// relay writes a response out to the client.
func (a *Agent) relay(w http.ResponseWriter, res *http.Response, log zerolog.Logger) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
