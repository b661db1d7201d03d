package offlinecache

import (
	"fmt"

	"github.com/rs/zerolog"
)

type cacheStatusStatus string

const (
	cacheStatusHit cacheStatusStatus = "hit"
	cacheStatusFwd cacheStatusStatus = "fwd"
)

type cacheStatusFwdReason string

const (
	// The request method's semantics require the request to be forwarded.
	fwdReasonMethod cacheStatusFwdReason = "method"

	// The cache did not contain any response that matched the
	// request identity.
	fwdReasonMiss cacheStatusFwdReason = "miss"

	// The request's semantics did not allow a stored response to be
	// used: network-first requests are always forwarded.
	fwdReasonRequest cacheStatusFwdReason = "request"
)

// cacheStatus records how the agent handled a request, in the vocabulary of
// the Cache-Status header (RFC 9211). It only ever reaches the logs: the
// relayed responses stay byte-for-byte identical to their source.
type cacheStatus struct {
	status    cacheStatusStatus
	detail    string
	fwdReason cacheStatusFwdReason
}

func (cs *cacheStatus) Hit() {
	cs.status = cacheStatusHit
	cs.fwdReason = ""
}

func (cs *cacheStatus) Forward(reason cacheStatusFwdReason) {
	cs.status = cacheStatusFwd
	cs.fwdReason = reason
}

func (cs *cacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs cacheStatus) String() string {
	status := fmt.Sprintf("Offline-Cache; %s", cs.status)
	if cs.status == cacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

func logRequest(log zerolog.Logger, cs cacheStatus) {
	isHit := 0
	if cs.status == cacheStatusHit {
		isHit = 1
	}
	log.Debug().
		Str("status", string(cs.status)).
		Str("fwd", string(cs.fwdReason)).
		Str("cache_status", cs.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}
