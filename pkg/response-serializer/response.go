package serializer

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Didit-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
}

// BytesToStoredResponse converts previously serialized bytes back into a
// stored response. The stored-at header is stripped from the result.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	if storedAtInt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.Unix(storedAtInt, 0)
	}
	res.Header.Del(storedAtHeaderName)
	sRes.Response = res
	return sRes, nil
}

// StoredResponseToBytes converts a stored response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// Serializing consumes the response body, so the body is restored from the
// serialized bytes afterwards: the response can still be written to a client.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	buf := &bytes.Buffer{}
	err := res.Write(buf)
	res.Header.Del(storedAtHeaderName)
	if err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}
