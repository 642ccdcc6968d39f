// Package devtools folds a captured devtools protocol log into network records
// aligned with the trace's page load.
package devtools

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidLog reports a devtools log that cannot be decoded.
var ErrInvalidLog = errors.New("invalid devtools log")

// Protocol methods consumed from the log.
const (
	MethodRequestWillBeSent = "Network.requestWillBeSent"
	MethodResponseReceived  = "Network.responseReceived"
	MethodLoadingFinished   = "Network.loadingFinished"
	MethodLoadingFailed     = "Network.loadingFailed"
)

// Entry is one protocol event as captured from the session.
type Entry struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Log is the ordered list of protocol events of one page load.
type Log []Entry

// Load decodes a JSON array of protocol events.
func Load(r io.Reader) (Log, error) {
	var log Log
	if err := json.NewDecoder(r).Decode(&log); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	return log, nil
}
