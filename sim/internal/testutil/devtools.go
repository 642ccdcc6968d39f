package testutil

import (
	"github.com/inference-sim/pageload-sim/sim/devtools"
)

// ClockOriginMs is the monotonic clock reading fixture request times are
// offset from. Traces built with TimeOrigin: ClockOriginMs navigate at the
// instant a request with Start 0 is sent.
const ClockOriginMs = 1_000_000.0

// TestRequest describes one request of a synthetic devtools log. Times are in
// milliseconds from ClockOriginMs.
type TestRequest struct {
	ID           string
	URL          string
	Type         string
	Priority     string
	Start        float64
	ResponseAt   float64
	End          float64
	TransferSize float64
	Protocol     string
	ConnectionID int
	Reused       bool
	// ConnectMs and TTFBMs populate the response timing when non-zero.
	ConnectMs float64
	TTFBMs    float64
	// Initiator is the URL of the parser or script that issued the request.
	Initiator     string
	InitiatorType string
	// RedirectFrom is the URL of the hop that redirected to this request; the
	// hop must be the preceding request with the same ID.
	RedirectFrom string
	Failed       bool
	// Unfinished omits the loadingFinished event.
	Unfinished bool
}

func seconds(ms float64) float64 { return (ClockOriginMs + ms) / 1000 }

func responseJSON(r TestRequest) map[string]any {
	resp := map[string]any{
		"url":               r.URL,
		"status":            200,
		"statusText":        "OK",
		"headers":           map[string]any{},
		"mimeType":          "text/html",
		"connectionReused":  r.Reused,
		"connectionId":      r.ConnectionID,
		"encodedDataLength": 0,
		"protocol":          r.Protocol,
		"securityState":     "secure",
	}
	if r.ConnectMs > 0 || r.TTFBMs > 0 {
		connectStart, connectEnd := -1.0, -1.0
		if r.ConnectMs > 0 && !r.Reused {
			connectStart, connectEnd = 1, 1+r.ConnectMs
		}
		sendEnd := max(connectEnd, 1) + 0.5
		resp["timing"] = map[string]any{
			"requestTime":       seconds(r.Start),
			"proxyStart":        -1,
			"proxyEnd":          -1,
			"dnsStart":          -1,
			"dnsEnd":            -1,
			"connectStart":      connectStart,
			"connectEnd":        connectEnd,
			"sslStart":          -1,
			"sslEnd":            -1,
			"workerStart":       -1,
			"workerReady":       -1,
			"workerFetchStart":  -1,
			"sendStart":         sendEnd - 0.5,
			"sendEnd":           sendEnd,
			"pushStart":         0,
			"pushEnd":           0,
			"receiveHeadersEnd": sendEnd + r.TTFBMs,
		}
	}
	return resp
}

// CreateDevtoolsLog builds a protocol log with one lifecycle per request in order.
func CreateDevtoolsLog(requests ...TestRequest) devtools.Log {
	var log devtools.Log
	add := func(method string, params map[string]any) {
		log = append(log, devtools.Entry{Method: method, Params: rawArgs(params)})
	}

	for i, r := range requests {
		typ := r.Type
		if typ == "" {
			typ = "Other"
		}
		priority := r.Priority
		if priority == "" {
			priority = "High"
		}
		initiator := map[string]any{"type": "other"}
		if r.Initiator != "" {
			initType := r.InitiatorType
			if initType == "" {
				initType = "parser"
			}
			initiator = map[string]any{"type": initType, "url": r.Initiator}
		}
		params := map[string]any{
			"requestId":   r.ID,
			"loaderId":    "loader-1",
			"documentURL": "https://example.com/",
			"request": map[string]any{
				"url":             r.URL,
				"method":          "GET",
				"headers":         map[string]any{},
				"initialPriority": priority,
				"referrerPolicy":  "strict-origin-when-cross-origin",
			},
			"timestamp":            seconds(r.Start),
			"wallTime":             1_600_000_000 + r.Start/1000,
			"initiator":            initiator,
			"redirectHasExtraInfo": false,
			"type":                 typ,
		}
		if r.RedirectFrom != "" && i > 0 {
			hop := requests[i-1]
			redirect := responseJSON(hop)
			redirect["status"] = 302
			redirect["encodedDataLength"] = hop.TransferSize
			params["redirectResponse"] = redirect
		}
		add(devtools.MethodRequestWillBeSent, params)

		// a hop that redirects is completed by the next requestWillBeSent
		if i+1 < len(requests) && requests[i+1].RedirectFrom == r.URL && requests[i+1].ID == r.ID {
			continue
		}

		add(devtools.MethodResponseReceived, map[string]any{
			"requestId":    r.ID,
			"loaderId":     "loader-1",
			"timestamp":    seconds(r.ResponseAt),
			"type":         typ,
			"response":     responseJSON(r),
			"hasExtraInfo": false,
		})
		switch {
		case r.Failed:
			add(devtools.MethodLoadingFailed, map[string]any{
				"requestId": r.ID,
				"timestamp": seconds(r.End),
				"type":      typ,
				"errorText": "net::ERR_FAILED",
				"canceled":  false,
			})
		case !r.Unfinished:
			add(devtools.MethodLoadingFinished, map[string]any{
				"requestId":         r.ID,
				"timestamp":         seconds(r.End),
				"encodedDataLength": r.TransferSize,
			})
		}
	}
	return log
}
