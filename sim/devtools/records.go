package devtools

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/pageload-sim/sim/artifact"
)

// NetworkRecord is the lifecycle of one request. Times are milliseconds on the
// protocol's monotonic clock, the same clock trace timestamps use; -1 marks an
// unknown duration input.
type NetworkRecord struct {
	RequestID    string
	URL          string
	Host         string
	Scheme       string
	ResourceType network.ResourceType
	Priority     network.ResourcePriority
	Protocol     string

	StartTime            float64
	ResponseReceivedTime float64
	EndTime              float64

	TransferSize     float64
	ConnectionID     int64
	ConnectionReused bool
	// TTFB is the time from sending the request to receiving response headers.
	TTFB float64
	// ConnectTime is the TCP handshake time when a new connection was opened.
	ConnectTime        float64
	ServerResponseTime float64

	InitiatorType  network.InitiatorType
	InitiatorURL   string
	RedirectSource string
	IsRedirect     bool
	Finished       bool
	Failed         bool
}

// Rebased returns a copy of r with its times measured from originMs.
func (r *NetworkRecord) Rebased(originMs float64) *NetworkRecord {
	c := *r
	c.StartTime -= originMs
	c.ResponseReceivedTime -= originMs
	c.EndTime -= originMs
	return &c
}

// IsSecure reports whether the request used TLS.
func (r *NetworkRecord) IsSecure() bool {
	return r.Scheme == "https" || r.Scheme == "wss"
}

// IsDataURL reports whether the request never touched the network.
func (r *NetworkRecord) IsDataURL() bool {
	return r.Scheme == "data" || r.Scheme == "blob"
}

// NetworkRecords folds a devtools log into network records in request order.
var NetworkRecords = artifact.New("NetworkRecords", func(_ context.Context, _ *artifact.Context, log Log) ([]*NetworkRecord, error) {
	return BuildRecords(log)
})

type recordBuilder struct {
	records []*NetworkRecord
	byID    map[string]*NetworkRecord
}

// clockMs converts a protocol timestamp to milliseconds on the monotonic
// clock, rounded to the microsecond resolution traces share.
func clockMs(ts *cdp.MonotonicTime) (float64, bool) {
	if ts == nil {
		return 0, false
	}
	us := math.Round(float64(ts.Time().Sub(*cdp.MonotonicTimeEpoch)) / float64(time.Microsecond))
	return us / 1000, true
}

// BuildRecords decodes the network events of log and derives server response times.
func BuildRecords(log Log) ([]*NetworkRecord, error) {
	b := &recordBuilder{byID: make(map[string]*NetworkRecord)}
	for i, entry := range log {
		var err error
		switch entry.Method {
		case MethodRequestWillBeSent:
			var ev network.EventRequestWillBeSent
			if err = easyjson.Unmarshal(entry.Params, &ev); err == nil {
				b.onRequest(&ev)
			}
		case MethodResponseReceived:
			var ev network.EventResponseReceived
			if err = easyjson.Unmarshal(entry.Params, &ev); err == nil {
				b.onResponse(&ev)
			}
		case MethodLoadingFinished:
			var ev network.EventLoadingFinished
			if err = easyjson.Unmarshal(entry.Params, &ev); err == nil {
				b.onFinished(&ev)
			}
		case MethodLoadingFailed:
			var ev network.EventLoadingFailed
			if err = easyjson.Unmarshal(entry.Params, &ev); err == nil {
				b.onFailed(&ev)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d (%s): %v", ErrInvalidLog, i, entry.Method, err)
		}
	}

	for _, r := range b.records {
		if !r.Finished && !r.Failed && !r.IsRedirect {
			logrus.Debugf("request %s (%s) never finished; transfer size unknown", r.RequestID, r.URL)
		}
	}
	estimateServerResponseTimes(b.records)
	return b.records, nil
}

func (b *recordBuilder) onRequest(ev *network.EventRequestWillBeSent) {
	id := string(ev.RequestID)
	start, _ := clockMs(ev.Timestamp)

	var redirectSource string
	if prev, ok := b.byID[id]; ok {
		if ev.RedirectResponse == nil {
			logrus.Warnf("duplicate requestWillBeSent for %s; ignoring", id)
			return
		}
		// the redirected request keeps the protocol id; rename the hop
		prev.RequestID = id + ":redirect"
		for b.byID[prev.RequestID] != nil {
			prev.RequestID += ":redirect"
		}
		b.byID[prev.RequestID] = prev
		applyResponse(prev, ev.RedirectResponse)
		prev.ResponseReceivedTime = start
		prev.EndTime = start
		prev.IsRedirect = true
		prev.Finished = true
		prev.TransferSize = ev.RedirectResponse.EncodedDataLength
		redirectSource = prev.RequestID
	}

	r := &NetworkRecord{
		RequestID:            id,
		ResourceType:         ev.Type,
		StartTime:            start,
		ResponseReceivedTime: start,
		EndTime:              start,
		TransferSize:         -1,
		TTFB:                 -1,
		ConnectTime:          -1,
		ServerResponseTime:   -1,
		RedirectSource:       redirectSource,
	}
	if ev.Request != nil {
		r.URL = ev.Request.URL
		r.Priority = ev.Request.InitialPriority
	}
	if u, err := url.Parse(r.URL); err == nil {
		r.Host = u.Host
		r.Scheme = strings.ToLower(u.Scheme)
	}
	if ev.Initiator != nil {
		r.InitiatorType = ev.Initiator.Type
		r.InitiatorURL = ev.Initiator.URL
		if r.InitiatorURL == "" && ev.Initiator.Stack != nil {
			for _, frame := range ev.Initiator.Stack.CallFrames {
				if frame.URL != "" {
					r.InitiatorURL = frame.URL
					break
				}
			}
		}
	}
	b.records = append(b.records, r)
	b.byID[id] = r
}

func (b *recordBuilder) onResponse(ev *network.EventResponseReceived) {
	r, ok := b.byID[string(ev.RequestID)]
	if !ok {
		return
	}
	if at, ok := clockMs(ev.Timestamp); ok {
		r.ResponseReceivedTime = at
		r.EndTime = at
	}
	if ev.Type != "" {
		r.ResourceType = ev.Type
	}
	applyResponse(r, ev.Response)
}

func (b *recordBuilder) onFinished(ev *network.EventLoadingFinished) {
	r, ok := b.byID[string(ev.RequestID)]
	if !ok {
		return
	}
	if at, ok := clockMs(ev.Timestamp); ok {
		r.EndTime = at
	}
	r.TransferSize = ev.EncodedDataLength
	r.Finished = true
}

func (b *recordBuilder) onFailed(ev *network.EventLoadingFailed) {
	r, ok := b.byID[string(ev.RequestID)]
	if !ok {
		return
	}
	if at, ok := clockMs(ev.Timestamp); ok {
		r.EndTime = at
	}
	r.Failed = true
	r.TransferSize = 0
	logrus.Debugf("request %s failed: %s", r.URL, ev.ErrorText)
}

func applyResponse(r *NetworkRecord, resp *network.Response) {
	if resp == nil {
		return
	}
	r.Protocol = resp.Protocol
	r.ConnectionID = int64(resp.ConnectionID)
	r.ConnectionReused = resp.ConnectionReused
	if t := resp.Timing; t != nil {
		if t.ReceiveHeadersEnd >= 0 && t.SendEnd >= 0 {
			r.TTFB = t.ReceiveHeadersEnd - t.SendEnd
		}
		if t.ConnectStart >= 0 && t.ConnectEnd >= 0 && !resp.ConnectionReused {
			end := t.ConnectEnd
			if t.SslStart >= 0 {
				end = t.SslStart
			}
			if end > t.ConnectStart {
				r.ConnectTime = end - t.ConnectStart
			}
		}
	}
}

// estimateServerResponseTimes subtracts each host's estimated round trip from
// the observed time to first byte.
func estimateServerResponseTimes(records []*NetworkRecord) {
	rttByHost := make(map[string]float64)
	for _, r := range records {
		if r.ConnectTime <= 0 {
			continue
		}
		if rtt, ok := rttByHost[r.Host]; !ok || r.ConnectTime < rtt {
			rttByHost[r.Host] = r.ConnectTime
		}
	}
	for _, r := range records {
		if r.TTFB < 0 {
			continue
		}
		r.ServerResponseTime = max(r.TTFB-rttByHost[r.Host], 0)
	}
}

// MainDocument returns the first document request (the head of any redirect
// chain), falling back to the first request.
func MainDocument(records []*NetworkRecord) (*NetworkRecord, bool) {
	for _, r := range records {
		if r.ResourceType == network.ResourceTypeDocument {
			return r, true
		}
	}
	if len(records) == 0 {
		return nil, false
	}
	return records[0], true
}
