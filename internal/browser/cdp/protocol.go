// Package cdp drives a Chromium browser over the DevTools protocol and
// exposes it as a session.Browser.
package cdp

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/galois26/page-weight-monitor/internal/model"
)

var codec = sonic.ConfigStd

type request struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

// message is any frame sent by the browser: a reply (ID set) or an event.
type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
}

// ProtocolError is an error reply to a command.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp %d: %s", e.Code, e.Message)
}

// Event and command payloads. Only the fields in use are declared.

type responseReceived struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
	Response  struct {
		URL    string  `json:"url"`
		Status float64 `json:"status"`
	} `json:"response"`
}

type dataReceived struct {
	RequestID         string `json:"requestId"`
	DataLength        int64  `json:"dataLength"`
	EncodedDataLength int64  `json:"encodedDataLength"`
}

type loadingFinished struct {
	RequestID         string  `json:"requestId"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

type lifecycleEvent struct {
	FrameID  string `json:"frameId"`
	LoaderID string `json:"loaderId"`
	Name     string `json:"name"`
}

type requestPaused struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL string `json:"url"`
	} `json:"request"`
}

type navigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId"`
	ErrorText string `json:"errorText"`
}

type fetchPattern struct {
	URLPattern string `json:"urlPattern"`
}

// logicalLoad maps a Network.responseReceived event.
func logicalLoad(ev responseReceived) model.LogicalLoadEvent {
	status := ev.Response.Status
	if status < 0 || status > 65535 {
		status = 0
	}
	return model.LogicalLoadEvent{
		RequestID:    ev.RequestID,
		URL:          ev.Response.URL,
		Status:       uint16(status),
		ResourceType: ev.Type,
	}
}

// byteTotals accumulates per-request transfer sizes so every emitted
// TransportByteEvent carries the running total.
type byteTotals map[string]*model.TransportByteEvent

func (t byteTotals) data(ev dataReceived) model.TransportByteEvent {
	cur := t.get(ev.RequestID)
	cur.EncodedLength += nonNegative(ev.EncodedDataLength)
	cur.RawLength += nonNegative(ev.DataLength)
	return *cur
}

// finished applies the browser's final encoded total, which also covers
// bytes that never surfaced as Network.dataReceived.
func (t byteTotals) finished(ev loadingFinished) model.TransportByteEvent {
	cur := t.get(ev.RequestID)
	if enc := nonNegative(int64(ev.EncodedDataLength)); enc > 0 {
		cur.EncodedLength = enc
	}
	return *cur
}

func (t byteTotals) get(id string) *model.TransportByteEvent {
	cur, ok := t[id]
	if !ok {
		cur = &model.TransportByteEvent{RequestID: id}
		t[id] = cur
	}
	return cur
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
