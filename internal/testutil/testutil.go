// Package testutil provides common test helpers for FlowPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// FlowSaver is the part of store.Store the fixtures need.
type FlowSaver interface {
	SaveFlow(ctx context.Context, flow models.Flow, nodes []models.Node) error
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rr *httptest.ResponseRecorder, context string) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("%s: expected status %d, got %d (body %q)", context, expected, rr.Code, rr.Body.String())
	}
}

// DecodeAPIResponse decodes a JSON API response and validates its status field.
func DecodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if resp.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, resp.Status, resp.Message)
	}
	return resp
}

// CreateJSONRequest creates an HTTP request with an optional JSON body.
func CreateJSONRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Serve runs req against h and returns the recorded response.
func Serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// Node builds a node whose properties are props encoded as JSON.
func Node(t *testing.T, id string, kind models.NodeKind, props any, conns ...models.Connection) models.Node {
	t.Helper()
	n := models.Node{ID: id, Kind: kind, Connections: conns}
	if props != nil {
		raw, err := json.Marshal(props)
		if err != nil {
			t.Fatalf("marshal properties for node %s: %v", id, err)
		}
		n.Properties = raw
	}
	return n
}

// To is an unconditional connection to target.
func To(target string) models.Connection {
	return models.Connection{Target: target}
}

// KeywordFlow is an active flow triggered by keyword.
func KeywordFlow(id, keyword string) models.Flow {
	return models.Flow{ID: id, Name: id, TriggerType: models.TriggerKeyword, TriggerValue: keyword, Active: true}
}

// SaveFlow stores f with nodes. The first node is the entry point unless f names one.
func SaveFlow(t *testing.T, st FlowSaver, f models.Flow, nodes ...models.Node) {
	t.Helper()
	if f.FirstNodeID == "" && len(nodes) > 0 {
		f.FirstNodeID = nodes[0].ID
	}
	if err := st.SaveFlow(context.Background(), f, nodes); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
}
