package aggregation

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerInitSubmitStatusResultFlow(t *testing.T) {
	svc := New(Options{VerifyOnSubmit: true}, nil)
	srv := NewServer(svc, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	output := []byte("consensus-output")
	initBody, err := json.Marshal(map[string]any{
		"service_id":     3,
		"call_id":        300,
		"output_hex":     hex.EncodeToString(output),
		"operator_count": 2,
		"threshold":      map[string]any{"kind": "count", "count": 2},
	})
	require.NoError(t, err)
	resp := doJSON(t, ts.URL, http.MethodPost, "/v1/tasks", initBody)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := signingMessage(3, 300, output)
	sec1, pub1 := testKeypair(t, 1)
	sig1 := testSign(t, sec1, msg)
	sec2, pub2 := testKeypair(t, 2)
	sig2 := testSign(t, sec2, msg)

	submit1, err := json.Marshal(map[string]any{
		"operator_index": 0,
		"output_hex":     hex.EncodeToString(output),
		"signature_hex":  hex.EncodeToString(sig1),
		"public_key_hex": hex.EncodeToString(pub1),
	})
	require.NoError(t, err)
	resp = doJSON(t, ts.URL, http.MethodPost, "/v1/tasks/3/300/signatures", submit1)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	submit2, err := json.Marshal(map[string]any{
		"operator_index": 1,
		"output_hex":     hex.EncodeToString(output),
		"signature_hex":  hex.EncodeToString(sig2),
		"public_key_hex": hex.EncodeToString(pub2),
	})
	require.NoError(t, err)
	resp = doJSON(t, ts.URL, http.MethodPost, "/v1/tasks/3/300/signatures", submit2)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	statusResp := doJSON(t, ts.URL, http.MethodGet, "/v1/tasks/3/300", nil)
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	var status map[string]any
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, true, status["threshold_met"])
	assert.Equal(t, true, status["completed"])

	resultResp := doJSON(t, ts.URL, http.MethodGet, "/v1/tasks/3/300/result?operator_count=2", nil)
	require.Equal(t, http.StatusOK, resultResp.StatusCode)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resultResp.Body).Decode(&result))
	assert.NotEmpty(t, result["aggregated_signature_hex"])
	assert.NotEmpty(t, result["aggregated_pubkey_hex"])

	submittedResp := doJSON(t, ts.URL, http.MethodPost, "/v1/tasks/3/300/submitted", nil)
	assert.Equal(t, http.StatusOK, submittedResp.StatusCode)

	afterSubmit := doJSON(t, ts.URL, http.MethodPost, "/v1/tasks/3/300/signatures", submit1)
	assert.NotEqual(t, http.StatusOK, afterSubmit.StatusCode)
}

func TestServerStatusNotFound(t *testing.T) {
	svc := New(Options{}, nil)
	srv := NewServer(svc, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doJSON(t, ts.URL, http.MethodGet, "/v1/tasks/9/9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func doJSON(t *testing.T, base, method, path string, body []byte) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, base+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
