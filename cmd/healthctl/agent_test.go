package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvoke(t *testing.T) {
	var got invokeRequest
	var sessionHdr string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invocations", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		sessionHdr = r.Header.Get(sessionHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"BP is stable.","session_id":"s-1","patient_context":{"patient_id":"p-1","source":"explicit"},"tool_calls":["get_patient_records"]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := invoke(context.Background(), srv.Client(), srv.URL+"/", invokeRequest{Prompt: "vitals?", SessionID: "s-1", PatientID: "p-1"}, false, &out)
	require.NoError(t, err)
	require.Equal(t, invokeRequest{Prompt: "vitals?", SessionID: "s-1", PatientID: "p-1"}, got)
	require.Equal(t, "s-1", sessionHdr)
	require.Contains(t, out.String(), "BP is stable.")
	require.Contains(t, out.String(), "patient: p-1 (explicit)")
	require.Contains(t, out.String(), "tools:   get_patient_records")
}

func TestInvoke_RawAndErrors(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"INVALID_INPUT","reason":"empty_prompt"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, invoke(context.Background(), srv.Client(), srv.URL, invokeRequest{Prompt: "x"}, true, &out))
	require.Equal(t, `{"error":"INVALID_INPUT","reason":"empty_prompt"}`+"\n", out.String())

	status = http.StatusBadRequest
	err := invoke(context.Background(), srv.Client(), srv.URL, invokeRequest{Prompt: "x"}, false, &out)
	require.ErrorContains(t, err, "empty_prompt")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ping", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"Healthy","time_of_last_update":0}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, ping(context.Background(), srv.Client(), srv.URL, &out))
	require.Equal(t, "Healthy (since 1970-01-01T00:00:00Z)\n", out.String())
}
