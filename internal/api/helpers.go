package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flowdhq/flowd/pkg/schema"
)

// tenantHeader carries the caller's tenant on every request.
const tenantHeader = "X-Tenant-ID"

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto an HTTP status and a JSON error body.
// FlowError codes keep their code in the body so clients can branch on it.
func writeError(w http.ResponseWriter, err error) {
	var ferr *schema.FlowError
	if !errors.As(err, &ferr) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch ferr.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeDefinitionInvalid, schema.ErrCodeScheduleInvalid, schema.ErrCodeTemplate:
		status = http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeWorkflowNotActive:
		status = http.StatusConflict
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}

	body := map[string]any{"error": ferr.Message, "code": ferr.Code}
	if len(ferr.Details) > 0 {
		body["details"] = ferr.Details
	}
	if ferr.NodeID != "" {
		body["node_id"] = ferr.NodeID
	}
	writeJSON(w, status, body)
}

// tenantID extracts the tenant header; the bool is false when missing and a
// 400 has already been written.
func tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get(tenantHeader)
	if tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing " + tenantHeader + " header",
		})
		return "", false
	}
	return tenant, true
}

// decodeBody decodes a JSON request body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// actor identifies the caller for audit fields, falling back to "api".
func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "api"
}
