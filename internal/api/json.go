package api

import (
    "encoding/json"
    "fmt"
    "io"
    "net/http"
)

const maxBodyBytes = 1 << 20

// Problem represents an RFC7807 problem details response body.
type Problem struct {
    Type     string `json:"type"`
    Title    string `json:"title"`
    Status   int    `json:"status"`
    Detail   string `json:"detail,omitempty"`
    Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
    w.Header().Set("Content-Type", "application/problem+json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(Problem{
        Type:     "about:blank",
        Title:    title,
        Status:   status,
        Detail:   detail,
        Instance: instance,
    })
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(r *http.Request) ([]byte, error) {
    b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
    if err != nil {
        return nil, err
    }
    if len(b) > maxBodyBytes {
        return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
    }
    return b, nil
}

// decodeJSON strictly decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
    dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
    dec.DisallowUnknownFields()
    return dec.Decode(v)
}
