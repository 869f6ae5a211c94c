package result

import (
	"errors"
	"time"
)

var ErrMissingPackage = errors.New("client info: missing package")

// ClientInfo identifies one build attempt. It is constructed by the build
// client at the end of a run and is read-only once submitted.
type ClientInfo struct {
	Package  string   `json:"package"`
	Host     string   `json:"host"`
	Arch     string   `json:"arch"`
	Tags     []string `json:"tags"`
	Success  bool     `json:"success"`
	Duration float64  `json:"duration"` // seconds
}

// Validate reports whether the client info carries the required fields.
// Package is the only hard requirement; host and arch may legitimately be
// empty for clients that suppress them.
func (ci *ClientInfo) Validate() error {
	if ci.Package == "" {
		return ErrMissingPackage
	}
	return nil
}

// Receipt is the server-assigned metadata wrapping a submission.
// Time is epoch seconds with a fractional part.
type Receipt struct {
	Time      float64 `json:"time"`
	ClientIP  string  `json:"client_ip"`
	ResultKey int64   `json:"result_key"`
}

// SubmittedAt converts the receipt's epoch-seconds timestamp to a time.Time.
func (r *Receipt) SubmittedAt() time.Time {
	sec := int64(r.Time)
	nsec := int64((r.Time - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// StepResult is the opaque per-step payload reported by a build client,
// typically status code, stdout/stderr text, step name/type and duration.
type StepResult map[string]any

// Record is the stored unit: one submission's receipt, client identity and
// ordered step results. Records are created once and never mutated.
type Record struct {
	Receipt    Receipt      `json:"receipt"`
	ClientInfo ClientInfo   `json:"client_info"`
	Results    []StepResult `json:"results"`
}
