// Package statusdb is the client for the external delivery status store: a
// document database keyed by project id and by project+sample id. Updates are
// partial merges of named fields, never whole-document replacement, and
// status transitions that act as concurrency guards use revision-conditioned
// writes where the backing store supports them.
package statusdb

import "time"

// DeliveryStatus enumerates the delivery lifecycle of a unit.
type DeliveryStatus string

const (
	NotDelivered DeliveryStatus = "NOT_DELIVERED"
	InProgress   DeliveryStatus = "IN_PROGRESS"
	Staged       DeliveryStatus = "STAGED"
	Delivered    DeliveryStatus = "DELIVERED"
	Failed       DeliveryStatus = "FAILED"
	Partial      DeliveryStatus = "PARTIAL"
)

// Sample and analysis states consumed by the delivery guards.
const (
	SampleFresh    = "FRESH"
	SampleAborted  = "ABORTED"
	AnalysisToRun  = "TO_ANALYZE"
	AnalysisDone   = "ANALYZED"
	AnalysisFailed = "FAILED"
)

// NoToken is the sentinel stored when a unit has no pending asynchronous
// transfer.
const NoToken = "NO-TOKEN"

// Document field names used in partial updates.
const (
	FieldDeliveryStatus   = "delivery_status"
	FieldDeliveryToken    = "delivery_token"
	FieldDeliveryProjects = "delivery_projects"
	FieldDeliveryStarted  = "delivery_started"
	FieldDeliveredFiles   = "delivered_files"
)

// ProjectEntry is the status document for a project.
type ProjectEntry struct {
	ProjectID        string
	Name             string
	UppnexID         string
	DeliveryStatus   DeliveryStatus
	DeliveryToken    string
	DeliveryProjects []string
	DeliveryStarted  time.Time

	rev string
}

// SampleEntry is the status document for one sample of a project.
type SampleEntry struct {
	ProjectID        string
	SampleID         string
	SampleStatus     string
	AnalysisStatus   string
	DeliveryStatus   DeliveryStatus
	DeliveryToken    string
	DeliveryProjects []string
	DeliveryStarted  time.Time

	rev string
}

// DeliveryStatusOrDefault returns the stored delivery status, defaulting to
// NOT_DELIVERED when the field has never been set.
func (e SampleEntry) DeliveryStatusOrDefault() DeliveryStatus {
	if e.DeliveryStatus == "" {
		return NotDelivered
	}
	return e.DeliveryStatus
}

// HasDeliveryStatus reports whether the field was ever written. Aborted
// samples with no prior delivery attempt keep the field unset.
func (e SampleEntry) HasDeliveryStatus() bool {
	return e.DeliveryStatus != ""
}

// SampleStatusOrDefault returns the sample status, defaulting to FRESH.
func (e SampleEntry) SampleStatusOrDefault() string {
	if e.SampleStatus == "" {
		return SampleFresh
	}
	return e.SampleStatus
}

// AnalysisStatusOrDefault returns the analysis status, defaulting to
// TO_ANALYZE.
func (e SampleEntry) AnalysisStatusOrDefault() string {
	if e.AnalysisStatus == "" {
		return AnalysisToRun
	}
	return e.AnalysisStatus
}

// HasPendingToken reports whether the entry carries a live delivery token.
func hasPendingToken(token string) bool {
	return token != "" && token != NoToken
}

// PendingToken reports whether the project has an asynchronous transfer in
// flight.
func (e ProjectEntry) PendingToken() bool {
	return hasPendingToken(e.DeliveryToken)
}

// DerivedStatus computes the project-level delivery status from the stored
// fields: a live token means a delivery is in flight, an explicit DELIVERED
// flag wins next, a non-empty delivery-project history means at least one
// partial delivery happened.
func (e ProjectEntry) DerivedStatus() DeliveryStatus {
	if e.PendingToken() {
		return InProgress
	}
	if e.DeliveryStatus == Delivered {
		return Delivered
	}
	if len(e.DeliveryProjects) > 0 {
		return Partial
	}
	return NotDelivered
}
