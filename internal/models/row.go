package models

import "time"

// RowStatus is the outcome recorded for one spreadsheet row.
type RowStatus string

const (
	RowInvalid            RowStatus = "invalid"
	RowVerificationFailed RowStatus = "verification_failed"
	RowVerified           RowStatus = "verified"
	RowImported           RowStatus = "imported"
	RowDBFailed           RowStatus = "db_failed"
)

// Final reports whether the row needs no further work.
func (s RowStatus) Final() bool {
	return s != RowVerified && s != ""
}

// Failed reports whether the row counts against rows_failed.
func (s RowStatus) Failed() bool {
	return s == RowInvalid || s == RowVerificationFailed || s == RowDBFailed
}

// RowResult is the persisted per-row outcome of a job.
type RowResult struct {
	JobID          string    `json:"job_id"`
	RowNumber      int       `json:"row_number"`
	IDNumber       string    `json:"id_number"`
	FirstName      string    `json:"first_name"`
	Surname        string    `json:"surname"`
	Status         RowStatus `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	VotingDistrict string    `json:"voting_district,omitempty"`
	WardCode       string    `json:"ward_code,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
