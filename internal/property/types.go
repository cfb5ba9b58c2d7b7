// Package property holds the auction property records the collaboration
// layer mutates: the persistence collaborator behind the session coordinator.
package property

import (
	"errors"
	"time"
)

// Record is one auction property, keyed by its court case number. Analysis
// fields (recommendation, max bid, notes, ...) are a flat string map; the
// coordinator treats them as opaque.
type Record struct {
	CaseNo    string            `json:"case_no"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

var (
	ErrNotFound     = errors.New("property: not found")
	ErrInvalidField = errors.New("property: invalid field")
)
