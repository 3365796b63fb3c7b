package crm

import "github.com/google/uuid"

// NewRunID mints the ingestion-run identifier. It is created once at process
// start and passed explicitly through every call that writes staging or audit
// rows, so one run's records can be correlated without ambient state.
func NewRunID() string {
	return uuid.NewString()
}
