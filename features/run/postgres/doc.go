// Package postgres implements the run store on PostgreSQL.
//
// Admission control serializes on a dedicated lock row: DispatchPending,
// ReserveSlot and Recover each take the row lock inside their transaction, so
// counting running runs and flipping statuses is atomic across every process
// sharing the database.
package postgres
