// Package postgres implements the run event log on PostgreSQL.
//
// Sequence assignment serializes on the run row: AppendBatch locks it with
// SELECT ... FOR UPDATE, reads the run's current maximum sequence and writes
// the batch contiguously after it.
package postgres
