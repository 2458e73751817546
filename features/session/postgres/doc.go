// Package postgres implements the session store on PostgreSQL.
//
// Sequence assignment serializes on the session row: Append, PopItem and
// Clear lock it with SELECT ... FOR UPDATE before touching the item log, so
// concurrent appenders always observe the true maximum sequence.
package postgres
