/*
Package store is the catalog store: the single owner of persisted
challenges, teams, relations, exploits, runs, rounds, jobs, flags,
containers, runners and settings.

The Store interface is the contract the scheduler, container pool and API
consume; Postgres implements it on a pgx connection pool, with the schema
managed by embedded goose migrations. Every operation either succeeds
atomically or surfaces an error; rows that do not exist map to
ErrNotFound.

Noteworthy semantics: challenge and team priorities are clamped to [0,99]
on write; ReorderJobs only touches jobs that are still pending;
ResetStaleJobs flips jobs left running by a dead process to stopped with a
"[stopped by server restart]" trailer; flag inserts are unique per
(round, challenge, team, flag_value).
*/
package store
