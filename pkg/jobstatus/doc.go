/*
Package jobstatus tracks API-initiated trade submissions.

Each job lives in the coordination store under its job id for the
configured retention window: status (PENDING, PROCESSING, COMPLETED,
FAILED, CANCELLED), progress, message and result or error. Updates are
last-writer-wins; retention is enforced by key TTL.
*/
package jobstatus
