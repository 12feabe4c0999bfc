/*
Package validation runs structural and semantic checks on captured
trades: the 12-character alphanumeric security identifier rule, required
account/book identifiers, non-empty counterparties and lots, bounded
lengths, and a trade date that is not in the future. All violations for
a message are collected into one Error of (field, message) pairs.
*/
package validation
