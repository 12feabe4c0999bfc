/*
Package rules evaluates the configurable rule set over captured trades.

Rules carry a type (ECONOMIC, NON_ECONOMIC, WORKFLOW), a priority,
criteria over dotted field paths and a list of actions. Evaluation runs
economic rules first, then non-economic, then workflow, each group in
ascending priority order. Economic and non-economic rules all execute
when they match; the first matching workflow rule wins and evaluation
stops, because workflow determines a single outcome.

Criteria compare against the merged trade-data map with EQUALS,
NOT_EQUALS, the ordered comparisons, EXISTS and NOT_EXISTS, chained
left-to-right by each criterion's logical operator (AND by default).
The only action type today is SET_WORKFLOW_STATUS; unknown types log a
warning and are skipped so future action types stay additive.

Rules load from a YAML repository and are cached; Invalidate drops the
cache after a repository update.
*/
package rules
