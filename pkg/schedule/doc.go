/*
Package schedule describes a query's execution plan to admission control:
the backends it runs on, its per-backend memory requirement, and the
profile annotations recorded as the query moves through admission.

The per-backend memory requirement starts from the MEM_LIMIT query option
or the planner estimate and is reconciled against the pool's min/max query
memory limits and the query's largest initial buffer reservation by
UpdateMemoryRequirements.
*/
package schedule
