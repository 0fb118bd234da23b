/*
Package poolservice resolves users to resource pools and serves pool
configuration snapshots to admission control.

Pool definitions and user placement rules live in a BoltDB database
administered through the CLI or imported from a YAML file:

	default_pool: default
	pools:
	  - name: q1
	    max_mem_resources: 536870912000
	    max_requests: 20
	    max_queued: 10
	placements:
	  - user: alice
	    pool: q1

A Watcher re-imports the file whenever it changes on disk, so pool edits
take effect on the next query without a coordinator restart. Configuration
snapshots are returned by value; admission decisions made against one
snapshot are unaffected by concurrent edits.
*/
package poolservice
