/*
Package types defines the domain types shared across Quarry components:
pool configurations, the pool statistics payload exchanged on the
statestore topic, and backend descriptors for cluster membership.
*/
package types
