/*
Package statestore provides the heartbeat-driven pub/sub bus that carries
keyed topic entries between cluster components.

Each topic is a map from key to opaque payload. Subscribers are polled once
per heartbeat: the callback receives the delta accumulated since its last
heartbeat (or a full snapshot on first contact) and returns the
subscriber's own outgoing entries, which are merged into the topic and fan
out to every other subscriber on their next heartbeat. Deletions propagate
as key-only items.

	bus := statestore.NewBus(time.Second)
	controller.RegisterWithBus(bus) // subscribes to "quarry-request-queue"
	bus.Start()
	defer bus.Stop()

Delivery is eventually consistent: a subscriber's view lags the topic by up
to one heartbeat, and two subscribers may observe updates in different
orders. Consumers requiring internal consistency must process each delta
batch atomically, which is exactly what the admission controller does under
its lock.
*/
package statestore
