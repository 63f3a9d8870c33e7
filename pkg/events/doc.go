/*
Package events is an in-memory broker for cluster events.

The manager publishes declaration, scaling and membership changes; the
reconciler publishes instance transitions and halted rollouts. The CLI's
"burrow status --watch" and the reconciler's own wake-ups subscribe.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Workload, ev.Message)
	}

Publish never blocks. Events are queued in a buffer of 100 and copied to
each subscriber's buffer of 50; when either is full the event is dropped for
that consumer. Consumers must treat events as hints and re-read state from
the manager rather than relying on seeing every event.
*/
package events
