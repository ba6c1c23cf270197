// Package publisher relays records of a timeranger database to external
// systems (Kafka, NATS).
//
// # Architecture
//
// The relay has three stages:
//
//  1. Capture: Registry.Capture receives records from iterators and realtime
//     subscriptions and appends them to the outbox.
//  2. PublishLog: a Pebble-backed outbox with monotonically increasing
//     sequence numbers, per-sink cursors and per-key capture marks.
//  3. Workers: one per sink, polling the outbox, filtering, transforming
//     and publishing with exponential backoff.
//
// Key layout:
//
//	/ev/{seq:016x}       -> msgpack(Event)
//	/cur/{sinkName}      -> uint64 (last published sequence)
//	/seq                 -> uint64 (last assigned sequence)
//	/row/{topic}\x00{key} -> uint64 (last captured rowid)
//
// Capture marks make the relay restartable: Follow replays every key from
// its mark, and Capture drops records at or below the mark, so a record seen
// both by the replay and by the realtime feed is captured once.
//
// # Delivery
//
// Workers advance their cursor after a successful publish. A crash between
// the two redelivers the event (at-least-once). Events below the minimum
// cursor of all sinks are deleted every 128 sequences.
//
// Example:
//
//	reg, err := publisher.NewRegistry(publisher.RegistryConfig{
//		DataDir:     "/data/outbox",
//		Database:    "tr",
//		SinkConfigs: cfg.Config.Publisher.Sinks,
//	})
//	if err != nil {
//		return err
//	}
//	defer reg.Stop()
//
//	follower, err := reg.Follow(db, "events", false)
//	if err != nil {
//		return err
//	}
//	defer follower.Close()
//	reg.Start()
package publisher
