// Package federation moves events between servers. Incoming transactions
// are admitted through the room engine, events with unknown ancestors are
// fetched from their origin by the backfill scheduler, and locally authored
// events are batched per destination by the outbox and delivered by the
// sender loop.
package federation
