// Package engine owns the live catalog replica.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every mutation of catalog state, the sync cursor and the correlator happens
// in the goroutine running Engine.Run. Transport deliveries (Deliver) and
// caller requests (RequestDownload, Refresh) are queued and handled one at a
// time, so readers never see a half-applied batch.
//
// Inbound Flow:
//  1. Cursor.Observe drops transport serials already processed.
//  2. protocol.Decode turns the payload into a tagged Message.
//  3. Correlator.Route sends catalog updates to the merge, download results
//     to the lifecycle machine, and drops requests (our own echoes included).
//  4. Catalog updates at or below the update cursor are dropped as stale.
//  5. Touched items and the cursor are written in one store transaction.
//  6. A new Snapshot is published and subscribers are notified.
//
// A failed store write never rolls back memory. The affected items are kept
// pending and written with the next mutation.
//
// Snapshots are stamped with a logical Clock; wall-clock time is only used
// for download request times and the last update time.
package engine
