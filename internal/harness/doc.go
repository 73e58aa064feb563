// Package harness runs scripted catalog sessions for conformance testing.
//
// A scenario drives a real engine, SQLite store and loopback channel with a
// manual clock and sequential request ids, so its trace is reproducible and
// can be compared against a golden file.
//
// # Scenario Format
//
//	name: download_lifecycle
//	description: "A requested download is delivered"
//	retry: never               # never | cancelled | always
//	download_timeout: 5m       # optional
//	seed:                      # optional durable state from an earlier session
//	  cursor: { stream: 2, update: 1, update_seen: true }
//	  items:
//	    - { id: 1, name: Poll }
//	steps:
//	  - deliver:
//	      update: { serial: 1, app_infos: [{ id: 1, name: Poll }] }
//	  - request_download: 1
//	  - deliver:
//	      result: { id: 1, okay: true }
//	  - expect:
//	      entries: [{ id: 1, state: Received }]
//
// Action steps are deliver (update, result or raw), redeliver, request_download,
// refresh, advance, sweep, restart and fail_store. Expect steps check the
// client without adding to the trace.
//
// # Trace Format
//
// Each action step renders as a header line followed by any payloads the
// client sent, the catalog in id order and the sync cursor:
//
//	[2] request_download id=1 -> requested
//	    sent {"request_id":"req-1","Download":{"app_id":1}}
//	    item 1 Downloading name="Poll" version="" incomplete
//	    cursor stream=2 update=1
package harness
