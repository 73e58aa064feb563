// Package protocol defines the messages exchanged with the app store backend
// and decodes inbound payloads into a tagged union exactly once, at the
// transport boundary.
//
// Inbound payloads:
//
//	{"app_infos": [...], "serial": 12}   catalog update
//	{"id": 3, "okay": true}              download result
//	{"request_id": "...", "Update": ...} a request echoed on the shared channel
//
// Outbound payloads:
//
//	{"request_id": "...", "Update":   {"serial": 12}}
//	{"request_id": "...", "Download": {"app_id": 3}}
package protocol
