// Package catalog holds the live replica of the app store listing.
//
// A State maps item ids to entries. Each entry pairs the item attributes
// received from the backend with the client-side download lifecycle:
//
//	Initial -> Downloading -> Received
//	                       -> DownloadCancelled
//
// State is owned by a single writer (the sync engine). It performs no
// locking; readers receive copies from Entries and Get.
//
// # Merge Rules
//
// The first catalog population replaces every incoming entry wholesale.
// Later batches are deltas: unseen ids are inserted at Initial, known ids
// receive a field-level overwrite where only non-nil incoming fields are
// applied. Lifecycle state is never touched by a merge.
package catalog
