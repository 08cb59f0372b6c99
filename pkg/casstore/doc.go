// Package casstore provides versioned, conflict-aware storage for room logs.
//
// # Overview
//
// Every room owns exactly one record, keyed "room:<id>", holding an ordered list of
// opaque items. Each record carries a version token: the hex BLAKE3 hash of the
// record's canonical JSON encoding. Writers must present the version they last read;
// a write against a stale version is either rejected with a *ConflictError or, when a
// Merger is supplied, merged with the current content and retried.
//
// # Backends
//
// The Store is backend-agnostic. Two backends ship with the package:
//
//   - FileBackend keeps one JSON file per key. Writes land in a temp file that is
//     fsynced and renamed into place, so readers never see a partial record. A flock on
//     a sidecar lock file makes the compare-and-set atomic across processes.
//   - RedisBackend keeps one string value per key under warren:{namespace}:{key} and
//     performs the compare-and-set with WATCH/MULTI/EXEC.
//
// # Usage Example
//
//	backend, err := casstore.NewFileBackend("/var/lib/warren")
//	if err != nil {
//		log.Fatal(err)
//	}
//	store := casstore.New(backend, casstore.Options{})
//
//	rec, err := store.Read(ctx, casstore.RoomKey("general"))
//	if err != nil && !casstore.IsNotFound(err) {
//		log.Fatal(err)
//	}
//
//	expected := ""
//	var content []casstore.Item
//	if rec != nil {
//		expected, content = rec.Version, rec.Content
//	}
//	content = append(content, item)
//
//	res, err := store.WriteCAS(ctx, casstore.RoomKey("general"), content, expected, casstore.AppendLog)
//
// # Error Kinds
//
// Three error kinds are kept apart so callers can react differently:
//
//   - ErrVersionConflict (via *ConflictError): stale expected version, no merger given.
//   - ErrWriteFailed: a merging write exhausted its retry budget.
//   - ErrIO: the backend could not read or write.
package casstore
