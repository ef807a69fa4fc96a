// Package unarchive reads keyed archives, the object graph format written by
// Foundation's NSKeyedArchiver, and decodes them onto Go values.
//
// A keyed archive is a property list (binary or XML) holding a table of objects
// (`$objects`), the references to the top level objects (`$top`) and, for every archived
// object, a reference to its class. Objects store their state as key/value pairs and
// refer to each other by their index in the object table, which allows shared objects
// and reference cycles.
//
// [UnarchiveFile] loads an archive from a path and returns the root object:
//
//	root, err := unarchive.UnarchiveFile("/tmp/address_cache.lm")
//	var archiveErr *unarchive.Error
//	if errors.As(err, &archiveErr) && archiveErr.Code == unarchive.CodeFileNotFound {
//	    // nothing persisted yet
//	}
//
// Foundation values decode to plain Go values (string, int64, float64, []any,
// map[string]any, []byte, time.Time). Any other class must be registered with a
// [Registry] that is passed to [NewUnarchiver]; there is no global class table:
//
//	registry := unarchive.NewRegistry()
//	unarchive.Register[Address](registry, "Address")
//	root, err := unarchive.NewUnarchiver(registry).UnarchiveFile(path)
//
// The decoding engine works on the [Source] interface and can be used with any other
// serialized representation, see [Unmarshal]. Struct fields are matched by name or by the
// `archive` struct tag. Types implementing [ArchiveUnmarshaler] decode their keys
// themselves.
//
// [Archiver] writes keyed archives, optionally compressed with zstd, gzip, lz4 or snappy.
// Compressed archives are detected and inflated when unarchiving.
package unarchive
