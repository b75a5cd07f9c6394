/*
Package snapshot defines the core model for dataset snapshots.

A snapshot is an immutable record of a dataset at a point in time. It
carries three layers of description:

	Metadata   identity and lineage: workspace, dataset, sequence number,
	           creation time, optional tag, and content digests.
	Schema     the ordered column list (name, type, nullability).
	Row index  one fingerprint per row, in source order, mapping row
	           content back to its position.

Fingerprints are content digests produced by the hash subpackage. Two
rows with identical values share a digest; the index disambiguates
duplicates with an occurrence counter, so every row has a unique
(digest, occurrence) identity within its snapshot.

Snapshots are write-once. Creation assigns the next sequence number in
the dataset's history and a content-derived ID; nothing is ever mutated
or rewritten afterwards. Comparison between any two snapshots of a
dataset is performed by the diff subpackage using the stored schema and
row index, without re-reading source data.

Subpackage layout:

	hash       canonical value encoding and digests
	source     readers that produce rows from files and queries
	engine     SQL execution used for keyed row matching and queries
	store      persistence backends (local directory, HTTP, cached)
	ref        reference resolution (IDs, tags, latest, ~N, timestamps)
	diff       schema, column and row change detection
	db         the high-level API tying the pieces together
	cli        the command line interface over db
*/
package snapshot
