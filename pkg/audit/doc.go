/*
Package audit is an optional, write-only completion log. It records task
transitions into memory/erred/released terminal states for forensic
replay after the fact; the scheduler never reads it back, at startup or
otherwise, since spec.md explicitly models the store as the sole
authority and carries no persisted state by default.

Grounded on _examples/cuemby-warren/pkg/storage/boltdb.go's
bucket-per-entity, db.Update(func(tx *bolt.Tx) error {...}) transaction
idiom, narrowed from a full read/write entity store down to a single
append-only bucket.
*/
package audit
