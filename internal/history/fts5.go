//go:build sqlite_fts5

package history

// The search index needs the FTS5 module, which mattn/go-sqlite3 only
// compiles in behind the sqlite_fts5 build tag. Keeping the index DDL in
// this tagged file turns a build without the tag into a compile error
// instead of a runtime "no such module: fts5" from every Open. Build with:
//
//	go build -tags sqlite_fts5 ./...
//
// or use the Makefile, which always passes the tag.
const ftsSchema = `CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(content);`
