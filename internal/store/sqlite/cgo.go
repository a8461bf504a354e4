//go:build cgo_sqlite

package sqlite

import _ "github.com/mattn/go-sqlite3"

// Building with -tags cgo_sqlite links in mattn/go-sqlite3, which
// registers the cgo driver under the name "sqlite3", beside the
// "sqlite" name of modernc.org/sqlite. Open always calls
// sql.Open("sqlite", path), so the store keeps using the pure-Go
// driver; no setting switches it to "sqlite3".
const cgoDriverAvailable = true
