// Package _default includes the default storage backends, namely the afs-based one (local files
// and in-memory) and the SQLite one.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/distckpt/storage/default"
package _default

import (
	_ "github.com/gomlx/distckpt/storage/afstore"
	_ "github.com/gomlx/distckpt/storage/sqlitestore"
)
