// Package all registers every built-in staging backend.
//
// Blank-import this package from binaries that select a backend through
// configuration:
//
//	import _ "sketch/internal/staging/all"
package all

import (
	_ "sketch/internal/staging/mssql"
	_ "sketch/internal/staging/postgres"
	_ "sketch/internal/staging/sqlite"
)
