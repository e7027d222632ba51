// Package all registers every warehouse backend. Import for side effects:
//
//	import _ "movieetl/internal/storage/all"
package all

import (
	_ "movieetl/internal/storage/mssql"
	_ "movieetl/internal/storage/postgres"
	_ "movieetl/internal/storage/sqlite"
)
