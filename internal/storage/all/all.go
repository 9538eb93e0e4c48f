// Package all registers every storage backend. Binaries blank-import it.
package all

import (
	_ "qbank/internal/storage/memory"
	_ "qbank/internal/storage/mssql"
	_ "qbank/internal/storage/mysql"
	_ "qbank/internal/storage/postgres"
	_ "qbank/internal/storage/sqlite"
)
