package store

import _ "embed"

//go:embed migrations/sqlite.sql
var sqliteSchema string

//go:embed migrations/postgres.sql
var postgresSchema string
