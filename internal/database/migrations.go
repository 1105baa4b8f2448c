package database

import "embed"

// PostgresMigrations holds the PostgreSQL schema, applied in file name order.
//
//go:embed migrations/postgres/*.sql
var PostgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS
