// Package migrations embeds the Postgres schema for users, Discord channels,
// calendar subscriptions and the event cache table.
package migrations

import "embed"

// Files holds NNN_name.sql files applied in lexical order by store.ApplyMigrations.
//
//go:embed *.sql
var Files embed.FS
