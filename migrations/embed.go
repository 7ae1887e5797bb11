// Package migrations embeds the versioned schema for each supported store.
package migrations

import "embed"

// FS holds one directory per dialect ("postgres", "sqlite") of NNNN_name.sql files.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
