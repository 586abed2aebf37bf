package migrations

import "embed"

// FS holds the migration sources so goose can resolve versions without the
// source tree on disk.
//
//go:embed 0*.go
var FS embed.FS
