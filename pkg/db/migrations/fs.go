package migrations

import "embed"

// FS holds the migration sources so goose can resolve versions without a checkout on disk.
//
//go:embed *.go
var FS embed.FS
