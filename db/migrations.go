package db

import "embed"

// Migrations holds one directory of golang-migrate files per driver name.
//
//go:embed postgres/*.sql sqlite/*.sql
var Migrations embed.FS
