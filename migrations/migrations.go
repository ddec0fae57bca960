// Package migrations embeds the SQL schema so tests and tools can apply it
// without depending on the working directory.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// FS exposes the embedded migration files.
func FS() fs.FS {
	return files
}

// All returns every migration concatenated in file name order.
func All() string {
	entries, err := fs.Glob(files, "*.sql")
	if err != nil {
		panic(err)
	}
	sort.Strings(entries)

	var b strings.Builder
	for _, name := range entries {
		data, err := files.ReadFile(name)
		if err != nil {
			panic(err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String()
}
