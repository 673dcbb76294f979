package blueprint

import (
	"embed"
	"io/fs"
)

//go:embed builtin/*/blueprint.yaml
var builtinFS embed.FS

// Builtin returns the embedded blueprint set shipped with the binary. It
// backs agent creation when no blueprint directory is configured.
func Builtin() fs.FS {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		// The embedded tree always contains builtin/.
		panic(err)
	}
	return sub
}
