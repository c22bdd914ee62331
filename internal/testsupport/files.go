package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// StubBinary drops an executable shell script named binary into dir and
// prepends dir to PATH for the test, so code shelling out to external tools
// runs the stub instead.
func StubBinary(t testing.TB, dir, binary, script string) {
	t.Helper()

	path := filepath.Join(dir, binary)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", path, err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}
