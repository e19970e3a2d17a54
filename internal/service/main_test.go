package service_test

import (
	"os"
	"testing"

	"github.com/sakif/code-executor/internal/executor/process"
)

// The integration tests use the local process runner, which re-executes the
// current binary as its sandbox helper.
func TestMain(m *testing.M) {
	if process.IsInitProcess() {
		process.InitMain()
	}
	os.Exit(m.Run())
}
