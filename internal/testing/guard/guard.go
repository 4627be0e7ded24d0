// Package guard switches the binaries into test mode when imported by a
// test, so running main() only exercises startup wiring.
package guard

import (
	"os"
	"sync"
)

// TestModeEnv mirrors the flag read by app.InTestMode.
const TestModeEnv = "VAXINV_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(TestModeEnv) == "" {
			_ = os.Setenv(TestModeEnv, "1")
		}
	})
}
