// Package guard forces test mode for command packages whose tests call main.
package guard

import (
	"os"
	"sync"

	"github.com/odyssey-erp/subledger/internal/app"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(app.TestModeEnv) == "" {
			_ = os.Setenv(app.TestModeEnv, "1")
		}
		app.RefreshTestMode()
	})
}
