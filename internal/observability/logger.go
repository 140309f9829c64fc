package observability

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/excport/internal/logging"
)

// InitLogger installs the runtime logger tagged with app and returns it.
// The EXCPORT_LOG_* environment is honored.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	return initLogger(app, os.Stdout)
}

func initLogger(app string, out io.Writer) zerolog.Logger {
	cfg := logging.ResolveConfig(logging.ProfileRuntime)
	cfg.App = app
	logger := logging.New(cfg, out)
	log.Logger = logger
	return logger
}
