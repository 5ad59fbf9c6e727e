package exchange

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
