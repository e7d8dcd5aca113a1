package xrpc

import (
	"github.com/rs/zerolog"
)

// sink is the diagnostics channel of the RPC core: a message at a level plus
// an optional debug payload (stack, envelope dump) that is only written, at
// error level, when debug is enabled.
type sink struct {
	log   zerolog.Logger
	debug bool
}

func (s sink) Info(msg, debugPayload string) {
	s.Log(zerolog.InfoLevel, msg, debugPayload)
}

func (s sink) Error(msg, debugPayload string) {
	s.Log(zerolog.ErrorLevel, msg, debugPayload)
}

func (s sink) Log(level zerolog.Level, msg, debugPayload string) {
	s.log.WithLevel(level).Msg(msg)
	if debugPayload != "" && s.debug {
		s.log.Error().Msg(debugPayload)
	}
}
