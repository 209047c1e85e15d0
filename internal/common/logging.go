package common

import (
	"io"
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[slotpack] ", log.LstdFlags|log.Lmicroseconds)
)

// SetLogOutput redirects the package logger, typically to a rotating file
// combined with stdout.
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	logger.SetOutput(w)
}

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	logger.Printf("WARNING: "+format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}
