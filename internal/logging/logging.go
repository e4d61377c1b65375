// Package logging provides a per-component prefixed logger over the
// standard library, matching the ambient choice the rest of this codebase
// makes: log.Printf / log.Fatalf, no structured logging library.
package logging

import (
	"log"
	"os"
)

// New returns a *log.Logger prefixed with the component name, writing to
// stdout the same way cmd/server/main.go logs startup/migration lines.
func New(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags)
}
