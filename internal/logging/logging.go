// Package logging provides the component-prefixed stderr logging
// convention used throughout cdcgate: "component: message\n", written
// with fmt.Fprintf directly rather than through a structured logging
// library.
package logging

import (
	"fmt"
	"os"
)

// Logger writes lines prefixed with a fixed component name.
type Logger struct {
	component string
}

// New returns a Logger for the given component name.
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, l.component+": "+format+"\n", args...)
}

func (l *Logger) Println(args ...interface{}) {
	fmt.Fprintln(os.Stderr, append([]interface{}{l.component + ":"}, args...)...)
}
