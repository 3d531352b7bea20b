package app

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/containerd/log"
)

// DefaultScriptTimeout bounds a script run when no timeout is given
const DefaultScriptTimeout = 10 * time.Minute

// Context carries the output preferences and deadline of one command
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool
	Out          io.Writer

	// DefaultTimeout applies when WithTimeout is given no positive timeout
	DefaultTimeout time.Duration

	// Progress reporting
	ProgressCallback func(message string, percent int)
}

// NewContext creates a new application context
func NewContext() *Context {
	return &Context{
		Context:        context.Background(),
		OutputFormat:   FormatTable,
		Out:            os.Stdout,
		DefaultTimeout: DefaultScriptTimeout,
	}
}

// WithTimeout returns a copy of c that expires after timeout, or after
// DefaultTimeout when timeout is zero or negative.
func (c *Context) WithTimeout(timeout time.Duration) (*Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(c.Context, timeout)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(string, int)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(message string, percent int) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(message, percent)
	}
}

// Log outputs a message in verbose mode
func (c *Context) Log(message string) {
	if !c.Quiet && c.Verbose {
		log.G(c).Info(message)
	}
}

// Error logs a failure with its error code unless quiet
func (c *Context) Error(message string, err error) {
	if c.Quiet {
		return
	}
	entry := log.G(c)
	if err != nil {
		entry = entry.WithError(err).WithField("code", Code(err))
	}
	entry.Error(message)
}
