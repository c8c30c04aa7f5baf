package publish

import (
	"fmt"
	"time"

	"github.com/channelctl/channelctl/internal/channel"
)

// ConfigError reports a missing or unrecognized source configuration
// key. It is never retried.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("source configuration: %s key %q", e.Reason, e.Key)
}

// UnsupportedURIError reports a source URI that matches neither a
// registry endpoint nor an ftp/ftps scheme.
type UnsupportedURIError struct {
	URI string
}

func (e *UnsupportedURIError) Error() string {
	return fmt.Sprintf("unknown URI: %q", e.URI)
}

// NotFoundError reports a remote path that does not exist. The data
// model treats it as "no data yet" rather than a fault.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "remote path not found: " + e.Path
}

// Is makes NotFoundError match the data model's absence sentinel.
func (e *NotFoundError) Is(target error) bool {
	return target == channel.ErrNotFound
}

// LockTimeoutError reports that the remote channel lock could not be
// acquired within the bounded wait. The lock may be stale and needs
// operator attention.
type LockTimeoutError struct {
	Dir  string
	Wait time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire %q within %v; is it stale?", e.Dir, e.Wait)
}

// ExternalToolError reports a failed invocation of the external
// publishing tool. Output carries the tool's captured stdout/stderr;
// credentials never appear in the message.
type ExternalToolError struct {
	Op     string
	Output string
	Err    error
}

func (e *ExternalToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("external tool %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("external tool %s failed: %v\n%s", e.Op, e.Err, e.Output)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// TransportError reports a network or protocol failure from the
// underlying session.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %q failed: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
