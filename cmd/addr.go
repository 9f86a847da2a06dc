package cmd

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const defaultServeAddr = "127.0.0.1:3400"

// parseServeAddr resolves the listen address from serve's arguments.
// Both forms work:
//
//	strand serve :8080
//	strand serve --addr :8080
func parseServeAddr(args []string) (string, error) {
	serveFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
	serveFlags.SetOutput(os.Stderr)
	addr := serveFlags.String("addr", defaultServeAddr, "Listen address (host:port)")

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		*addr = args[0]
		args = args[1:]
	}
	if err := serveFlags.Parse(args); err != nil {
		return "", fmt.Errorf("parsing serve flags: %w", err)
	}

	if err := validateAddr(*addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", *addr, err)
	}
	return *addr, nil
}

// validateAddr checks the host:port shape before handing the address to the
// listener, so a typo fails with a clear message instead of a bind error.
func validateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return fmt.Errorf("invalid host %q", host)
	}
	if port == "" {
		return errors.New("port is required")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric: %w", err)
	}
	// Port 0 asks the kernel for a free port.
	if n < 0 || n > 65535 {
		return fmt.Errorf("port out of range: %d", n)
	}
	return nil
}
