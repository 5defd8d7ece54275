package pgsource

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/josephjohncox/pgmirror/internal/replica"
)

// IsConnectivityError reports whether err means the server could not be
// reached or dropped the connection.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func classify(err error) error {
	if err == nil || errors.Is(err, replica.ErrConnectivity) {
		return err
	}
	if IsConnectivityError(err) {
		return fmt.Errorf("%w: %w", replica.ErrConnectivity, err)
	}
	return err
}
