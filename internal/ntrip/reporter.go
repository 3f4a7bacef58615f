package ntrip

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"gnss-bridge/internal/gps"
)

// PositionReporter sends the receiver's position back to the caster so a
// network (VRS) mountpoint can generate corrections for it.
//
// upstream is the live session, or nil between sessions.
type PositionReporter interface {
	ReportPosition(ctx context.Context, upstream io.Writer, fix gps.Fix) error
}

// LogReporter only logs the position it would have sent.
type LogReporter struct {
	Logger *log.Logger
}

func (r LogReporter) ReportPosition(_ context.Context, upstream io.Writer, fix gps.Fix) error {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Info("position report not transmitted (gga upload disabled)",
		"session", upstream != nil, "quality", fix.Quality.String(), "gga", fix.Raw)
	return nil
}

// StreamReporter writes the raw GGA sentence, CRLF terminated, on the live
// session. This is the NTRIP 1/2 "GGA over the request stream" convention.
type StreamReporter struct{}

func (StreamReporter) ReportPosition(_ context.Context, upstream io.Writer, fix gps.Fix) error {
	if upstream == nil {
		return nil
	}
	if fix.Raw == "" {
		return fmt.Errorf("fix has no raw sentence")
	}
	_, err := io.WriteString(upstream, fix.Raw+"\r\n")
	return err
}
