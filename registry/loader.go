package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

const htmlContentType = "text/html; charset=utf-8"

// Request carries per-request metadata into a loader. Loaders expose it to
// the application through SHOWFLOOR_* environment variables.
type Request struct {
	Route      string
	Path       string
	Query      string
	RemoteAddr string
	TraceID    string
}

// Document is one rendered application response.
type Document struct {
	ContentType string
	Body        []byte
}

// Loader renders one application entry for a single request.
type Loader interface {
	Load(ctx context.Context, entry Entry, req Request) (*Document, error)
}

// ScriptLoader renders an application by running its file through an
// interpreter and capturing stdout as the response body. Each request runs a
// fresh process.
type ScriptLoader struct {
	Command string
	Logger  *slog.Logger
}

func (l *ScriptLoader) Load(ctx context.Context, entry Entry, req Request) (*Document, error) {
	command := l.Command
	if command == "" {
		command = "python3"
	}
	parts := strings.Fields(command)
	args := append([]string{}, parts[1:]...)
	args = append(args, entry.Path)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Env = append(os.Environ(),
		"SHOWFLOOR_ROUTE="+req.Route,
		"SHOWFLOOR_REQUEST_PATH="+req.Path,
		"SHOWFLOOR_QUERY="+req.Query,
		"SHOWFLOOR_REMOTE_ADDR="+req.RemoteAddr,
		"SHOWFLOOR_TRACE_ID="+req.TraceID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 512 {
			detail = detail[:512]
		}
		if detail != "" {
			return nil, fmt.Errorf("script %s: %w: %s", entry.Route, err, detail)
		}
		return nil, fmt.Errorf("script %s: %w", entry.Route, err)
	}
	if l.Logger != nil && stderr.Len() > 0 {
		l.Logger.Debug("script stderr", "route", entry.Route, "output", strings.TrimSpace(stderr.String()))
	}
	return &Document{ContentType: htmlContentType, Body: stdout.Bytes()}, nil
}
