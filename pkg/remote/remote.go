// Package remote exposes the engine over a newline-delimited JSON protocol
// on TCP. Requests look like {"Command":"PAUSE","JobName":"Daily Backup"};
// GET_STATUS answers with a JSON array of job snapshots, everything else
// with {} on success or {"error":"..."} on failure. There is no
// authentication; the listener is expected to stay on loopback.
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/registry"
)

// maxLineBytes caps a single command line. Anything larger is a protocol
// violation and drops the connection.
const maxLineBytes = 64 * 1024

// Known commands.
const (
	CmdGetStatus = "GET_STATUS"
	CmdPause     = "PAUSE"
	CmdResume    = "RESUME"
	CmdStop      = "STOP"
)

// CommandError describes a rejected command. It is reported to the client
// inline and never tears down the connection.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return e.Reason
}

// Controller is the scheduler-side surface the server drives.
type Controller interface {
	Pause(name string) error
	Resume(name string) error
	Stop(name string) error
}

// Server accepts remote control connections.
type Server struct {
	ctrl Controller
	reg  *registry.Registry
	lis  net.Listener
}

// New returns an unstarted server.
func New(ctrl Controller, reg *registry.Registry) *Server {
	return &Server{ctrl: ctrl, reg: reg}
}

// Listen binds the TCP address. Serve must be called afterwards.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.lis = lis
	return nil
}

// Addr returns the bound address, usable after Listen (tests bind ":0").
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Serve accepts connections until ctx is canceled. Each connection runs in
// its own goroutine; a failing connection never affects the others.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.lis.Close()
	}()

	plog.Info("Remote control server listening", "address", s.Addr())
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Drop the connection promptly on shutdown instead of waiting for the
	// client to send another line.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		response := s.handleLine(line)
		if _, err := fmt.Fprintln(conn, response); err != nil {
			plog.Debug("Remote client write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		plog.Debug("Remote client read failed", "error", err)
	}
}

// handleLine parses, validates and executes one command line, returning the
// JSON response to send back.
func (s *Server) handleLine(line string) string {
	cmd, jobName, err := parseCommand(line)
	if err != nil {
		return errorResponse(err)
	}

	switch cmd {
	case CmdGetStatus:
		return s.statusResponse()
	case CmdPause:
		err = s.ctrl.Pause(jobName)
	case CmdResume:
		err = s.ctrl.Resume(jobName)
	case CmdStop:
		err = s.ctrl.Stop(jobName)
	}
	if err != nil {
		return errorResponse(err)
	}
	return "{}"
}

// parseCommand validates the wire shape: a JSON object with a known Command
// and, for everything but GET_STATUS, a non-empty JobName.
func parseCommand(line string) (cmd, jobName string, err error) {
	if !gjson.Valid(line) {
		return "", "", &CommandError{Reason: "malformed command: not valid JSON"}
	}
	parsed := gjson.Parse(line)
	if !parsed.IsObject() {
		return "", "", &CommandError{Reason: "malformed command: expected a JSON object"}
	}

	cmdField := parsed.Get("Command")
	if !cmdField.Exists() || cmdField.Type != gjson.String {
		return "", "", &CommandError{Reason: "malformed command: missing Command"}
	}
	cmd = cmdField.String()
	switch cmd {
	case CmdGetStatus, CmdPause, CmdResume, CmdStop:
	default:
		return "", "", &CommandError{Reason: fmt.Sprintf("unknown command %q", cmd)}
	}

	if cmd != CmdGetStatus {
		nameField := parsed.Get("JobName")
		if !nameField.Exists() || nameField.Type != gjson.String || nameField.String() == "" {
			return "", "", &CommandError{Reason: fmt.Sprintf("command %s requires JobName", cmd)}
		}
		jobName = nameField.String()
	}
	return cmd, jobName, nil
}

// statusResponse renders one consistent snapshot of every job.
func (s *Server) statusResponse() string {
	out := "[]"
	for i, snap := range s.reg.SnapshotAll() {
		prefix := fmt.Sprintf("%d.", i)
		out, _ = sjson.Set(out, prefix+"Name", snap.Job.Name)
		out, _ = sjson.Set(out, prefix+"Status", string(snap.State.Status))
		out, _ = sjson.Set(out, prefix+"Progress", snap.State.ProgressPercentage)
		out, _ = sjson.Set(out, prefix+"Source", snap.Job.Source)
		out, _ = sjson.Set(out, prefix+"Destination", snap.Job.Target)
	}
	return out
}

func errorResponse(err error) string {
	out, _ := sjson.Set("{}", "error", err.Error())
	return out
}
