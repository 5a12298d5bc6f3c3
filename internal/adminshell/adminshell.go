// Package adminshell exposes the disciplining loop's current status over
// an interactive SSH session, grounded on internal/server/cli.go
// (gliderlabs/ssh server, password/public-key handlers, session-limit
// counter) but restricted to a status dump: this core has no
// command/monitoring write protocol, so there is no "sources" list or
// command verb beyond reading back the latest published snapshot.
package adminshell

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	ssh "github.com/gliderlabs/ssh"
	"github.com/sirupsen/logrus"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/shiwatime/rbdisciplined/internal/controlloop"
)

// Config mirrors internal/server/cli.go's config.CLIConfig fields.
type Config struct {
	BindHost       string
	BindPort       int
	Username       string
	Password       string
	AuthorizedKeys string
	MaxSessions    int
}

// Server is a controlloop.Publisher that records the latest Snapshot and
// serves a read-only status dump over SSH.
type Server struct {
	cfg    Config
	logger *logrus.Logger
	server *ssh.Server

	mu       sync.RWMutex
	snapshot controlloop.Snapshot
	have     bool

	sessionMu      sync.Mutex
	activeSessions int
	authorizedKeys map[string]cryptossh.PublicKey
}

var _ controlloop.Publisher = (*Server)(nil)

// New builds a Server. It does not start listening until Start is called.
func New(cfg Config, logger *logrus.Logger) *Server {
	return &Server{cfg: cfg, logger: logger, authorizedKeys: map[string]cryptossh.PublicKey{}}
}

// Publish implements controlloop.Publisher.
func (s *Server) Publish(snap controlloop.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.have = true
	s.mu.Unlock()
}

// Start runs the SSH server until it errors or is closed via Stop.
func (s *Server) Start() error {
	if s.cfg.AuthorizedKeys != "" {
		if err := s.loadAuthorizedKeys(s.cfg.AuthorizedKeys); err != nil {
			s.logger.WithError(err).Warn("adminshell: failed to load authorized_keys file")
		}
	}

	s.server = &ssh.Server{
		Addr:             fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort),
		Handler:          s.handleSession,
		PasswordHandler:  s.handlePassword,
		PublicKeyHandler: s.handlePublicKey,
	}

	s.logger.WithField("addr", s.server.Addr).Info("adminshell: starting status shell")
	return s.server.ListenAndServe()
}

// Stop closes the listener and any active sessions.
func (s *Server) Stop() error {
	s.logger.Info("adminshell: stopping status shell")
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handlePassword(ctx ssh.Context, password string) bool {
	if ctx.User() != s.cfg.Username || password != s.cfg.Password {
		return false
	}
	return s.incrementSession()
}

func (s *Server) handlePublicKey(ctx ssh.Context, key ssh.PublicKey) bool {
	fingerprint := cryptossh.FingerprintSHA256(key)
	if _, ok := s.authorizedKeys[fingerprint]; !ok {
		return false
	}
	return s.incrementSession()
}

func (s *Server) incrementSession() bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.cfg.MaxSessions > 0 && s.activeSessions >= s.cfg.MaxSessions {
		return false
	}
	s.activeSessions++
	return true
}

func (s *Server) decrementSession() {
	s.sessionMu.Lock()
	if s.activeSessions > 0 {
		s.activeSessions--
	}
	s.sessionMu.Unlock()
}

func (s *Server) handleSession(sess ssh.Session) {
	user := sess.User()
	s.logger.WithField("user", user).Info("adminshell: session started")
	defer s.decrementSession()

	io.WriteString(sess, "rbdisciplined status shell\n")
	io.WriteString(sess, fmt.Sprintf("Time: %s\n\n", time.Now().Format(time.RFC3339)))

	for {
		io.WriteString(sess, "rbdisciplined> ")

		buf := make([]byte, 1024)
		n, err := sess.Read(buf)
		if err != nil {
			break
		}
		command := trimTrailingNewline(string(buf[:n]))

		if command == "exit" || command == "quit" {
			io.WriteString(sess, "Goodbye!\n")
			break
		}
		s.handleCommand(sess, command)
	}


	s.logger.WithField("user", user).Info("adminshell: session ended")
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// handleCommand dispatches to the write* helpers below. It takes an
// io.Writer rather than ssh.Session directly so the command logic can be
// exercised with a plain bytes.Buffer in tests, without constructing a
// real SSH session.
func (s *Server) handleCommand(w io.Writer, command string) {
	switch command {
	case "status":
		s.writeStatus(w)
	case "sessions":
		s.writeSessions(w)
	case "help":
		s.writeHelp(w)
	case "":
	default:
		io.WriteString(w, fmt.Sprintf("Unknown command: %s\n", command))
		io.WriteString(w, "Type 'help' for available commands\n")
	}
}

func (s *Server) writeStatus(w io.Writer) {
	s.mu.RLock()
	snap, have := s.snapshot, s.have
	s.mu.RUnlock()

	if !have {
		io.WriteString(w, "No tick published yet\n\n")
		return
	}

	io.WriteString(w, fmt.Sprintf("Discipling State: %s\n", snap.DisciplingStatus.Status))
	io.WriteString(w, fmt.Sprintf("Clock Class:      %s\n", snap.DisciplingStatus.ClockClass))
	io.WriteString(w, fmt.Sprintf("Phase Error:      %d ns\n", snap.PhaseErrorNs))
	io.WriteString(w, fmt.Sprintf("Fine Ctrl:        %d\n", snap.Telemetry.FineCtrl))
	io.WriteString(w, fmt.Sprintf("Coarse Ctrl:      %d\n", snap.Telemetry.CoarseCtrl))
	io.WriteString(w, fmt.Sprintf("Temperature:      %.1f C\n", snap.Telemetry.Temperature))
	io.WriteString(w, fmt.Sprintf("Lock:             %t\n", snap.Telemetry.Lock))
	io.WriteString(w, fmt.Sprintf("GNSS Valid:       %t\n", snap.Epoch.Valid()))
	io.WriteString(w, fmt.Sprintf("Satellites:       %d\n", snap.Epoch.SatellitesCount))
	io.WriteString(w, fmt.Sprintf("Ready For Holdover: %t\n\n", snap.DisciplingStatus.ReadyForHoldover))
}

func (s *Server) writeSessions(w io.Writer) {
	s.sessionMu.Lock()
	current, max := s.activeSessions, s.cfg.MaxSessions
	s.sessionMu.Unlock()
	io.WriteString(w, fmt.Sprintf("Active sessions: %d / %d\n\n", current, max))
}

func (s *Server) writeHelp(w io.Writer) {
	io.WriteString(w, "Available commands:\n")
	io.WriteString(w, "  status   - Show disciplining status\n")
	io.WriteString(w, "  sessions - Show active SSH session count\n")
	io.WriteString(w, "  help     - Show this help message\n")
	io.WriteString(w, "  exit     - Exit the session\n\n")
}

func (s *Server) loadAuthorizedKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	rest := data
	for len(rest) > 0 {
		var pub cryptossh.PublicKey
		pub, _, _, rest, err = cryptossh.ParseAuthorizedKey(rest)
		if err != nil {
			break
		}
		s.authorizedKeys[cryptossh.FingerprintSHA256(pub)] = pub
	}
	return nil
}
