package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sys/unix"

	"github.com/untoldecay/ChangeFlow/internal/rpc"
)

// minFreeBytes is the disk space floor below which readiness degrades;
// open and archive both need room for scaffolds and receipts.
const minFreeBytes = 1 << 20

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  int64  `json:"uptime"` // seconds
}

// handleHealthz is the liveness probe: the process is up and serving.
func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  int64(time.Since(s.startedAt).Seconds()),
	})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReadyz is the readiness probe. It verifies the change root is
// writable with space to spare, the tool registry is populated, and the
// security posture, answering 503 while any check fails.
func (s *Server) handleReadyz(c echo.Context) error {
	checks := map[string]string{
		"filesystem": s.checkFilesystem(),
		"registry":   checkRegistry(),
		"security":   s.checkSecurity(),
	}

	status := "ready"
	code := http.StatusOK
	for _, result := range checks {
		if result != "ok" && result != "anonymous" {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	return c.JSON(code, readyResponse{Status: status, Checks: checks})
}

func (s *Server) checkFilesystem() string {
	root := s.repo.Root()
	if err := unix.Access(root, unix.W_OK); err != nil {
		return "root not writable: " + err.Error()
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(root, &fs); err != nil {
		return "statfs failed: " + err.Error()
	}
	if free := fs.Bavail * uint64(fs.Bsize); free < minFreeBytes {
		return "filesystem nearly full"
	}
	return "ok"
}

func checkRegistry() string {
	if len(rpc.Tools()) == 0 {
		return "no tools registered"
	}
	return "ok"
}

// checkSecurity reports "anonymous" when the transport runs without
// tokens, which keeps readiness green but visible in the probe body.
func (s *Server) checkSecurity() string {
	if len(s.cfg.AuthTokens) == 0 {
		return "anonymous"
	}
	return "ok"
}
