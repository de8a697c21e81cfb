package tools

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

var sysinfoLogger = logrus.WithField("tool", "sysinfo")

// SysInfoResult describes the machine the client runs on.
type SysInfoResult struct {
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	CPUs       int    `json:"cpus"`
	GoVersion  string `json:"goVersion"`
	WorkingDir string `json:"workingDir"`
	HomeDir    string `json:"homeDir,omitempty"`
	User       string `json:"user,omitempty"`
	Uptime     string `json:"clientUptime"`
}

// SysInfoTool reports host facts without running external commands.
type SysInfoTool struct {
	workingDir string
	started    time.Time
}

func NewSysInfoTool(workingDir string) *SysInfoTool {
	sysinfoLogger.Debug("Initializing sysinfo tool")
	return &SysInfoTool{workingDir: workingDir, started: time.Now()}
}

func (s *SysInfoTool) Description() string {
	return "Describe the user's machine: hostname, operating system, architecture, CPU count, working directory and home directory. Takes no arguments."
}

func (s *SysInfoTool) Name() string {
	return "sysinfo"
}

func (s *SysInfoTool) Schema() []byte {
	return []byte(`{"type": "object", "properties": {}}`)
}

func (s *SysInfoTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	sysinfoLogger.Info("Sysinfo tool called")

	hostname, err := os.Hostname()
	if err != nil {
		sysinfoLogger.WithError(err).Warn("Hostname unavailable")
	}
	home, _ := os.UserHomeDir()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}

	return SysInfoResult{
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		WorkingDir: s.workingDir,
		HomeDir:    home,
		User:       user,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}, nil
}

var _ Tool = (*SysInfoTool)(nil)
