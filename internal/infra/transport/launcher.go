package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/telemetry"
)

// passthroughEnv lists the only caller environment variables a
// connector process inherits. Everything else the child sees comes
// from the descriptor's launch env plus scoped credentials.
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LANG", "LC_ALL"}

type processCleanup func()

// Launcher starts connector processes over stdio and wraps them in a
// serialized MCP connection.
type Launcher struct {
	logger *zap.Logger
}

type LauncherOptions struct {
	Logger *zap.Logger
}

func NewLauncher(opts LauncherOptions) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{logger: logger}
}

// Start launches the connector described by desc with creds injected
// into its environment. ctx bounds the lifetime of the child process,
// not just the startup; pass the manager's context, not a request's.
func (l *Launcher) Start(ctx context.Context, desc domain.ConnectorDescriptor, creds map[string]string) (domain.Conn, domain.StopFn, error) {
	if len(desc.Launch.Cmd) == 0 {
		return nil, nil, fmt.Errorf("%w: cmd is required for connector %s", domain.ErrInvalidCommand, desc.ID)
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, desc.Launch.Cmd[0], desc.Launch.Cmd[1:]...)
	if desc.Launch.Cwd != "" {
		cmd.Dir = desc.Launch.Cwd
	}
	cmd.Env = buildEnv(desc.Launch.Env, creds)
	groupCleanup := setupProcessHandling(cmd)

	transport := &mcp.CommandTransport{
		Command: cmd,
	}

	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect stdio: %w", classifyStartError(err))
	}

	conn := newSerializedConn(mcpConn, desc.ID, l.logger)
	if err := conn.handshake(ctx); err != nil {
		_ = conn.Close()
		if groupCleanup != nil {
			groupCleanup()
		}
		return nil, nil, fmt.Errorf("handshake %s: %w", desc.ID, err)
	}

	l.logger.Info("connector process started",
		telemetry.EventField(telemetry.EventSessionStart),
		telemetry.ConnectorField(desc.ID),
		telemetry.DurationField(time.Since(started)),
	)

	stop := func(stopCtx context.Context) error {
		err := conn.Close()
		if groupCleanup != nil {
			groupCleanup()
		}
		return err
	}
	return conn, stop, nil
}

func buildEnv(launchEnv, creds map[string]string) []string {
	merged := make(map[string]string, len(passthroughEnv)+len(launchEnv)+len(creds))
	for _, key := range passthroughEnv {
		if value, ok := os.LookupEnv(key); ok {
			merged[key] = value
		}
	}
	for key, value := range launchEnv {
		merged[key] = value
	}
	for key, value := range creds {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, fmt.Sprintf("%s=%s", key, merged[key]))
	}
	return out
}

func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, exec.ErrNotFound) || errors.Is(pathErr.Err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", domain.ErrExecutableNotFound, err.Error())
		}
		if errors.Is(pathErr.Err, os.ErrPermission) {
			return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, err.Error())
		}
	}
	return err
}
