package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"

	"github.com/MegaGrindStone/episodic/analysis"
	"github.com/MegaGrindStone/episodic/batch"
	"github.com/MegaGrindStone/episodic/config"
	"github.com/MegaGrindStone/episodic/internal/version"
	"github.com/MegaGrindStone/episodic/mcp"
	"github.com/MegaGrindStone/episodic/queue"
	"github.com/MegaGrindStone/episodic/resource"
	"github.com/MegaGrindStone/episodic/verify"
)

type app struct {
	cfg        config.Config
	logger     *slog.Logger
	httpClient *http.Client
}

func wireApp(cfg config.Config, logOut io.Writer) *app {
	return &app{
		cfg:        cfg,
		logger:     newLogger(logOut, cfg.Log),
		httpClient: http.DefaultClient,
	}
}

// newLogger writes text to a terminal and JSON elsewhere unless the format is set explicitly.
func newLogger(w io.Writer, c config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := c.Format
	if format == "" {
		format = "json"
		if isTerminal(w) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (a *app) clientInfo() mcp.Info {
	return mcp.Info{Name: "episodic", Version: version.Version}
}

func (a *app) dial(ctx context.Context) (*mcp.Client, error) {
	sse := mcp.NewSSEClient(mcp.SSEURL(a.cfg.Memory.URL), a.httpClient,
		mcp.WithSSEClientHandshakeTimeout(a.cfg.Memory.HandshakeTimeout),
		mcp.WithSSEClientLogger(a.logger),
	)
	c, err := mcp.Dial(ctx, sse, a.clientInfo(),
		mcp.WithClientRequestTimeout(a.cfg.Memory.RequestTimeout),
		mcp.WithClientToolResultWait(a.cfg.Memory.ToolResultWait),
		mcp.WithClientLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to memory server at %s: %w", a.cfg.Memory.URL, err)
	}
	return c, nil
}

func (a *app) memory() *batch.MCPMemory {
	return batch.NewMCPMemory(a.dial, batch.WithMCPMemoryLogger(a.logger))
}

func (a *app) queueMonitor() *queue.Monitor {
	c := a.cfg.Queue
	sources := make([]queue.Source, 0, len(c.Sources))
	for _, name := range c.Sources {
		switch name {
		case "status":
			sources = append(sources, queue.NewStatusSource(c.StatusURL,
				queue.WithStatusHTTPClient(a.httpClient),
				queue.WithStatusLogger(a.logger),
			))
		case "logs":
			sources = append(sources, queue.NewLogSource(c.Container,
				queue.WithLogTail(c.LogTail),
				queue.WithLogSourceLogger(a.logger),
			))
		}
	}
	return queue.NewMonitor(sources,
		queue.WithPollInterval(c.PollInterval),
		queue.WithUnobservedPolls(c.UnobservedPolls),
		queue.WithMonitorLogger(a.logger),
	)
}

// sampler returns nil when GPU sampling is disabled.
func (a *app) sampler() resource.Sampler {
	c := a.cfg.Resource
	switch c.Sampler {
	case config.SamplerDocker:
		return resource.NewDockerStatsSampler(c.Container, nil)
	case config.SamplerSysfs:
		return resource.NewSysfsGPUSampler(c.SysfsRoot)
	case config.SamplerProcess:
		return resource.NewProcessSampler(c.ProcessNames, c.SampleWindow)
	case config.SamplerAuto:
		return resource.FirstAvailable(
			resource.NewSysfsGPUSampler(c.SysfsRoot),
			resource.NewDockerStatsSampler(c.Container, nil),
			resource.NewProcessSampler(c.ProcessNames, c.SampleWindow),
		)
	default:
		return nil
	}
}

func (a *app) guard() *resource.Guard {
	s := a.sampler()
	if s == nil {
		return nil
	}
	return resource.NewGuard(s,
		resource.WithThreshold(a.cfg.Resource.Threshold),
		resource.WithInterval(a.cfg.Resource.Interval),
		resource.WithGuardLogger(a.logger),
	)
}

// lease returns nil when no Redis is configured. The returned close func releases the connection.
func (a *app) lease() (*resource.Lease, func() error, error) {
	c := a.cfg.Resource
	if c.RedisURL == "" {
		return nil, func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid %s: %w", config.KeyResourceRedisURL, err)
	}
	client := redis.NewClient(opts)
	l := resource.NewLease(client, c.LeaseKey,
		resource.WithLeaseTTL(c.LeaseTTL),
		resource.WithLeaseLogger(a.logger),
	)
	return l, client.Close, nil
}

func (a *app) analyzer() *analysis.Client {
	c := a.cfg.Analysis
	options := []analysis.Option{
		analysis.WithBaseURL(c.URL),
		analysis.WithModel(c.Model),
		analysis.WithAPIKey(c.APIKey),
		analysis.WithLogger(a.logger),
	}
	if c.Timeout > 0 {
		options = append(options, analysis.WithHTTPClient(&http.Client{Timeout: c.Timeout}))
	}
	return analysis.New(options...)
}

func (a *app) store() *verify.Neo4j {
	c := a.cfg.Verify
	return verify.NewNeo4j(c.URL,
		verify.WithAuth(c.User, c.Password),
		verify.WithDatabase(c.Database),
		verify.WithLogger(a.logger),
	)
}

// verifier returns nil when verification is disabled, so the batch trusts the queue alone.
func (a *app) verifier() batch.Verifier {
	if !a.cfg.Verify.Enabled {
		return nil
	}
	return a.store()
}

func (a *app) episode(name, body string) mcp.Episode {
	return mcp.Episode{
		Name:              name,
		Body:              body,
		GroupID:           a.cfg.Memory.GroupID,
		Source:            a.cfg.Memory.Source,
		SourceDescription: a.cfg.Memory.SourceDescription,
	}
}
