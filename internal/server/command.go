package server

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmarget/httptun/internal/config"
	"github.com/pmarget/httptun/internal/observability"
	"github.com/pmarget/httptun/internal/runtime"
	"github.com/pmarget/httptun/internal/tracker"
	"github.com/pmarget/httptun/internal/util"
)

// NewCommand builds the `httptun server` subcommand.
func NewCommand(globals *runtime.Options) *cobra.Command {
	var (
		opts          Options
		traceExporter string
		traceEndpoint string
		traceInsecure bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server",
		Long: `Run the HTTP side of the tunnel. The server dials TCP targets on
behalf of authenticated clients, registers each connection as a tracked
session, and evicts sessions that stay idle past the configured limit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.WithSignalContext(cmd.Context())
			defer cancel()

			shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
				Enabled:     traceExporter != "",
				Exporter:    traceExporter,
				ServiceName: "httptun-server",
				Endpoint:    traceEndpoint,
				Insecure:    traceInsecure,
			})
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelFlush()
				if err := shutdownTracing(flushCtx); err != nil {
					globals.Logger().Warn("tracing shutdown", "error", err)
				}
			}()

			srv, err := New(globals.Component("server"), opts)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Listen, "listen", config.EnvString("HTTPTUN_LISTEN", ":8080"), "address to listen on")
	flags.StringVar(&opts.UsersFile, "users", config.EnvString("HTTPTUN_USERS", ""), "path to the users YAML file (required)")
	flags.StringSliceVar(&opts.Allow, "allow", nil, "regexps of host:port targets allowed for users without their own ACL (empty allows all)")
	flags.DurationVar(&opts.MaxIdle, "max-idle", config.EnvDuration("HTTPTUN_MAX_IDLE", tracker.DefaultMaxIdle), "idle time before a session is evicted")
	flags.DurationVar(&opts.EvictionFrequency, "eviction-frequency", config.EnvDuration("HTTPTUN_EVICTION_FREQUENCY", tracker.DefaultEvictionFrequency), "how often the reaper scans for idle sessions")
	flags.StringVar(&opts.SessionIDMode, "session-id-mode", config.EnvString("HTTPTUN_SESSION_ID_MODE", "uuid"), "session identifier generator (uuid or cuid)")
	flags.DurationVar(&opts.ReceiveWait, "receive-wait", config.EnvDuration("HTTPTUN_RECEIVE_WAIT", 30*time.Second), "how long a receive long-poll waits for target bytes")
	flags.IntVar(&opts.MaxPayload, "max-payload", config.EnvInt("HTTPTUN_MAX_PAYLOAD", 32*1024), "maximum payload bytes per tunnel message")
	flags.DurationVar(&opts.DialTimeout, "dial-timeout", config.EnvDuration("HTTPTUN_DIAL_TIMEOUT", 10*time.Second), "timeout for dialing tunnel targets")
	flags.StringSliceVar(&opts.ACMEHosts, "acme-host", nil, "hostnames to obtain Let's Encrypt certificates for (enables TLS)")
	flags.StringVar(&opts.ACMEEmail, "acme-email", config.EnvString("HTTPTUN_ACME_EMAIL", ""), "contact email for the ACME account")
	flags.StringVar(&opts.ACMECache, "acme-cache", config.EnvString("HTTPTUN_ACME_CACHE", ""), "directory for cached ACME certificates")
	flags.StringVar(&opts.ACMEHTTPAddr, "acme-http", config.EnvString("HTTPTUN_ACME_HTTP", ""), "listen address for ACME HTTP-01 challenges")
	flags.StringVar(&traceExporter, "trace-exporter", config.EnvString("HTTPTUN_TRACE_EXPORTER", ""), "tracing exporter (stdout, otlp-grpc, otlp-http; empty disables tracing)")
	flags.StringVar(&traceEndpoint, "trace-endpoint", config.EnvString("HTTPTUN_TRACE_ENDPOINT", ""), "OTLP collector endpoint")
	flags.BoolVar(&traceInsecure, "trace-insecure", config.EnvBool("HTTPTUN_TRACE_INSECURE", true), "export traces without TLS")

	return cmd
}
