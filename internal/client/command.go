package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	xproxy "golang.org/x/net/proxy"

	"github.com/pmarget/httptun/internal/config"
	"github.com/pmarget/httptun/internal/runtime"
	"github.com/pmarget/httptun/internal/transport"
	"github.com/pmarget/httptun/internal/util"
)

// NewCommand builds the `httptun client` subcommand.
func NewCommand(globals *runtime.Options) *cobra.Command {
	var (
		proxyURL      string
		remoteHost    string
		remotePort    int
		localPort     int
		transportKind string
		username      string
		password      string
		keepalive     time.Duration
		upstreamSocks string
		envFile       string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the local tunnel client",
		Long: `Listen on a local port and forward every accepted TCP connection to a
remote host and port through the tunnel server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			}
			if proxyURL == "" {
				proxyURL = config.EnvString("HTTPTUN_PROXY_URL", "")
			}
			if proxyURL == "" {
				return errors.New("--proxy-url is required")
			}
			if remoteHost == "" || remotePort == 0 {
				return errors.New("--remote-host and --remote-port are required")
			}
			if localPort == 0 {
				return errors.New("--local-port is required")
			}

			var err error
			username, password, err = resolveCredentials(username, password)
			if err != nil {
				return err
			}

			var dial transport.DialFunc
			if upstreamSocks != "" {
				dial, err = socksDialer(upstreamSocks)
				if err != nil {
					return err
				}
			}

			logger := globals.Component("client")

			ctx, cancel := util.WithSignalContext(cmd.Context())
			defer cancel()

			var tr transport.Transport
			switch strings.ToLower(transportKind) {
			case "", "http":
				tr, err = transport.NewHTTP(transport.HTTPOptions{
					BaseURL:  proxyURL,
					Username: username,
					Password: password,
					Dial:     dial,
				})
			case "ws", "websocket":
				tr, err = transport.DialWS(ctx, transport.WSOptions{
					BaseURL:  proxyURL,
					Username: username,
					Password: password,
					Dial:     dial,
					Logger:   logger,
				})
			default:
				err = fmt.Errorf("unknown transport %q (use http or ws)", transportKind)
			}
			if err != nil {
				return err
			}

			listener := NewListener(ListenerOptions{
				Transport:  tr,
				RemoteHost: remoteHost,
				RemotePort: remotePort,
				LocalPort:  localPort,
				Keepalive:  keepalive,
				Logger:     logger,
			})
			return listener.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&proxyURL, "proxy-url", "", "base URL of the tunnel server, e.g. https://tunnel.example.com")
	flags.StringVar(&remoteHost, "remote-host", config.EnvString("HTTPTUN_REMOTE_HOST", ""), "host the server should connect to")
	flags.IntVar(&remotePort, "remote-port", config.EnvInt("HTTPTUN_REMOTE_PORT", 0), "port the server should connect to")
	flags.IntVar(&localPort, "local-port", config.EnvInt("HTTPTUN_LOCAL_PORT", 0), "local port to listen on")
	flags.StringVar(&transportKind, "transport", config.EnvString("HTTPTUN_TRANSPORT", "http"), "tunnel transport (http or ws)")
	flags.StringVar(&username, "username", "", "tunnel server username")
	flags.StringVar(&password, "password", "", "tunnel server password")
	flags.DurationVar(&keepalive, "keepalive", config.EnvDuration("HTTPTUN_KEEPALIVE", 25*time.Second), "how often idle sessions are pinged to stay alive")
	flags.StringVar(&upstreamSocks, "upstream-socks", config.EnvString("HTTPTUN_UPSTREAM_SOCKS", ""), "optional upstream SOCKS5 proxy address, e.g. 127.0.0.1:1080")
	flags.StringVar(&envFile, "env-file", "", "load environment variables from this file before reading flags")

	return cmd
}

// resolveCredentials fills missing credentials from the environment and
// finally from an interactive prompt.
func resolveCredentials(username, password string) (string, string, error) {
	if username == "" {
		username = os.Getenv("HTTPTUN_USERNAME")
	}
	if password == "" {
		password = os.Getenv("HTTPTUN_PASSWORD")
	}
	reader := bufio.NewReader(os.Stdin)
	if username == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if username == "" || password == "" {
		return "", "", errors.New("username and password are required")
	}
	return username, password, nil
}

func socksDialer(addr string) (transport.DialFunc, error) {
	dialer, err := xproxy.SOCKS5("tcp", addr, nil, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("upstream socks %s: %w", addr, err)
	}
	if ctxDialer, ok := dialer.(xproxy.ContextDialer); ok {
		return ctxDialer.DialContext, nil
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return dialer.Dial(network, address)
	}, nil
}
