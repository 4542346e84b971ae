package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/internal/config"
	"git.sr.ht/~jakintosh/authsession/internal/observability"
	"git.sr.ht/~jakintosh/authsession/pkg/authapi"
	"git.sr.ht/~jakintosh/authsession/pkg/authsession"
	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/transport"
)

// Options holds the command-line flags
type Options struct {
	ConfigPath string
	Email      string
	Password   string
	Code       string
	Target     string
	Watch      bool
	Logout     bool
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("session client failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) error {
	client, err := authsession.New(cfg, authsession.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	if opts.Email != "" && !client.Store.IsAuthenticated() {
		if err := login(ctx, client, opts); err != nil {
			return err
		}
	}

	if opts.Target != "" {
		resp, err := client.Transport.Do(ctx, transport.Request{Target: opts.Target})
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(resp.Value()); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}

	if opts.Watch {
		client.Events.Subscribe(events.SessionExpiring, func(e events.Event) {
			if p, ok := e.Payload.(events.SessionExpiringPayload); ok {
				fmt.Fprintln(os.Stderr, p.Message)
			}
		})
		client.Start(ctx)
		<-ctx.Done()
	}

	if opts.Logout {
		return client.Auth.Logout(context.WithoutCancel(ctx))
	}
	return nil
}

func login(ctx context.Context, client *authsession.Client, opts Options) error {
	user, err := client.Auth.Login(ctx, opts.Email, opts.Password)
	challenge := &authapi.TwoFactorRequiredError{}
	if errors.As(err, &challenge) {
		if opts.Code == "" {
			return fmt.Errorf("%w: pass --code", err)
		}
		user, err = client.Auth.Verify2FA(ctx, challenge.Challenge, opts.Code)
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(os.Stderr, "logged in as %v\n", user["email"])
	return nil
}

func parseFlags() Options {
	var opts Options

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to config file (falls back to CONFIG_PATH, then env)")
	flag.StringVar(&opts.Email, "email", "", "Log in with this email when there is no stored session")
	flag.StringVar(&opts.Password, "password", os.Getenv("AUTHSESSION_PASSWORD"), "Password for --email")
	flag.StringVar(&opts.Code, "code", "", "Two-factor code, when the account needs one")
	flag.StringVar(&opts.Target, "get", "", "Path to GET with the session and print")
	flag.BoolVar(&opts.Watch, "watch", false, "Keep the session refreshed until interrupted")
	flag.BoolVar(&opts.Logout, "logout", false, "Log out before exiting")

	flag.Parse()
	return opts
}
