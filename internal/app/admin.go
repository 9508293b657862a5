package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/hitoshi/garagegate/internal/config"
	"github.com/hitoshi/garagegate/internal/model"
)

// adminCommand は admin サブコマンドの解析結果。
type adminCommand struct {
	Action   string
	Email    string
	Reason   string
	TTLHours int
}

var adminActions = []string{
	"whitelist-add",
	"whitelist-remove",
	"blacklist-add",
	"blacklist-remove",
	"generate-code",
	"list-users",
}

// errAdminUsage はヘルプ表示を要求されたことを表す。
var errAdminUsage = errors.New("admin usage requested")

// adminAuthz は admin サブコマンドが使う認可操作。
type adminAuthz interface {
	AddWhitelist(ctx context.Context, email, actor string) error
	RemoveWhitelist(ctx context.Context, email, actor string) error
	AddBlacklist(ctx context.Context, email, actor, reason string) error
	RemoveBlacklist(ctx context.Context, email, actor string) error
	ListUsers(ctx context.Context) ([]*model.AuthorizationRecord, error)
}

// adminCodes は admin サブコマンドが使うコード発行操作。
type adminCodes interface {
	GenerateCode(ctx context.Context, email string, ttlHours int, actor string) (*model.IssuedCode, error)
}

// parseAdminArgs は "admin <action> [flags]" の action 以降を解析する。
func parseAdminArgs(args []string, defaultTTLHours int, output io.Writer) (*adminCommand, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("admin action is required (one of %s)", strings.Join(adminActions, ", "))
	}

	cmd := &adminCommand{Action: args[0]}
	known := false
	for _, a := range adminActions {
		if a == cmd.Action {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("unknown admin action: %q", cmd.Action)
	}

	flags := pflag.NewFlagSet("admin "+cmd.Action, pflag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&cmd.Email, "email", "", "target email address")
	flags.StringVar(&cmd.Reason, "reason", "", "blacklist reason")
	flags.IntVar(&cmd.TTLHours, "ttl-hours", defaultTTLHours, "access code lifetime in hours")

	if err := flags.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errAdminUsage
		}
		return nil, err
	}

	if cmd.Action != "list-users" && strings.TrimSpace(cmd.Email) == "" {
		return nil, fmt.Errorf("--email is required for %s", cmd.Action)
	}
	return cmd, nil
}

// execute は解析済みのコマンドを実行し、結果を w に書き出す。
// 操作主体はシステムとして記録する。
func (c *adminCommand) execute(ctx context.Context, a adminAuthz, codes adminCodes, w io.Writer) error {
	actor := model.SystemActor

	switch c.Action {
	case "whitelist-add":
		if err := a.AddWhitelist(ctx, c.Email, actor); err != nil {
			return err
		}
		fmt.Fprintf(w, "whitelisted %s\n", c.Email)
	case "whitelist-remove":
		if err := a.RemoveWhitelist(ctx, c.Email, actor); err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %s from whitelist\n", c.Email)
	case "blacklist-add":
		if err := a.AddBlacklist(ctx, c.Email, actor, c.Reason); err != nil {
			return err
		}
		fmt.Fprintf(w, "blacklisted %s\n", c.Email)
	case "blacklist-remove":
		if err := a.RemoveBlacklist(ctx, c.Email, actor); err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %s from blacklist\n", c.Email)
	case "generate-code":
		issued, err := codes.GenerateCode(ctx, c.Email, c.TTLHours, actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "code=%s email=%s expires_at=%s\n", issued.Code, issued.Email, issued.ExpiresAt.UTC().Format(time.RFC3339))
	case "list-users":
		users, err := a.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintln(w, u.Email)
		}
	default:
		return fmt.Errorf("unknown admin action: %q", c.Action)
	}
	return nil
}

// runAdmin は認可管理とコード発行をコマンドラインから行う。
// 管理画面にログインする前の初期登録に使う。
func runAdmin(cfg *config.Config, args []string, w io.Writer) error {
	cmd, err := parseAdminArgs(args, cfg.CodeDefaultTTLHours, w)
	if errors.Is(err, errAdminUsage) {
		return nil
	}
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := buildComponents(context.Background(), cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cmd.execute(ctx, c.authz, c.codes, w); err != nil {
		return fmt.Errorf("admin %s failed: %w", cmd.Action, err)
	}
	return nil
}
