package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/bcnet/internal/backchannel"
	"github.com/danmuck/bcnet/internal/config"
	"github.com/danmuck/bcnet/internal/contype"
	"github.com/danmuck/bcnet/internal/observability"
	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/danmuck/bcnet/internal/transport"
	flag "github.com/spf13/pflag"
)

type globalFlags struct {
	configPath string
	addr       string
	timeout    time.Duration
	logLevel   string
	metricsOut string
	help       bool
}

func parseGlobal(args []string) (globalFlags, []string, error) {
	var g globalFlags
	fs := flag.NewFlagSet("bcctl", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVarP(&g.configPath, "config", "c", "", "TOML config path")
	fs.StringVarP(&g.addr, "addr", "a", "", "peer address")
	fs.DurationVarP(&g.timeout, "timeout", "t", 0, "per-command timeout")
	fs.StringVar(&g.logLevel, "log-level", "", "log level")
	fs.StringVar(&g.metricsOut, "metrics-out", "", "write RPC metrics in Prometheus text format to this path")
	fs.BoolVarP(&g.help, "help", "h", false, "show help")
	if err := fs.Parse(args); err != nil {
		return g, nil, err
	}
	return g, fs.Args(), nil
}

type command func(ctx context.Context, cfg config.Config, args []string, out io.Writer) error

var commands = map[string]command{
	"types":     runTypes,
	"new":       runNew,
	"validate":  runValidate,
	"sleep-get": runSleepGet,
	"sleep-set": runSleepSet,
	"end":       runEnd,
	"echo":      runEcho,
}

// session is one dialed stream with a client bound to it.
type session struct {
	reg    *contype.Registry
	conn   *transport.Conn
	client *backchannel.Client
}

func dial(ctx context.Context, cfg config.Config) (*session, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, cfg.Client.Address, cfg.Client.Transport)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Client.Address, err)
	}
	mode := backchannel.NewMode(conn)
	client := backchannel.NewClient(reg, mode, backchannel.WithObserver(observability.RPCObserver{}))
	return &session{reg: reg, conn: conn, client: client}, nil
}

func (s *session) Close() error {
	return s.conn.Close()
}

func withTimeout(ctx context.Context, cfg config.Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cfg.Client.Timeout)
}

func runTypes(_ context.Context, cfg config.Config, _ []string, out io.Writer) error {
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	for i, t := range reg.Types() {
		fmt.Fprintf(out, "%3d  %s\n", i, t.Name)
	}
	return nil
}

func runNew(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	typeName := fs.String("type", "", "connection type name")
	addr16 := fs.String("addr16", "", "16-bit address, hex")
	addr64 := fs.String("addr64", "", "64-bit address, hex")
	broadcast := fs.Bool("broadcast", false, "broadcast connection")
	frameID := fs.Int("frame-id", -1, "fixed frame id (0-255)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr := control.Address{Broadcast: *broadcast}
	if *addr16 != "" {
		if err := decodeHex("addr16", *addr16, addr.Addr16[:]); err != nil {
			return err
		}
		addr.Addr16Enabled = true
	}
	if *addr64 != "" {
		if err := decodeHex("addr64", *addr64, addr.Addr64[:]); err != nil {
			return err
		}
		addr.Addr64Enabled = true
	}
	if *frameID >= 0 {
		if *frameID > 0xFF {
			return fmt.Errorf("frame-id %d out of range", *frameID)
		}
		addr.FrameIDEnabled = true
		addr.FrameID = uint8(*frameID)
	}

	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	s, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	t, err := lookupType(s.reg, *typeName)
	if err != nil {
		return err
	}
	id, err := s.client.New(ctx, t, addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d\n", id)
	return nil
}

// identCommand parses "--type NAME ID [extra...]" into the type name, the id and the extra arguments.
func identCommand(name string, args []string, extra int) (string, uint16, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	typeName := fs.String("type", "", "connection type name")
	if err := fs.Parse(args); err != nil {
		return "", 0, nil, err
	}
	pos := fs.Args()
	if len(pos) != 1+extra {
		return "", 0, nil, fmt.Errorf("%s: expected %d positional argument(s), got %d", name, 1+extra, len(pos))
	}
	id, err := strconv.ParseUint(pos[0], 10, 16)
	if err != nil {
		return "", 0, nil, fmt.Errorf("%s: invalid id %q", name, pos[0])
	}
	return *typeName, uint16(id), pos[1:], nil
}

func openIdent(ctx context.Context, cfg config.Config, typeName string, id uint16) (*session, *backchannel.Connection, error) {
	s, err := dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	t, err := lookupType(s.reg, typeName)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	con := backchannel.NewConnection(t, control.Address{})
	con.SetIdent(backchannel.Live(id))
	return s, con, nil
}

func runValidate(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	typeName, id, _, err := identCommand("validate", args, 0)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	s, con, err := openIdent(ctx, cfg, typeName, id)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.client.Validate(ctx, con); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func runSleepGet(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	typeName, id, _, err := identCommand("sleep-get", args, 0)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	s, con, err := openIdent(ctx, cfg, typeName, id)
	if err != nil {
		return err
	}
	defer s.Close()
	state, err := s.client.SleepGet(ctx, con)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, state)
	return nil
}

func runSleepSet(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	typeName, id, rest, err := identCommand("sleep-set", args, 1)
	if err != nil {
		return err
	}
	state, err := parseSleepState(rest[0])
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	s, con, err := openIdent(ctx, cfg, typeName, id)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.client.SleepSet(ctx, con, state); err != nil {
		return err
	}
	fmt.Fprintln(out, state)
	return nil
}

func runEnd(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	typeName, id, _, err := identCommand("end", args, 0)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	s, con, err := openIdent(ctx, cfg, typeName, id)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.client.End(ctx, con); err != nil {
		return err
	}
	fmt.Fprintln(out, "ended")
	return nil
}

func runEcho(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("echo: missing text")
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	s, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	text := strings.Join(args, " ")
	if err := s.client.Echo(ctx, []byte(text)); err != nil {
		return err
	}
	fmt.Fprintln(out, text)
	return nil
}

func lookupType(reg *contype.Registry, name string) (contype.Type, error) {
	if strings.TrimSpace(name) == "" {
		return contype.Type{}, fmt.Errorf("missing --type")
	}
	t, ok := reg.Lookup(name)
	if !ok {
		return contype.Type{}, fmt.Errorf("unknown connection type %q", name)
	}
	return t, nil
}

func decodeHex(field, raw string, dst []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(raw), "0x"))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%s: want %d bytes, got %d", field, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

func parseSleepState(raw string) (backchannel.SleepState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "awake":
		return backchannel.SleepAwake, nil
	case "snooze":
		return backchannel.SleepSnooze, nil
	case "sleep":
		return backchannel.SleepSleep, nil
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid sleep state %q", raw)
	}
	return backchannel.SleepState(v), nil
}
