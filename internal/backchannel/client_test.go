package backchannel

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/bcnet/internal/backchannel/bctest"
	"github.com/danmuck/bcnet/internal/contype"
	"github.com/danmuck/bcnet/internal/protocol/control"
	"github.com/danmuck/bcnet/internal/testutil/testlog"
	"github.com/danmuck/bcnet/internal/transport"
)

type harness struct {
	reg    *contype.Registry
	tr     *bctest.Transport
	client *Client
}

func newHarness(t *testing.T, h bctest.Handler, opts ...Option) *harness {
	t.Helper()
	reg, err := contype.NewRegistry(contype.DefaultNames()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tr := bctest.New(h)
	return &harness{reg: reg, tr: tr, client: NewClient(reg, NewMode(tr), opts...)}
}

func (h *harness) typ(t *testing.T, id uint8) contype.Type {
	t.Helper()
	typ, ok := h.reg.At(id)
	if !ok {
		t.Fatalf("no type at %d", id)
	}
	return typ
}

func (h *harness) assertNoLeaks(t *testing.T) {
	t.Helper()
	if h.tr.Outstanding() != 0 {
		t.Fatalf("leaked packets: outstanding=%d", h.tr.Outstanding())
	}
	if h.tr.DoubleReleases() != 0 {
		t.Fatalf("double releases=%d", h.tr.DoubleReleases())
	}
	if h.tr.Receives() != h.tr.Releases() {
		t.Fatalf("receives=%d releases=%d", h.tr.Receives(), h.tr.Releases())
	}
}

func liveConn(h *harness, t *testing.T, typeID uint8, id uint16) *Connection {
	con := NewConnection(h.typ(t, typeID), control.Address{})
	con.SetIdent(Live(id))
	return con
}

func TestBackchannelTypeNeverTouchesTransport(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	bc := h.typ(t, contype.BackchannelID)

	for _, ident := range []Ident{{}, Live(7), Ended()} {
		con := NewConnection(bc, control.Address{})
		con.SetIdent(ident)

		if id, err := h.client.New(ctx, bc, control.Address{}); err != nil || id != 0 {
			t.Fatalf("new ident=%s id=%d err=%v", ident, id, err)
		}
		if err := h.client.Validate(ctx, con); err != nil {
			t.Fatalf("validate ident=%s err=%v", ident, err)
		}
		if err := h.client.SleepSet(ctx, con, SleepSleep); err != nil {
			t.Fatalf("sleep set ident=%s err=%v", ident, err)
		}
		if _, err := h.client.SleepGet(ctx, con); err != nil {
			t.Fatalf("sleep get ident=%s err=%v", ident, err)
		}
		if err := h.client.Settings(ctx, con, Settings{}); err != nil {
			t.Fatalf("settings ident=%s err=%v", ident, err)
		}
		if err := h.client.End(ctx, con); err != nil {
			t.Fatalf("end ident=%s err=%v", ident, err)
		}
		if err := h.client.Open(ctx, con); err != nil {
			t.Fatalf("open ident=%s err=%v", ident, err)
		}
		if got := con.Ident(); got != ident {
			t.Fatalf("ident changed from %s to %s", ident, got)
		}
	}
	if h.tr.Transmits() != 0 || h.tr.Receives() != 0 {
		t.Fatalf("transport used: transmits=%d receives=%d", h.tr.Transmits(), h.tr.Receives())
	}
}

func TestNewEncodesRequestAndDecodesIdentifier(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.tr.Push(control.KindNew, bctest.Response{Data: []byte{0x01, 0x02}})
	addr := control.Address{Addr16Enabled: true, Addr16: [2]byte{0x12, 0x34}}

	id, err := h.client.New(context.Background(), h.typ(t, 5), addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if id != 0x0102 {
		t.Fatalf("id got=%#x", id)
	}
	sent := h.tr.Sent()
	if len(sent) != 1 || sent[0].Kind != control.KindNew {
		t.Fatalf("unexpected sends: %+v", sent)
	}
	raw, _ := addr.MarshalBinary()
	want := append([]byte{5}, raw...)
	if !bytes.Equal(sent[0].Payload, want) {
		t.Fatalf("request got=%x want=%x", sent[0].Payload, want)
	}
	h.assertNoLeaks(t)
}

func TestOpenAssignsLiveIdent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.tr.Push(control.KindNew, bctest.Response{Data: []byte{0x00, 0x09}})
	con := NewConnection(h.typ(t, 2), control.Address{Broadcast: true})
	if err := h.client.Open(context.Background(), con); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := con.Ident(); got != Live(9) {
		t.Fatalf("ident got=%s", got)
	}

	h.tr.Push(control.KindNew, bctest.Response{Status: 3})
	other := NewConnection(h.typ(t, 2), control.Address{})
	if err := h.client.Open(context.Background(), other); CodeOf(err) != CodeRemoteFailure {
		t.Fatalf("expected remote failure, got %v", err)
	}
	if got := other.Ident(); got != (Ident{}) {
		t.Fatalf("failed open must not assign ident, got=%s", got)
	}
	h.assertNoLeaks(t)
}

func TestOpenRejectsAssignedIdent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	cases := map[string]Ident{
		"live":  Live(4),
		"ended": Ended(),
	}
	for name, ident := range cases {
		con := NewConnection(h.typ(t, 6), control.Address{})
		con.SetIdent(ident)
		err := h.client.Open(context.Background(), con)
		if CodeOf(err) != CodeInvalidArgument || !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
		if got := con.Ident(); got != ident {
			t.Fatalf("%s: ident changed to %s", name, got)
		}
	}
	if h.tr.Transmits() != 0 {
		t.Fatalf("rejected opens must not transmit, got %d", h.tr.Transmits())
	}
}

func TestValidateOnEndedShortCircuits(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	con := NewConnection(h.typ(t, 1), control.Address{})
	con.SetIdent(Ended())
	if err := h.client.Validate(context.Background(), con); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if h.tr.Transmits() != 0 {
		t.Fatalf("transmit called %d times", h.tr.Transmits())
	}
}

func TestValidateSendsIdentifier(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	con := liveConn(h, t, 1, 0xabcd)
	if err := h.client.Validate(context.Background(), con); err != nil {
		t.Fatalf("validate: %v", err)
	}
	sent := h.tr.Sent()
	if len(sent) != 1 || sent[0].Kind != control.KindValidate || !bytes.Equal(sent[0].Payload, []byte{0xab, 0xcd}) {
		t.Fatalf("unexpected sends: %+v", sent)
	}

	h.tr.Push(control.KindValidate, bctest.Response{Status: 2})
	if err := h.client.Validate(context.Background(), con); !errors.Is(err, ErrRemoteFailure) {
		t.Fatalf("expected ErrRemoteFailure, got %v", err)
	}
	h.assertNoLeaks(t)
}

func TestLivenessOperationsRejectEnded(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	con := NewConnection(h.typ(t, 3), control.Address{})
	con.SetIdent(Ended())

	checks := map[string]error{
		OpSleepSet: h.client.SleepSet(ctx, con, SleepAwake),
		OpSettings: h.client.Settings(ctx, con, Settings{DisableAck: true}),
		OpEnd:      h.client.End(ctx, con),
	}
	_, checks[OpSleepGet] = h.client.SleepGet(ctx, con)
	for op, err := range checks {
		if CodeOf(err) != CodeInvalidArgument || !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s expected invalid argument, got %v", op, err)
		}
	}
	if h.tr.Transmits() != 0 {
		t.Fatalf("transmit called %d times", h.tr.Transmits())
	}

	unassigned := NewConnection(h.typ(t, 3), control.Address{})
	if err := h.client.End(ctx, unassigned); CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("unassigned end expected invalid argument, got %v", err)
	}
	if err := h.client.Validate(ctx, unassigned); CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("unassigned validate expected invalid argument, got %v", err)
	}
}

func TestUnresolvedTypeIsInvalidArgument(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	other, _ := contype.NewRegistry(contype.BackchannelName, "Local AT")
	foreign, _ := other.Lookup("Local AT")

	_, err := h.client.New(context.Background(), foreign, control.Address{})
	if CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if !errors.Is(err, contype.ErrNotFound) {
		t.Fatalf("expected cause contype.ErrNotFound, got %v", err)
	}
	if _, err := h.client.TypeID(foreign); CodeOf(err) != CodeNotFound {
		t.Fatalf("TypeID expected not found, got %v", err)
	}
	con := NewConnection(foreign, control.Address{})
	con.SetIdent(Live(1))
	if err := h.client.Validate(context.Background(), con); CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("validate expected invalid argument, got %v", err)
	}
	if h.tr.Transmits() != 0 {
		t.Fatalf("transmit called %d times", h.tr.Transmits())
	}
}

func TestTypeIDRangeExceeded(t *testing.T) {
	testlog.Start(t)
	names := make([]string, 257)
	names[0] = contype.BackchannelName
	for i := 1; i < len(names); i++ {
		names[i] = "t" + string(rune('A'+i%26)) + string(rune('a'+i/26))
	}
	reg, err := contype.NewRegistry(names...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tr := bctest.New(nil)
	client := NewClient(reg, NewMode(tr))
	last, _ := reg.Lookup(names[256])
	if _, err := client.TypeID(last); CodeOf(err) != CodeRangeExceeded {
		t.Fatalf("expected range exceeded, got %v", err)
	}
	if _, err := client.New(context.Background(), last, control.Address{}); CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if tr.Transmits() != 0 {
		t.Fatalf("transmit called")
	}
}

func TestEndMarksEndedOnlyOnSuccess(t *testing.T) {
	testlog.Start(t)
	failures := map[string]bctest.Response{
		"remote_status":   {Status: 1},
		"local_dispatch":  {Dispatch: 4},
		"transmit_error":  {TransmitErr: errors.New("write: broken pipe")},
		"receive_error":   {ReceiveErr: transport.ErrClosed},
		"absent_response": {NoPacket: true},
	}
	for name, resp := range failures {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			con := liveConn(h, t, 4, 0x0042)
			h.tr.Push(control.KindEnd, resp)
			err := h.client.End(context.Background(), con)
			if CodeOf(err) != CodeRemoteFailure {
				t.Fatalf("expected remote failure, got %v", err)
			}
			if got := con.Ident(); got != Live(0x42) {
				t.Fatalf("ident changed on failure: %s", got)
			}
			h.assertNoLeaks(t)
		})
	}

	h := newHarness(t, nil)
	con := liveConn(h, t, 4, 0x0042)
	if err := h.client.End(context.Background(), con); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !con.Ident().IsEnded() {
		t.Fatalf("expected ended, got %s", con.Ident())
	}
	if sent := h.tr.Sent(); !bytes.Equal(sent[0].Payload, []byte{0x00, 0x42}) {
		t.Fatalf("end request got=%x", sent[0].Payload)
	}
	if err := h.client.End(context.Background(), con); CodeOf(err) != CodeInvalidArgument {
		t.Fatalf("second end expected invalid argument, got %v", err)
	}
	h.assertNoLeaks(t)
}

func TestSleepRoundTripWithEchoingRemote(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	remoteState := byte(SleepAwake)
	h := newHarness(t, func(kind control.Kind, req []byte) bctest.Response {
		mu.Lock()
		defer mu.Unlock()
		if kind != control.KindSleep {
			return bctest.Response{}
		}
		_, state, set, err := control.DecodeSleepRequest(req)
		if err != nil {
			return bctest.Response{Status: 4}
		}
		if set {
			remoteState = state
		}
		return bctest.Response{Data: []byte{remoteState}}
	})
	ctx := context.Background()
	con := liveConn(h, t, 6, 77)

	first, err := h.client.SleepGet(ctx, con)
	if err != nil || first != SleepAwake {
		t.Fatalf("first sleep get state=%s err=%v", first, err)
	}
	if err := h.client.SleepSet(ctx, con, SleepSnooze); err != nil {
		t.Fatalf("sleep set: %v", err)
	}
	if con.SleepState() != SleepAwake {
		t.Fatalf("sleep set must not update local state, got %s", con.SleepState())
	}
	second, err := h.client.SleepGet(ctx, con)
	if err != nil || second != SleepSnooze {
		t.Fatalf("second sleep get state=%s err=%v", second, err)
	}
	if con.SleepState() != SleepSnooze {
		t.Fatalf("local sleep state got=%s", con.SleepState())
	}
	h.assertNoLeaks(t)
}

func TestMalformedResponsesAreRemoteFailures(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	con := liveConn(h, t, 1, 5)
	con.setSleepState(SleepSleep)

	h.tr.Push(control.KindNew, bctest.Response{Data: []byte{0x01}})
	if _, err := h.client.New(ctx, h.typ(t, 1), control.Address{}); CodeOf(err) != CodeRemoteFailure {
		t.Fatalf("short new response expected remote failure, got %v", err)
	}
	h.tr.Push(control.KindNew, bctest.Response{Data: []byte{0x01, 0x02, 0x03}})
	if _, err := h.client.New(ctx, h.typ(t, 1), control.Address{}); !errors.Is(err, control.ErrInvalidLength) {
		t.Fatalf("long new response expected ErrInvalidLength cause, got %v", err)
	}
	h.tr.Push(control.KindSleep, bctest.Response{})
	if err := h.client.SleepSet(ctx, con, SleepAwake); CodeOf(err) != CodeRemoteFailure {
		t.Fatalf("empty sleep set response expected remote failure, got %v", err)
	}
	h.tr.Push(control.KindSleep, bctest.Response{Data: []byte{1, 2}})
	if _, err := h.client.SleepGet(ctx, con); CodeOf(err) != CodeRemoteFailure {
		t.Fatalf("long sleep get response expected remote failure, got %v", err)
	}
	if con.SleepState() != SleepSleep {
		t.Fatalf("failed sleep get changed state to %s", con.SleepState())
	}
	h.tr.Push(control.KindSleep, bctest.Response{Dispatch: 1, Data: []byte{0}})
	if _, err := h.client.SleepGet(ctx, con); CodeOf(err) != CodeRemoteFailure {
		t.Fatalf("local dispatch failure expected remote failure, got %v", err)
	}
	var se *StatusError
	h.tr.Push(control.KindValidate, bctest.Response{Status: 9})
	if err := h.client.Validate(ctx, con); !errors.As(err, &se) || se.Status != 9 || se.Local {
		t.Fatalf("expected remote StatusError 9, got %v", err)
	}
	h.assertNoLeaks(t)
}

func TestOutOfMemoryWhenTransportHasNoBuffer(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.tr.Push(control.KindNew, bctest.Response{TransmitErr: transport.ErrNoBuffer})
	_, err := h.client.New(context.Background(), h.typ(t, 1), control.Address{})
	if CodeOf(err) != CodeOutOfMemory || !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected out of memory, got %v", err)
	}
	if h.tr.Receives() != 0 {
		t.Fatalf("receive must not run after failed dispatch")
	}
}

func TestEveryReceiveIsReleasedOnEveryBranch(t *testing.T) {
	testlog.Start(t)
	branches := []bctest.Response{
		{},
		{Status: 1},
		{Dispatch: 2},
		{Data: []byte{1, 2, 3, 4}},
		{Data: []byte{0x00, 0x01}},
		{Data: []byte{0x02}},
		{NoPacket: true},
		{ReceiveErr: errors.New("reset")},
		{TransmitErr: errors.New("write failed")},
		{TransmitErr: transport.ErrNoBuffer},
	}
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, resp := range branches {
		for _, k := range []control.Kind{control.KindNew, control.KindValidate, control.KindSleep, control.KindEnd, control.KindEcho} {
			h.tr.Push(k, resp)
		}
		h.tr.Push(control.KindSleep, resp)

		_, _ = h.client.New(ctx, h.typ(t, 2), control.Address{})
		_ = h.client.Validate(ctx, liveConn(h, t, 2, 1))
		_ = h.client.SleepSet(ctx, liveConn(h, t, 2, 1), SleepSleep)
		_, _ = h.client.SleepGet(ctx, liveConn(h, t, 2, 1))
		_ = h.client.End(ctx, liveConn(h, t, 2, 1))
		_ = h.client.Echo(ctx, []byte{0x02})
	}
	if h.tr.Receives() == 0 {
		t.Fatalf("expected packets to be received")
	}
	h.assertNoLeaks(t)
}

func TestEcho(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(kind control.Kind, req []byte) bctest.Response {
		return bctest.Response{Data: req}
	})
	if err := h.client.Echo(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("echo: %v", err)
	}
	h.tr.Push(control.KindEcho, bctest.Response{Data: []byte("pong")})
	if err := h.client.Echo(context.Background(), []byte("ping")); !errors.Is(err, control.ErrEchoMismatch) {
		t.Fatalf("expected ErrEchoMismatch, got %v", err)
	}
	h.assertNoLeaks(t)
}

func TestSameKindSerialisedDifferentKindsIndependent(t *testing.T) {
	testlog.Start(t)
	m := NewMode(bctest.New(nil))
	release, err := m.acquire(context.Background(), control.KindSleep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.acquire(ctx, control.KindSleep); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected same-kind acquire to block, got %v", err)
	}
	other, err := m.acquire(context.Background(), control.KindEnd)
	if err != nil {
		t.Fatalf("different kind acquire: %v", err)
	}
	other()
	release()

	again, err := m.acquire(context.Background(), control.KindSleep)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestBusyChannelIsRemoteFailure(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	release, err := h.client.mode.acquire(context.Background(), control.KindValidate)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.client.Validate(ctx, liveConn(h, t, 1, 3))
	if CodeOf(err) != CodeRemoteFailure || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected remote failure from context, got %v", err)
	}
	if h.tr.Transmits() != 0 {
		t.Fatalf("transmit must wait for the channel")
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	codes map[string][]Code
}

func (r *recordingObserver) ObserveRPC(op string, code Code, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[op] = append(r.codes[op], code)
}

func TestObserverSeesEveryOutcome(t *testing.T) {
	testlog.Start(t)
	obs := &recordingObserver{codes: make(map[string][]Code)}
	h := newHarness(t, nil, WithObserver(obs))
	h.tr.Push(control.KindEnd, bctest.Response{Status: 1})
	con := liveConn(h, t, 1, 1)
	_ = h.client.End(context.Background(), con)
	_ = h.client.End(context.Background(), con)
	con.SetIdent(Ended())
	_ = h.client.End(context.Background(), con)

	got := obs.codes[OpEnd]
	want := []Code{CodeRemoteFailure, CodeSuccess, CodeInvalidArgument}
	if len(got) != len(want) {
		t.Fatalf("observed=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("observed[%d]=%s want=%s", i, got[i], want[i])
		}
	}
}

func TestErrorFormattingAndCodes(t *testing.T) {
	testlog.Start(t)
	err := newError(OpEnd, CodeRemoteFailure, &StatusError{Status: 3})
	if err.Error() != "backchannel end: remote_failure: remote status 3" {
		t.Fatalf("message got=%q", err.Error())
	}
	if CodeOf(nil) != CodeSuccess {
		t.Fatalf("nil must be success")
	}
	if CodeOf(contype.ErrRangeExceeded) != CodeRangeExceeded {
		t.Fatalf("raw range error must map to range exceeded")
	}
	if CodeOf(errors.New("x")) != CodeRemoteFailure {
		t.Fatalf("unknown errors map to remote failure")
	}
}
