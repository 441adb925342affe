package agent

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/danmuck/measctl/internal/protocol/vbsp"
	"github.com/danmuck/measctl/internal/testutil/testlog"
)

type inbound struct {
	payload  []byte
	moduleID uint32
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(DefaultConfig(), testlog.Logger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("serve did not stop")
		}
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return nc, bufio.NewReader(nc)
}

func sendHello(t *testing.T, nc net.Conn, enbID uint32) {
	t.Helper()
	err := vbsp.WriteFrame(nc, vbsp.Frame{Header: vbsp.Header{
		Type:    vbsp.TypeSingle,
		Version: vbsp.Version,
		ENBID:   enbID,
		Seq:     1,
		Action:  vbsp.ActHello,
		Dir:     vbsp.DirRequest,
	}})
	if err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func readFrame(t *testing.T, nc net.Conn, r *bufio.Reader) vbsp.Frame {
	t.Helper()
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := vbsp.ReadFrame(r, vbsp.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerBindsFirstFrameAndRepliesHello(t *testing.T) {
	srv, addr := startServer(t)
	nc, r := dial(t, addr)

	sendHello(t, nc, 7)
	reply := readFrame(t, nc, r)
	if reply.Header.Action != vbsp.ActHello || reply.Header.Dir != vbsp.DirReply || reply.Header.ENBID != 7 {
		t.Fatalf("unexpected hello reply: %+v", reply.Header)
	}

	eventually(t, "enb binding", func() bool {
		_, ok := srv.Lookup(7)
		return ok
	})
	conn, _ := srv.Lookup(7)
	if !conn.IsReachable() || conn.ENBID() != 7 {
		t.Fatalf("bound connection not reachable")
	}
	agents := srv.Agents()
	if len(agents) != 1 || agents[0].ENBID != 7 || !agents[0].Reachable {
		t.Fatalf("agents=%+v", agents)
	}
}

func TestServerRoutesRepliesByAction(t *testing.T) {
	srv, addr := startServer(t)
	got := make(chan inbound, 1)
	srv.Handle(vbsp.ActRRCMeasurement, func(payload []byte, moduleID uint32) {
		got <- inbound{payload: payload, moduleID: moduleID}
	})
	nc, r := dial(t, addr)
	sendHello(t, nc, 9)
	readFrame(t, nc, r)

	body := rrc.EncodeResponse(rrc.Response{Entries: []rrc.Entry{{MeasID: 0, PCI: 55, RSRP: 10, RSRQ: 20}}})
	err := vbsp.WriteFrame(nc, vbsp.Frame{
		Header: vbsp.Header{
			Type:     vbsp.TypeTrigger,
			ENBID:    9,
			ModuleID: 42,
			Action:   vbsp.ActRRCMeasurement,
			Dir:      vbsp.DirReply,
			Op:       vbsp.OpSuccess,
		},
		Payload: body,
	})
	if err != nil {
		t.Fatalf("write reply: %v", err)
	}

	select {
	case in := <-got:
		if in.moduleID != 42 {
			t.Fatalf("module_id=%d want 42", in.moduleID)
		}
		resp, err := rrc.DecodeResponse(in.payload)
		if err != nil || len(resp.Entries) != 1 || resp.Entries[0].PCI != 55 {
			t.Fatalf("payload decode: %+v err=%v", resp, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}
}

func TestServerWritesQueuedFrames(t *testing.T) {
	srv, addr := startServer(t)
	nc, r := dial(t, addr)
	sendHello(t, nc, 3)
	readFrame(t, nc, r)
	eventually(t, "enb binding", func() bool {
		_, ok := srv.Connection(3)
		return ok
	})

	conn, _ := srv.Connection(3)
	reqs, err := rrc.BuildRequests(rrc.BuildParams{ModuleID: 5, ENBID: 3, RNTI: 0x47, Seq: conn},
		[]rrc.Measurement{{EARFCN: 100, Interval: 200, MaxCells: 4, MaxMeas: 4}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := conn.Write(rrc.EncodeRequest(reqs[0])); err != nil {
		t.Fatalf("write: %v", err)
	}

	fr := readFrame(t, nc, r)
	if fr.Header.Length != rrc.RequestLen || fr.Header.ModuleID != 5 || fr.Header.Action != vbsp.ActRRCMeasurement {
		t.Fatalf("unexpected request frame: %+v", fr.Header)
	}
}

func TestServerReplacesSessionForSameENB(t *testing.T) {
	srv, addr := startServer(t)
	first, firstR := dial(t, addr)
	sendHello(t, first, 11)
	readFrame(t, first, firstR)
	eventually(t, "first binding", func() bool {
		_, ok := srv.Connection(11)
		return ok
	})
	old, _ := srv.Connection(11)

	second, secondR := dial(t, addr)
	sendHello(t, second, 11)
	readFrame(t, second, secondR)
	eventually(t, "rebinding", func() bool {
		c, ok := srv.Connection(11)
		return ok && c != old
	})

	if old.IsReachable() {
		t.Fatalf("replaced session still reachable")
	}
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := vbsp.ReadFrame(firstR, vbsp.DefaultLimits()); err == nil {
		t.Fatalf("replaced session still open")
	}
}

func TestServerUnbindsOnDisconnect(t *testing.T) {
	srv, addr := startServer(t)
	nc, r := dial(t, addr)
	sendHello(t, nc, 21)
	readFrame(t, nc, r)
	eventually(t, "binding", func() bool {
		_, ok := srv.Lookup(21)
		return ok
	})

	_ = nc.Close()
	eventually(t, "unbinding", func() bool {
		_, ok := srv.Lookup(21)
		return !ok
	})
}

func TestServerDropsFramesForForeignENB(t *testing.T) {
	srv, addr := startServer(t)
	calls := make(chan struct{}, 1)
	srv.Handle(vbsp.ActRRCMeasurement, func([]byte, uint32) { calls <- struct{}{} })
	nc, r := dial(t, addr)
	sendHello(t, nc, 1)
	readFrame(t, nc, r)

	_ = vbsp.WriteFrame(nc, vbsp.Frame{Header: vbsp.Header{
		ENBID:  2,
		Action: vbsp.ActRRCMeasurement,
		Dir:    vbsp.DirReply,
	}, Payload: rrc.EncodeResponse(rrc.Response{})})
	// A hello after the foreign frame proves it was consumed.
	sendHello(t, nc, 1)
	readFrame(t, nc, r)

	select {
	case <-calls:
		t.Fatalf("foreign frame reached a handler")
	default:
	}
	if _, ok := srv.Lookup(2); ok {
		t.Fatalf("foreign enb was bound")
	}
}
