package integration

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/risa-org/nodelink/conn"
	"github.com/risa-org/nodelink/handshake"
	"github.com/risa-org/nodelink/transport/pipe"
	"github.com/risa-org/nodelink/transport/tcp"
	"github.com/risa-org/nodelink/transport/websocket"
)

var fastRetry = conn.Backoff{
	Attempts:   30,
	Initial:    5 * time.Millisecond,
	Max:        50 * time.Millisecond,
	Multiplier: 2,
	Timeout:    2 * time.Second,
}

// inbox records deliveries per sender and connection index.
type inbox struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newInbox() *inbox {
	return &inbox{msgs: make(map[string][]string)}
}

func (b *inbox) handle(node string, connIdx int, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := fmt.Sprintf("%s/%d", node, connIdx)
	b.msgs[key] = append(b.msgs[key], string(payload))
}

func (b *inbox) from(key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs[key]...)
}

func payloads(prefix string, from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

func sendAll(m *conn.Manager, node string, msgs []string) []*conn.Future {
	futs := make([]*conn.Future, len(msgs))
	for i, p := range msgs {
		futs[i] = m.SendMessage(node, 0, []byte(p))
	}
	return futs
}

func waitAll(t *testing.T, futs []*conn.Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for i, f := range futs {
		if err := f.Wait(ctx); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func checkExactlyOnce(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("received %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// tcpNode is a manager listening on a loopback TCP port.
type tcpNode struct {
	mgr   *conn.Manager
	inbox *inbox
	addr  string
}

func startTCP(t *testing.T, id string, book *tcp.StaticAddresses, mutate func(*conn.Options)) *tcpNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	book.Set(id, ln.Addr().String())

	in := newInbox()
	opts := conn.Options{
		NodeID:      id,
		Dialer:      &tcp.Dialer{Book: book},
		Handler:     in.handle,
		Policy:      fastRetry,
		AcceptGrace: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := conn.New(opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go tcp.Serve(ctx, ln, m.Accept)
	t.Cleanup(func() {
		m.Close()
		cancel()
	})
	return &tcpNode{mgr: m, inbox: in, addr: ln.Addr().String()}
}

func TestResumeOverTCP(t *testing.T) {
	book := tcp.NewStaticAddresses(nil)
	a := startTCP(t, "a", book, nil)
	b := startTCP(t, "b", book, nil)

	first := payloads("m", 1, 50)
	waitAll(t, sendAll(a.mgr, "b", first))

	if n := a.mgr.CloseSessions("b"); n != 1 {
		t.Fatalf("CloseSessions closed %d sessions, want 1", n)
	}

	second := payloads("m", 51, 100)
	waitAll(t, sendAll(a.mgr, "b", second))

	waitFor(t, "all deliveries", func() bool { return len(b.inbox.from("a/0")) == 100 })
	checkExactlyOnce(t, b.inbox.from("a/0"), append(first, second...))

	stats := a.mgr.Snapshot()
	if len(stats) != 1 || stats[0].Reconnects < 1 || stats[0].State != conn.StateConnected {
		t.Errorf("unexpected link stats %+v", stats)
	}
}

func TestConcurrentSendsDuringCutsOverTCP(t *testing.T) {
	book := tcp.NewStaticAddresses(nil)
	a := startTCP(t, "a", book, nil)
	b := startTCP(t, "b", book, nil)

	msgs := payloads("x", 1, 400)
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && len(b.inbox.from("a/0")) < len(msgs) {
			time.Sleep(10 * time.Millisecond)
			a.mgr.CloseSessions("b")
		}
	}()

	var futs []*conn.Future
	for i, p := range msgs {
		futs = append(futs, a.mgr.SendMessage("b", 0, []byte(p)))
		if i%40 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	waitAll(t, futs)
	<-done

	waitFor(t, "all deliveries", func() bool { return len(b.inbox.from("a/0")) == len(msgs) })
	checkExactlyOnce(t, b.inbox.from("a/0"), msgs)
}

func TestMismatchedSecretsOverTCP(t *testing.T) {
	book := tcp.NewStaticAddresses(nil)
	a := startTCP(t, "a", book, func(o *conn.Options) {
		o.Tokens = handshake.NewTokenIssuer([]byte("alpha-secret"))
	})
	startTCP(t, "b", book, func(o *conn.Options) {
		o.Tokens = handshake.NewTokenIssuer([]byte("beta-secret"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.mgr.SendMessage("b", 0, []byte("hello")).Wait(ctx)

	if !errors.Is(err, conn.ErrRetryBudgetExhausted) {
		t.Fatalf("expected retry budget exhausted, got %v", err)
	}
	var rej *handshake.RejectedError
	if !errors.As(err, &rej) || rej.Reason != handshake.ReasonInvalidToken {
		t.Fatalf("expected invalid_token rejection, got %v", err)
	}
}

func TestPeerRestartOverTCP(t *testing.T) {
	book := tcp.NewStaticAddresses(nil)
	a := startTCP(t, "a", book, nil)
	b1 := startTCP(t, "b", book, nil)

	waitAll(t, sendAll(a.mgr, "b", payloads("before", 1, 3)))
	waitFor(t, "first deliveries", func() bool { return len(b1.inbox.from("a/0")) == 3 })

	// b restarts with no memory of a, on a new port.
	before := a.mgr.Snapshot()[0].Reconnects
	b1.mgr.Close()
	b2 := startTCP(t, "b", book, nil)
	waitFor(t, "a to reach the new incarnation", func() bool {
		s := a.mgr.Snapshot()
		return len(s) == 1 && s[0].State == conn.StateConnected && s[0].Reconnects > before
	})

	after := payloads("after", 1, 5)
	waitAll(t, sendAll(a.mgr, "b", after))
	waitFor(t, "deliveries to the new incarnation", func() bool { return len(b2.inbox.from("a/0")) == 5 })
	checkExactlyOnce(t, b2.inbox.from("a/0"), after)

	stats := a.mgr.Snapshot()
	if len(stats) != 1 || stats[0].Sent != 5 {
		t.Errorf("expected a fresh sequence domain after the restart, got %+v", stats)
	}
}

// wsNode is a manager served over a websocket endpoint.
type wsNode struct {
	mgr   *conn.Manager
	inbox *inbox
	srv   *httptest.Server
}

func startWS(t *testing.T, id string, urls *sync.Map) *wsNode {
	t.Helper()
	in := newInbox()
	m, err := conn.New(conn.Options{
		NodeID: id,
		Dialer: &websocket.Dialer{URL: func(node string) (string, bool) {
			u, ok := urls.Load(node)
			if !ok {
				return "", false
			}
			return u.(string), true
		}},
		Handler:     in.handle,
		Policy:      fastRetry,
		AcceptGrace: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(&websocket.Handler{Accept: m.Accept})
	urls.Store(id, "ws"+strings.TrimPrefix(srv.URL, "http"))
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return &wsNode{mgr: m, inbox: in, srv: srv}
}

func TestResumeOverWebSocket(t *testing.T) {
	var urls sync.Map
	a := startWS(t, "a", &urls)
	b := startWS(t, "b", &urls)

	waitAll(t, sendAll(a.mgr, "b", payloads("ws", 1, 20)))
	waitAll(t, sendAll(b.mgr, "a", payloads("back", 1, 5)))

	a.mgr.CloseSessions("b")
	waitAll(t, sendAll(a.mgr, "b", payloads("ws", 21, 40)))

	waitFor(t, "deliveries to b", func() bool { return len(b.inbox.from("a/0")) == 40 })
	checkExactlyOnce(t, b.inbox.from("a/0"), payloads("ws", 1, 40))
	waitFor(t, "deliveries to a", func() bool { return len(a.inbox.from("b/0")) == 5 })
	checkExactlyOnce(t, a.inbox.from("b/0"), payloads("back", 1, 5))
}

func TestChaosAcrossThreeNodes(t *testing.T) {
	network := pipe.New()
	ids := []string{"n1", "n2", "n3"}
	mgrs := make(map[string]*conn.Manager)
	inboxes := make(map[string]*inbox)

	for _, id := range ids {
		in := newInbox()
		m, err := conn.New(conn.Options{
			NodeID:      id,
			Dialer:      network.Dialer(id),
			Handler:     in.handle,
			Policy:      fastRetry,
			AcceptGrace: 30 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		network.Listen(id, m.Accept)
		mgrs[id], inboxes[id] = m, in
		t.Cleanup(func() { m.Close() })
	}

	stop := make(chan struct{})
	var chaos sync.WaitGroup
	chaos.Add(1)
	go func() {
		defer chaos.Done()
		r := rand.New(rand.NewSource(1))
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Duration(20+r.Intn(40)) * time.Millisecond):
			}
			victim := ids[r.Intn(len(ids))]
			peer := ids[r.Intn(len(ids))]
			if victim != peer {
				mgrs[victim].CloseSessions(peer)
			}
		}
	}()

	const perPair = 150
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		futs []*conn.Future
	)
	for _, from := range ids {
		for _, to := range ids {
			if from == to {
				continue
			}
			wg.Add(1)
			go func(from, to string) {
				defer wg.Done()
				for i, p := range payloads(from+">"+to, 1, perPair) {
					f := mgrs[from].SendMessage(to, 0, []byte(p))
					mu.Lock()
					futs = append(futs, f)
					mu.Unlock()
					if i%25 == 0 {
						time.Sleep(3 * time.Millisecond)
					}
				}
			}(from, to)
		}
	}
	wg.Wait()
	waitAll(t, futs)
	close(stop)
	chaos.Wait()

	for _, from := range ids {
		for _, to := range ids {
			if from == to {
				continue
			}
			key := from + "/0"
			waitFor(t, key+" to "+to, func() bool { return len(inboxes[to].from(key)) == perPair })
			checkExactlyOnce(t, inboxes[to].from(key), payloads(from+">"+to, 1, perPair))
		}
	}
}
