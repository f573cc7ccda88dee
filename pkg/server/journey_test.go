package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livefish/cmdrelay/pkg/journal"
	"github.com/livefish/cmdrelay/pkg/peer"
	"github.com/livefish/cmdrelay/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const journeyTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServer struct {
	srv     *Server
	cfg     ServerConfig
	tcpAddr string
	wsURL   string
	httpURL string
}

// setupJourneyServer starts a server on an ephemeral TCP port plus an
// httptest server carrying /ws, /metrics and /health. mutate may adjust the
// test config before start.
func setupJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServer {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	return startJourneyServer(t, cfg)
}

// startJourneyServer starts a server over cfg's journal directory, which may
// hold the journal of an earlier run
func startJourneyServer(t *testing.T, cfg ServerConfig) *journeyServer {
	t.Helper()

	srv, err := NewServer(cfg, openTestJournal(t, cfg.JournalDir), nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.Handle("/metrics", srv.Metrics().Handler())
	mux.HandleFunc("/health", srv.HealthHandler)
	hs := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Stop()
		hs.Close()
	})

	return &journeyServer{
		srv:     srv,
		cfg:     cfg,
		tcpAddr: fmt.Sprintf("127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port),
		wsURL:   "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		httpURL: hs.URL,
	}
}

func (js *journeyServer) waitOffline(t *testing.T, id int32) {
	t.Helper()
	require.Eventually(t, func() bool { return !js.srv.Registry().IsOnline(id) },
		journeyTimeout, 10*time.Millisecond, "id %d still online", id)
}

func (js *journeyServer) journalLines(t *testing.T, c journal.Category) []string {
	t.Helper()
	return readJournal(t, js.cfg.JournalDir, c)
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name   string
	server func(js *journeyServer) string
	dial   func(ctx context.Context, js *journeyServer) (*peer.Peer, error)
}

func allTransports() []transportFactory {
	return []transportFactory{
		{
			name:   "tcp",
			server: func(js *journeyServer) string { return js.tcpAddr },
			dial: func(ctx context.Context, js *journeyServer) (*peer.Peer, error) {
				return peer.Dial(ctx, js.tcpAddr)
			},
		},
		{
			name:   "websocket",
			server: func(js *journeyServer) string { return js.wsURL },
			dial: func(ctx context.Context, js *journeyServer) (*peer.Peer, error) {
				return peer.DialWebSocket(ctx, js.wsURL)
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Test peer: claims run synchronously, then a reader goroutine feeds inbox
// ---------------------------------------------------------------------------

type testPeer struct {
	t     *testing.T
	name  string
	p     *peer.Peer
	inbox chan protocol.Message
}

func connect(t *testing.T, js *journeyServer, tf transportFactory, name string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), journeyTimeout)
	defer cancel()

	p, err := tf.dial(ctx, js)
	require.NoError(t, err, "%s: dial", name)
	t.Cleanup(func() { p.Close() })
	return &testPeer{t: t, name: name, p: p}
}

// claim sends one identity claim and returns its result
func (tp *testPeer) claim(claim int32, role protocol.Role) *protocol.LoginResult {
	tp.t.Helper()
	require.Nil(tp.t, tp.inbox, "%s: claim after listen", tp.name)

	type reply struct {
		result *protocol.LoginResult
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		result, err := tp.p.Claim(claim, role)
		ch <- reply{result, err}
	}()

	select {
	case r := <-ch:
		require.NoError(tp.t, r.err, "%s: claim %d", tp.name, claim)
		return r.result
	case <-time.After(journeyTimeout):
		tp.p.Close()
		tp.t.Fatalf("%s: no LOGIN_RESULT for claim %d", tp.name, claim)
		return nil
	}
}

func (tp *testPeer) register(id int32, role protocol.Role) *testPeer {
	tp.t.Helper()
	result := tp.claim(-id, role)
	require.Equal(tp.t, protocol.LogSuccess, result.Result, "%s: register %d", tp.name, id)
	require.Equal(tp.t, id, result.LoginID)
	tp.listen()
	return tp
}

func (tp *testPeer) login(id int32, role protocol.Role) *testPeer {
	tp.t.Helper()
	result := tp.claim(id, role)
	require.Equal(tp.t, protocol.LogSuccess, result.Result, "%s: login %d", tp.name, id)
	tp.listen()
	return tp
}

// listen starts the reader. inbox is closed when the connection ends.
func (tp *testPeer) listen() {
	tp.inbox = make(chan protocol.Message, 64)
	go func() {
		defer close(tp.inbox)
		for {
			m, err := tp.p.Receive()
			if err != nil {
				return
			}
			tp.inbox <- m
		}
	}()
}

func (tp *testPeer) send(m protocol.Message) {
	tp.t.Helper()
	require.NoError(tp.t, tp.p.Send(m), "%s: send %s", tp.name, m.Type)
}

func (tp *testPeer) expect(msgType protocol.MessageType) protocol.Message {
	tp.t.Helper()
	select {
	case m, ok := <-tp.inbox:
		if !ok {
			tp.t.Fatalf("%s: connection closed while waiting for %s", tp.name, msgType)
		}
		require.Equal(tp.t, msgType, m.Type, "%s: unexpected message", tp.name)
		return m
	case <-time.After(journeyTimeout):
		tp.t.Fatalf("%s: timed out waiting for %s", tp.name, msgType)
		return protocol.Message{}
	}
}

func (tp *testPeer) expectText(msgType protocol.MessageType, text string) {
	tp.t.Helper()
	m := tp.expect(msgType)
	assert.Equal(tp.t, text, m.Payload.(*protocol.StringPayload).Text, "%s: %s text", tp.name, msgType)
}

// expectClosed waits for the server to drop the connection, discarding
// anything that arrives first
func (tp *testPeer) expectClosed() {
	tp.t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case _, ok := <-tp.inbox:
			if !ok {
				return
			}
		case <-deadline:
			tp.t.Fatalf("%s: connection still open", tp.name)
		}
	}
}

func (tp *testPeer) expectNothing(d time.Duration) {
	tp.t.Helper()
	select {
	case m, ok := <-tp.inbox:
		if ok {
			tp.t.Fatalf("%s: unexpected %s", tp.name, m.Type)
		}
		tp.t.Fatalf("%s: connection closed unexpectedly", tp.name)
	case <-time.After(d):
	}
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	journeys := []struct {
		name string
		run  func(t *testing.T, tf transportFactory)
	}{
		{"login_results", runLoginResults},
		{"login_needed", runLoginNeeded},
		{"request_round_trip", runRequestRoundTrip},
		{"routing_errors", runRoutingErrors},
		{"bad_done_reports", runBadDoneReports},
		{"offline_admin", runOfflineAdmin},
		{"common_messages", runCommonMessages},
		{"protocol_violations", runProtocolViolations},
		{"client_reconnect", runClientReconnect},
		{"concurrent_pairs", runConcurrentPairs},
		{"shutdown", runShutdown},
		{"agent", runAgent},
	}

	for _, j := range journeys {
		for _, tf := range allTransports() {
			t.Run(j.name+"/"+tf.name, func(t *testing.T) {
				j.run(t, tf)
			})
		}
	}
}

func runLoginResults(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)

	first := connect(t, js, tf, "first")
	result := first.claim(-7, protocol.RoleAdmin)
	assert.Equal(t, protocol.LogSuccess, result.Result)
	assert.Equal(t, int32(7), result.LoginID)

	second := connect(t, js, tf, "second")
	result = second.claim(-7, protocol.RoleClient)
	assert.Equal(t, protocol.RegFailedExists, result.Result)
	assert.Equal(t, int32(0), result.LoginID)

	assert.Equal(t, protocol.LogFailedFree, second.claim(42, protocol.RoleClient).Result)
	assert.Equal(t, protocol.LogFailedOnline, second.claim(7, protocol.RoleClient).Result)
	assert.Equal(t, protocol.LogFailedInvalid, second.claim(0, protocol.RoleClient).Result)

	// A rejected claim leaves the connection open for another attempt
	first.p.Close()
	js.waitOffline(t, 7)

	result = second.claim(7, protocol.RoleClient)
	assert.Equal(t, protocol.LogSuccess, result.Result)
	assert.Equal(t, int32(7), result.LoginID)
	assert.Equal(t, int32(7), second.p.ID())

	_, online := js.srv.Registry().LookupClient(7)
	assert.True(t, online, "the id logs in with the newly claimed role")
	assert.Equal(t, []string{"7"}, js.journalLines(t, journal.RegisteredIds))
}

func runLoginNeeded(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)

	stranger := connect(t, js, tf, "stranger")
	require.NoError(t, stranger.p.Info("hello?"))
	stranger.listen()
	stranger.expectText(protocol.TypeError, "LOGIN NEEDED!")
	stranger.expectClosed()
}

func runRequestRoundTrip(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	client := connect(t, js, tf, "client").register(2, protocol.RoleClient)

	require.NoError(t, admin.p.SendRequest(2, "echo", "hello world"))

	todo := client.expect(protocol.TypeToDoRequestData).Payload.(*protocol.ToDoRequestData)
	assert.Equal(t, int64(2), todo.RequestID)
	assert.Equal(t, "echo", todo.Command)
	assert.Equal(t, "hello world", todo.Args)
	assert.Equal(t, 1, js.srv.Ledger().Len())

	require.NoError(t, client.p.ReportDone(todo.RequestID, "hello world"))

	done := admin.expect(protocol.TypeDoneRequestData).Payload.(*protocol.DoneRequestData)
	assert.Equal(t, int32(2), done.ClientID)
	assert.Equal(t, int64(2), done.RequestID)
	assert.Equal(t, "hello world", done.Result)
	assert.Equal(t, 0, js.srv.Ledger().Len())

	finished := js.journalLines(t, journal.FinishedRequests)
	require.Len(t, finished, 1)
	fields := strings.Split(finished[0], journal.FieldSeparator)
	require.Len(t, fields, 6)
	assert.Equal(t, []string{"1", "2", "echo", "hello world", "hello world"}, fields[1:])
	assert.Equal(t, []string{"2"}, js.journalLines(t, journal.CommandIds))

	connections := js.journalLines(t, journal.Connections)
	require.Len(t, connections, 2)
	assert.True(t, strings.HasSuffix(connections[0], "$1$c"), connections[0])
	assert.True(t, strings.HasSuffix(connections[1], "$2$c"), connections[1])
}

func runRoutingErrors(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	connect(t, js, tf, "other admin").register(3, protocol.RoleAdmin)
	client := connect(t, js, tf, "client").register(2, protocol.RoleClient)

	require.NoError(t, admin.p.SendRequest(1, "ls", ""))
	admin.expectText(protocol.TypeSelfSendReqError, "CANNOT SEND REQUEST TO YOURSELF!")

	require.NoError(t, admin.p.SendRequest(3, "ls", ""))
	admin.expectText(protocol.TypeAdminTargetReqError, "CANNOT SEND REQUEST TO ANOTHER ADMIN!")

	require.NoError(t, admin.p.SendRequest(9, "ls", ""))
	admin.expectText(protocol.TypeOfflineTargetSendReqError, "CLIENT 9 IS OFFLINE!")

	assert.Equal(t, int64(1), js.srv.Ledger().LastID(), "refused requests consume no id")
	assert.Empty(t, js.journalLines(t, journal.CommandIds))

	// Routing errors never end the admin's connection
	require.NoError(t, admin.p.SendRequest(2, "ls", "-la"))
	todo := client.expect(protocol.TypeToDoRequestData).Payload.(*protocol.ToDoRequestData)
	assert.Equal(t, int64(2), todo.RequestID)

	assert.Equal(t, 1.0, metricValue(t, js.srv.Metrics(), "cmdrelay_routing_errors_total", "kind", "self_send"))
	assert.Equal(t, 1.0, metricValue(t, js.srv.Metrics(), "cmdrelay_routing_errors_total", "kind", "admin_target"))
	assert.Equal(t, 1.0, metricValue(t, js.srv.Metrics(), "cmdrelay_routing_errors_total", "kind", "offline_target"))
}

func runBadDoneReports(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	target := connect(t, js, tf, "target").register(2, protocol.RoleClient)
	bystander := connect(t, js, tf, "bystander").register(3, protocol.RoleClient)

	require.NoError(t, admin.p.SendRequest(2, "whoami", ""))
	todo := target.expect(protocol.TypeToDoRequestData).Payload.(*protocol.ToDoRequestData)

	require.NoError(t, bystander.p.ReportDone(todo.RequestID, "forged"))
	require.NoError(t, target.p.ReportDone(todo.RequestID+100, "unknown"))
	admin.expectNothing(200 * time.Millisecond)
	bystander.expectNothing(50 * time.Millisecond)
	assert.Equal(t, 1, js.srv.Ledger().Len(), "bad reports leave the request pending")

	require.NoError(t, target.p.ReportDone(todo.RequestID, "root"))
	done := admin.expect(protocol.TypeDoneRequestData).Payload.(*protocol.DoneRequestData)
	assert.Equal(t, "root", done.Result)
	assert.Len(t, js.journalLines(t, journal.FinishedRequests), 1)
}

func runOfflineAdmin(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	client := connect(t, js, tf, "client").register(2, protocol.RoleClient)

	require.NoError(t, admin.p.SendRequest(2, "sleep", "1"))
	todo := client.expect(protocol.TypeToDoRequestData).Payload.(*protocol.ToDoRequestData)

	admin.p.Close()
	js.waitOffline(t, 1)

	require.NoError(t, client.p.ReportDone(todo.RequestID, "slept"))
	client.expectText(protocol.TypeOfflineAdminSendReqError, "ADMIN 1 IS OFFLINE!")

	assert.Equal(t, 0, js.srv.Ledger().Len(), "the result is still recorded")
	assert.Len(t, js.journalLines(t, journal.FinishedRequests), 1)
	assert.True(t, js.srv.Registry().IsOnline(2))
}

func runCommonMessages(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	client := connect(t, js, tf, "client").register(4, protocol.RoleClient)

	client.send(protocol.Message{Type: protocol.TypeLoginData, Payload: &protocol.LoginData{ID: 4, Role: protocol.RoleClient}})
	client.expectText(protocol.TypeError, "ALREADY LOGGED IN!")

	client.send(protocol.Message{Type: protocol.TypeInvalid, Payload: &protocol.InvalidPayload{}})
	client.expectText(protocol.TypeError, "INVALID MESSAGE SENT!")

	client.send(protocol.TextMessage(protocol.TypeInfo, "just saying"))
	client.expectNothing(100 * time.Millisecond)
	assert.True(t, js.srv.Registry().IsOnline(4))

	client.send(protocol.ErrorMessage("giving up"))
	client.expectClosed()
	js.waitOffline(t, 4)

	connections := js.journalLines(t, journal.Connections)
	require.Len(t, connections, 2)
	assert.True(t, strings.HasSuffix(connections[1], "$4$d"), connections[1])
}

func runProtocolViolations(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)

	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	admin.send(protocol.Message{Type: protocol.TypeDoneRequestData, Payload: &protocol.DoneRequestData{ClientID: 1, RequestID: 1, Result: "x"}})
	admin.expectClosed()
	js.waitOffline(t, 1)

	client := connect(t, js, tf, "client").register(2, protocol.RoleClient)
	client.send(protocol.Message{Type: protocol.TypeNewRequestData, Payload: &protocol.NewRequestData{TargetID: 3, Command: "ls"}})
	client.expectClosed()
	js.waitOffline(t, 2)

	garbled := connect(t, js, tf, "garbled").login(2, protocol.RoleClient)
	require.NoError(t, garbled.p.Transport().WriteLine("DONE_REQUEST_DATA not-a-number"))
	garbled.expectClosed()
	js.waitOffline(t, 2)

	// Registered ids survive their sessions
	assert.True(t, js.srv.Registry().IsRegistered(1))
	assert.True(t, js.srv.Registry().IsRegistered(2))
}

func runClientReconnect(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	client := connect(t, js, tf, "client").register(2, protocol.RoleClient)

	require.NoError(t, admin.p.SendRequest(2, "uptime", ""))
	todo := client.expect(protocol.TypeToDoRequestData).Payload.(*protocol.ToDoRequestData)

	client.p.Close()
	js.waitOffline(t, 2)
	require.Len(t, js.srv.Ledger().Pending(2), 1, "pending requests outlive the connection")

	again := connect(t, js, tf, "client again").login(2, protocol.RoleClient)
	require.NoError(t, again.p.ReportDone(todo.RequestID, "up 3 days"))

	done := admin.expect(protocol.TypeDoneRequestData).Payload.(*protocol.DoneRequestData)
	assert.Equal(t, todo.RequestID, done.RequestID)
	assert.Equal(t, "up 3 days", done.Result)
}

func runConcurrentPairs(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	const pairs = 8

	ids := make(chan int64, pairs)
	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := runPair(js, tf, int32(100+i), int32(200+i), fmt.Sprintf("pair-%d", i))
			if assert.NoError(t, err, "pair %d", i) {
				ids <- id
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var got []int64
	for id := range ids {
		got = append(got, id)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, pairs)
	for i, id := range got {
		assert.Equal(t, int64(i+2), id)
	}

	admins, clients := js.srv.Registry().Counts()
	assert.Equal(t, pairs, admins)
	assert.Equal(t, pairs, clients)
}

// runPair registers an admin and a client, sends one request between them
// and returns its id
func runPair(js *journeyServer, tf transportFactory, adminID, clientID int32, payload string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), journeyTimeout)
	defer cancel()

	client, err := tf.dial(ctx, js)
	if err != nil {
		return 0, err
	}
	if err := client.Register(clientID, protocol.RoleClient); err != nil {
		return 0, err
	}

	admin, err := tf.dial(ctx, js)
	if err != nil {
		return 0, err
	}
	if err := admin.Register(adminID, protocol.RoleAdmin); err != nil {
		return 0, err
	}

	go func() {
		m, err := client.Receive()
		if err != nil || m.Type != protocol.TypeToDoRequestData {
			return
		}
		todo := m.Payload.(*protocol.ToDoRequestData)
		client.ReportDone(todo.RequestID, todo.Args)
	}()

	result, err := admin.Execute(clientID, "echo", payload, nil)
	if err != nil {
		return 0, err
	}
	if result.Output != payload || result.ClientID != clientID {
		return 0, fmt.Errorf("got %+v for %s", result, payload)
	}
	return result.RequestID, nil
}

func runShutdown(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)
	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	client := connect(t, js, tf, "client").register(2, protocol.RoleClient)
	stranger := connect(t, js, tf, "stranger")
	stranger.listen()

	require.Eventually(t, func() bool {
		return metricValue(t, js.srv.Metrics(), "cmdrelay_connections_total", "", "") == 3
	}, journeyTimeout, 10*time.Millisecond)

	require.NoError(t, js.srv.Stop())

	admin.expectText(protocol.TypeInfo, "SERVER SHUTTING DOWN")
	admin.expectClosed()
	client.expectText(protocol.TypeInfo, "SERVER SHUTTING DOWN")
	client.expectClosed()
	stranger.expectClosed()

	onOff := js.journalLines(t, journal.OnOff)
	require.Len(t, onOff, 2)
	assert.True(t, strings.HasSuffix(onOff[0], "$on"), onOff[0])
	assert.True(t, strings.HasSuffix(onOff[1], "$off"), onOff[1])

	resp, err := http.Get(js.httpURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func runAgent(t *testing.T, tf transportFactory) {
	js := setupJourneyServer(t, nil)

	agent := peer.NewAgent(peer.AgentConfig{
		Server:   tf.server(js),
		ID:       5,
		Register: true,
		Logger:   log.New(io.Discard, "", 0),
	}, func(ctx context.Context, task peer.Task) string {
		return strings.ToUpper(task.Command + " " + task.Args)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(ctx) }()

	require.Eventually(t, func() bool { return js.srv.Registry().IsOnline(5) },
		journeyTimeout, 10*time.Millisecond)
	assert.Equal(t, int32(5), agent.ID())

	ctx2, cancel2 := context.WithTimeout(context.Background(), journeyTimeout)
	defer cancel2()
	admin, err := tf.dial(ctx2, js)
	require.NoError(t, err)
	defer admin.Close()
	require.NoError(t, admin.Register(1, protocol.RoleAdmin))

	for i, args := range []string{"one", "two"} {
		result, err := admin.Execute(5, "say", args, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i+2), result.RequestID)
		assert.Equal(t, int32(5), result.ClientID)
		assert.Equal(t, "SAY "+strings.ToUpper(args), result.Output)
	}

	_, err = admin.Execute(1, "say", "me", nil)
	var reqErr *peer.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, protocol.TypeSelfSendReqError, reqErr.Type)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(journeyTimeout):
		t.Fatal("agent did not stop")
	}
	js.waitOffline(t, 5)
}

// ---------------------------------------------------------------------------
// Single-transport journeys
// ---------------------------------------------------------------------------

func TestJourneyRestartRestoresState(t *testing.T) {
	tf := allTransports()[0]
	first := setupJourneyServer(t, nil)

	admin := connect(t, first, tf, "admin").register(1, protocol.RoleAdmin)
	client := connect(t, first, tf, "client").register(2, protocol.RoleClient)

	require.NoError(t, admin.p.SendRequest(2, "echo", "a"))
	todo := client.expect(protocol.TypeToDoRequestData).Payload.(*protocol.ToDoRequestData)
	require.NoError(t, client.p.ReportDone(todo.RequestID, "a"))
	admin.expect(protocol.TypeDoneRequestData)

	// Issued but never answered
	require.NoError(t, admin.p.SendRequest(2, "echo", "b"))
	client.expect(protocol.TypeToDoRequestData)

	require.NoError(t, first.srv.Stop())
	admin.expectClosed()
	client.expectClosed()

	second := startJourneyServer(t, first.cfg)
	assert.Equal(t, int64(3), second.srv.Ledger().LastID())
	assert.Equal(t, 2, second.srv.Registry().RegisteredCount())

	squatter := connect(t, second, tf, "squatter")
	assert.Equal(t, protocol.RegFailedExists, squatter.claim(-1, protocol.RoleAdmin).Result)

	admin = connect(t, second, tf, "admin again").login(1, protocol.RoleAdmin)
	client = connect(t, second, tf, "client again").login(2, protocol.RoleClient)

	require.NoError(t, admin.p.SendRequest(2, "echo", "c"))
	todo = client.expect(protocol.TypeToDoRequestData).Payload.(*protocol.ToDoRequestData)
	assert.Equal(t, int64(4), todo.RequestID, "request ids continue across restarts")

	onOff := second.journalLines(t, journal.OnOff)
	require.Len(t, onOff, 3)
	assert.True(t, strings.HasSuffix(onOff[2], "$on"), onOff[2])
}

func TestJourneyServerFull(t *testing.T) {
	tf := allTransports()[0]
	js := setupJourneyServer(t, func(cfg *ServerConfig) {
		cfg.MaxThreads = 1
	})

	connect(t, js, tf, "occupant").register(1, protocol.RoleClient)

	late := connect(t, js, tf, "late")
	late.listen()
	late.expectText(protocol.TypeError, "SERVER FULL")
	late.expectClosed()

	assert.Equal(t, 1.0, metricValue(t, js.srv.Metrics(), "cmdrelay_rejected_connections_total", "reason", "server_full"))
	assert.True(t, js.srv.Registry().IsOnline(1), "the occupant is unaffected")
}

func TestJourneyStalledClient(t *testing.T) {
	tf := allTransports()[0]
	js := setupJourneyServer(t, func(cfg *ServerConfig) {
		cfg.WriteTimeout = 200 * time.Millisecond
	})

	admin := connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	// Registers and then never reads
	stalled := connect(t, js, tf, "stalled client")
	require.Equal(t, protocol.LogSuccess, stalled.claim(-2, protocol.RoleClient).Result)

	args := strings.Repeat("x", 200<<10)
	refused := 0
	for i := 0; i < 400 && refused == 0; i++ {
		require.NoError(t, admin.p.SendRequest(2, "cat", args), "request %d", i)
		refused += drainRefusals(t, admin)
	}
	require.NotZero(t, refused, "the server kept queueing requests for a client that never reads")

	js.waitOffline(t, 2)
	// Requests already in flight are refused too
	for deadline := time.Now().Add(300 * time.Millisecond); time.Now().Before(deadline); {
		drainRefusals(t, admin)
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, js.srv.Registry().IsOnline(1), "the admin stays connected")

	start := time.Now()
	require.NoError(t, js.srv.Stop())
	assert.Less(t, time.Since(start), shutdownNoticeTimeout+2*time.Second)
	admin.expectText(protocol.TypeInfo, "SERVER SHUTTING DOWN")
	admin.expectClosed()
}

// drainRefusals consumes whatever the admin has received so far, all of
// which must be offline-target refusals for client 2
func drainRefusals(t *testing.T, admin *testPeer) int {
	t.Helper()
	n := 0
	for {
		select {
		case m, ok := <-admin.inbox:
			require.True(t, ok, "admin connection closed")
			require.Equal(t, protocol.TypeOfflineTargetSendReqError, m.Type)
			assert.Equal(t, "CLIENT 2 IS OFFLINE!", m.Payload.(*protocol.StringPayload).Text)
			n++
		default:
			return n
		}
	}
}

func TestJourneyHealthAndMetrics(t *testing.T) {
	tf := allTransports()[0]
	js := setupJourneyServer(t, nil)
	connect(t, js, tf, "admin").register(1, protocol.RoleAdmin)
	connect(t, js, tf, "client").register(2, protocol.RoleClient)

	resp, err := http.Get(js.httpURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Admins)
	assert.Equal(t, 1, health.Clients)
	assert.Equal(t, 64, health.WorkerCap)
	assert.Equal(t, 2, health.Workers)

	metrics, err := http.Get(js.httpURL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cmdrelay_login_results_total{result="LOG_SUCCESS"} 2`)
	assert.Contains(t, string(body), `cmdrelay_active_sessions{role="client"} 1`)
}
