package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/havenssh/core/internal/transport"
)

// testRelay is an in-process overlay relay. Terminal streams echo input with
// an "echo:" prefix and understand "exit N", "fatal" and "drop".
type testRelay struct {
	srv   *httptest.Server
	token string

	mu       sync.Mutex
	sessions []*yamux.Session
	inits    []initHeader
}

func startRelay(t *testing.T, token string) *testRelay {
	t.Helper()
	r := &testRelay{token: token}
	mux := http.NewServeMux()
	mux.HandleFunc(linkPath, r.handleLink)
	r.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		r.mu.Lock()
		for _, s := range r.sessions {
			s.Close()
		}
		r.mu.Unlock()
		r.srv.Close()
	})
	return r
}

func (r *testRelay) config(t *testing.T) transport.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(r.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return transport.Config{
		Kind:     transport.KindOverlay,
		Host:     host,
		Port:     port,
		Username: "node",
		Auth:     transport.AuthMethod{Kind: transport.AuthPassword, Password: r.token},
		Timeout:  5 * time.Second,
	}
}

func (r *testRelay) lastInit() initHeader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inits) == 0 {
		return initHeader{}
	}
	return r.inits[len(r.inits)-1]
}

func (r *testRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.Close()
	}
}

func (r *testRelay) handleLink(w http.ResponseWriter, req *http.Request) {
	if r.token != "" && req.Header.Get("Authorization") != "Bearer "+r.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wsConn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	wsConn.SetReadLimit(wsReadLimit)
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	session, err := yamux.Server(netConn, nil)
	if err != nil {
		wsConn.CloseNow()
		return
	}
	r.mu.Lock()
	r.sessions = append(r.sessions, session)
	r.mu.Unlock()

	go func() {
		for {
			stream, err := session.Accept()
			if err != nil {
				return
			}
			go r.handleStream(session, stream)
		}
	}()
	<-session.CloseChan()
}

func (r *testRelay) handleStream(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	header, err := br.ReadString('\n')
	if err != nil {
		return
	}
	line, err := br.ReadBytes('\n')
	if err != nil {
		return
	}

	switch strings.TrimSuffix(header, "\n") {
	case ChannelTerminal:
		var init initHeader
		json.Unmarshal(line, &init)
		r.mu.Lock()
		r.inits = append(r.inits, init)
		r.mu.Unlock()
		writeFrame(conn, frameData, []byte("$ "))
		r.serveTerminal(session, conn, br)
	case ChannelExec:
		var req execRequest
		json.Unmarshal(line, &req)
		serveExec(conn, req.Command)
	}
}

func (r *testRelay) serveTerminal(session *yamux.Session, conn net.Conn, br *bufio.Reader) {
	for {
		typ, payload, err := readFrame(br)
		if err != nil {
			return
		}
		if typ == frameControl {
			var msg controlMsg
			json.Unmarshal(payload, &msg)
			if msg.Type == controlResize {
				writeFrame(conn, frameData, []byte(fmt.Sprintf("resize:%dx%d\n", msg.Cols, msg.Rows)))
			}
			continue
		}
		input := strings.TrimSpace(string(payload))
		switch {
		case input == "drop":
			session.Close()
			return
		case input == "fatal":
			writeControl(conn, controlMsg{Type: controlError, Fatal: true, Message: "node unreachable"})
			return
		case input == "warn":
			writeControl(conn, controlMsg{Type: controlError, Message: "slow path"})
			writeFrame(conn, frameData, []byte("still here\n"))
		case strings.HasPrefix(input, "exit "):
			code, _ := strconv.Atoi(strings.TrimPrefix(input, "exit "))
			writeControl(conn, controlMsg{Type: controlExit, Code: code})
			return
		default:
			writeFrame(conn, frameData, append([]byte("echo:"), payload...))
		}
	}
}

func serveExec(conn net.Conn, command string) {
	switch command {
	case "tmux list-sessions":
		writeFrame(conn, frameData, []byte("main\n"))
		writeFrame(conn, frameData, []byte("work\n"))
		writeControl(conn, controlMsg{Type: controlExit})
	case "sleep":
		time.Sleep(5 * time.Second)
	case "vanish":
	default:
		writeFrame(conn, frameData, []byte("not found\n"))
		writeControl(conn, controlMsg{Type: controlExit, Code: 127})
	}
}
