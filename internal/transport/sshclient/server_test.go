package sshclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/havenssh/core/internal/transport"
)

const (
	testUser     = "root"
	testPassword = "hunter2"
)

// generateKey returns a PKCS8 PEM ed25519 private key and its signer.
func generateKey(t *testing.T) ([]byte, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	return pemBytes, signer
}

type testServer struct {
	addr    string
	hostKey ssh.PublicKey
}

// startTestServer runs an in-process SSH server that accepts testPassword or
// the given authorized key. Shell sessions echo input with an "echo:" prefix
// and understand two control inputs: "exit N" sends exit-status N and closes
// the channel, "drop" tears down the whole connection without an exit status.
func startTestServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	_, hostSigner := generateKey(t)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConn(netConn, config)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
	})

	return &testServer{addr: listener.Addr().String(), hostKey: hostSigner.PublicKey()}
}

func (s *testServer) config(t *testing.T) transport.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return transport.Config{
		Kind:     transport.KindSSH,
		Host:     host,
		Port:     port,
		Username: testUser,
		Auth:     transport.AuthMethod{Kind: transport.AuthPassword, Password: testPassword},
		Timeout:  5 * time.Second,
	}
}

func handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(sshConn, ch, requests)
	}
}

func sendExit(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	ch.Close()
}

func handleSession(conn *ssh.ServerConn, ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			req.Reply(true, nil)
			ch.Write([]byte("welcome\r\n$ "))
			go echoShell(conn, ch)

		case "exec":
			req.Reply(true, nil)
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			go runExec(ch, payload.Command)

		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				server.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func echoShell(conn *ssh.ServerConn, ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			input := strings.TrimSpace(string(buf[:n]))
			switch {
			case input == "drop":
				conn.Close()
				return
			case strings.HasPrefix(input, "exit "):
				code, _ := strconv.Atoi(strings.TrimPrefix(input, "exit "))
				sendExit(ch, code)
				return
			}
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func runExec(ch ssh.Channel, command string) {
	switch {
	case command == "tmux list-sessions":
		io.WriteString(ch, "main\nwork\n")
		sendExit(ch, 0)
	case strings.HasPrefix(command, "echo "):
		io.WriteString(ch, strings.TrimPrefix(command, "echo ")+"\n")
		sendExit(ch, 0)
	case command == "sleep":
		time.Sleep(5 * time.Second)
		sendExit(ch, 0)
	default:
		io.WriteString(ch, "partial output\n")
		sendExit(ch, 127)
	}
}
