package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/fairytale-mcp"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	// Create pipes to simulate stdin/stdout
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)
	clientTransport := mcp.NewStdIO(clientReader, clientWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	testMessages := []mcp.JSONRPCMessage{
		{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "request1",
			Params:  json.RawMessage(`{"data": "first request"}`),
		},
		{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "request2",
			Params:  json.RawMessage(`{"data": "second request"}`),
		},
	}

	clientReceivedMsgs := make([]mcp.JSONRPCMessage, 0)
	serverReceivedMsgs := make([]mcp.JSONRPCMessage, 0)

	clientSession, err := clientTransport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}

	var serverSession mcp.Session
	for s := range serverTransport.Sessions() {
		serverSession = s
		break
	}

	if serverSession.ID() == "" {
		t.Error("expected non-empty session ID")
	}
	if serverSession.ID() != serverSession.ID() {
		t.Error("expected stable session ID")
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for msg := range clientSession.Messages() {
			clientReceivedMsgs = append(clientReceivedMsgs, msg)
			if len(clientReceivedMsgs) == len(testMessages) {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for msg := range serverSession.Messages() {
			serverReceivedMsgs = append(serverReceivedMsgs, msg)
			if len(serverReceivedMsgs) == len(testMessages) {
				return
			}
		}
	}()

	for _, msg := range testMessages {
		if err := serverSession.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send server message: %v", err)
		}

		clientResponseMsg := mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			Method:  "response_" + msg.Method,
			Params:  json.RawMessage(`{"received": "` + msg.Method + `"}`),
		}
		if err := clientSession.Send(ctx, clientResponseMsg); err != nil {
			t.Fatalf("failed to send client message: %v", err)
		}
	}

	wg.Wait()

	if len(clientReceivedMsgs) != len(testMessages) {
		t.Fatalf("client did not receive all messages. Got %d, want %d",
			len(clientReceivedMsgs), len(testMessages))
	}

	if len(serverReceivedMsgs) != len(testMessages) {
		t.Fatalf("server did not receive all messages. Got %d, want %d",
			len(serverReceivedMsgs), len(testMessages))
	}

	for i, msg := range testMessages {
		if clientReceivedMsgs[i].Method != msg.Method {
			t.Errorf("client received wrong message. Got %s, want %s",
				clientReceivedMsgs[i].Method, msg.Method)
		}

		if serverReceivedMsgs[i].Method != "response_"+msg.Method {
			t.Errorf("server received wrong response. Got %s, want response_%s",
				serverReceivedMsgs[i].Method, msg.Method)
		}
	}
}

func TestStdIONewlineDelimited(t *testing.T) {
	reader, writer := io.Pipe()
	transport := mcp.NewStdIO(strings.NewReader(""), writer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := transport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	lines := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := reader.Read(buf)
		lines <- string(buf[:n])
	}()

	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  "ping",
	}
	if err := sess.Send(ctx, msg); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	line := <-lines
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("expected message to end with a newline, got %q", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Errorf("expected exactly one line, got %q", line)
	}
}

func TestStdIOSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`not json`,
		``,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	}, "\n") + "\n"

	transport := mcp.NewStdIO(strings.NewReader(input), io.Discard)

	var sess mcp.Session
	for s := range transport.Sessions() {
		sess = s
		break
	}

	var received []mcp.JSONRPCMessage
	for msg := range sess.Messages() {
		received = append(received, msg)
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(received))
	}
	if received[0].ID != "1" {
		t.Errorf("expected numeric ID to be read as %q, got %q", "1", received[0].ID)
	}
	if received[1].Method != "notifications/initialized" {
		t.Errorf("unexpected method %q", received[1].Method)
	}
}

func TestStdIOContextCancellation(t *testing.T) {
	_, serverWriter := io.Pipe()
	serverReader, _ := io.Pipe()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "test_cancellation",
		Params:  json.RawMessage(`{"test": "cancel"}`),
	}

	var serverSession mcp.Session
	for s := range serverTransport.Sessions() {
		serverSession = s
		break
	}

	// Nobody reads the pipe, so the write blocks until the deadline.
	err := serverSession.Send(ctx, msg)
	if err == nil {
		t.Fatal("Expected context cancellation error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestStdIOSendAfterStop(t *testing.T) {
	transport := mcp.NewStdIO(strings.NewReader(""), io.Discard)

	var sess mcp.Session
	for s := range transport.Sessions() {
		sess = s
		break
	}

	for range sess.Messages() {
	}
	sess.Stop()

	err := sess.Send(context.Background(), mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "late"})
	if err == nil {
		t.Error("expected error sending on a stopped session")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestStdIOLargeMessagePayload(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)
	clientTransport := mcp.NewStdIO(clientReader, clientWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := clientTransport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}

	var serverSession mcp.Session
	for s := range serverTransport.Sessions() {
		serverSession = s
		break
	}

	receivedChan := make(chan mcp.JSONRPCMessage)
	go func() {
		for msg := range clientSession.Messages() {
			receivedChan <- msg
		}
	}()

	payloadSizes := []int{
		1 * 1024,        // 1 KB
		100 * 1024,      // 100 KB
		1 * 1024 * 1024, // 1 MB
	}

	for _, size := range payloadSizes {
		t.Run(fmt.Sprintf("PayloadSize_%d", size), func(t *testing.T) {
			largeMsg := mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Method:  fmt.Sprintf("largePayload_%d", size),
				Params:  generateRandomJSON(size),
			}

			if err := serverSession.Send(ctx, largeMsg); err != nil {
				t.Fatalf("failed to send large message: %v", err)
			}

			select {
			case receivedMsg := <-receivedChan:
				if receivedMsg.Method != largeMsg.Method {
					t.Errorf("Incorrect method received. Got %s, want %s",
						receivedMsg.Method, largeMsg.Method)
				}
				if len(receivedMsg.Params) < size {
					t.Errorf("Truncated payload. Got %d bytes, want at least %d", len(receivedMsg.Params), size)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("Timeout waiting for large message of size %d", size)
			}
		})
	}
}
