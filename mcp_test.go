package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/fairytale-mcp"
)

type testSuite struct {
	cfg testSuiteConfig

	server     mcp.Server
	served     chan struct{}
	httpServer *httptest.Server

	mcpClient *mcp.Client
}

type testSuiteConfig struct {
	transportName string
	serverOptions []mcp.ServerOption
}

var transportNames = []string{"SSE", "StdIO"}

func TestInitialize(t *testing.T) {
	type testCase struct {
		name          string
		serverOptions []mcp.ServerOption
		wantResources bool
		wantTools     bool
	}

	testCases := []testCase{
		{
			name: "no capabilities",
		},
		{
			name: "resources only",
			serverOptions: []mcp.ServerOption{
				mcp.WithResourceServer(&mockResourceServer{}),
			},
			wantResources: true,
		},
		{
			name: "full capabilities",
			serverOptions: []mcp.ServerOption{
				mcp.WithResourceServer(&mockResourceServer{}),
				mcp.WithToolServer(mockToolServer{}),
				mcp.WithInstructions("test instructions"),
			},
			wantResources: true,
			wantTools:     true,
		},
	}

	for _, transportName := range transportNames {
		for _, tc := range testCases {
			cfg := testSuiteConfig{
				transportName: transportName,
				serverOptions: tc.serverOptions,
			}

			t.Run(fmt.Sprintf("%s/%s", transportName, tc.name), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
				if got := s.mcpClient.ResourceServerSupported(); got != tc.wantResources {
					t.Errorf("ResourceServerSupported() = %v, want %v", got, tc.wantResources)
				}
				if got := s.mcpClient.ToolServerSupported(); got != tc.wantTools {
					t.Errorf("ToolServerSupported() = %v, want %v", got, tc.wantTools)
				}
				if got := s.mcpClient.ServerInfo().Name; got != "test-server" {
					t.Errorf("ServerInfo().Name = %q", got)
				}
				if err := s.mcpClient.Ping(context.Background()); err != nil {
					t.Errorf("Ping failed: %v", err)
				}
			}))
		}
	}
}

func TestClientRequest(t *testing.T) {
	type testCase struct {
		name     string
		testFunc func(t *testing.T, client *mcp.Client)
	}

	testCases := []testCase{
		{
			name: "ListResources",
			testFunc: func(t *testing.T, client *mcp.Client) {
				result, err := client.ListResources(context.Background(), mcp.ListResourcesParams{})
				if err != nil {
					t.Fatalf("ListResources failed: %v", err)
				}
				if len(result.Resources) != 1 || result.Resources[0].URI != "test://resource/a" {
					t.Errorf("unexpected resources %+v", result.Resources)
				}
				if !result.Resources[0].Exists {
					t.Error("expected resource to exist")
				}
			},
		},
		{
			name: "ReadResource",
			testFunc: func(t *testing.T, client *mcp.Client) {
				result, err := client.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "test://resource/a"})
				if err != nil {
					t.Fatalf("ReadResource failed: %v", err)
				}
				if len(result.Contents) != 1 || result.Contents[0].Text != "content of a" {
					t.Errorf("unexpected contents %+v", result.Contents)
				}
			},
		},
		{
			name: "ReadResource error code",
			testFunc: func(t *testing.T, client *mcp.Client) {
				_, err := client.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "test://resource/zzz"})
				var jsonErr mcp.JSONRPCError
				if !errors.As(err, &jsonErr) {
					t.Fatalf("expected JSONRPCError, got %v", err)
				}
				if jsonErr.Code != mcp.JSONRPCInvalidParamsCode {
					t.Errorf("got code %d, want %d", jsonErr.Code, mcp.JSONRPCInvalidParamsCode)
				}
			},
		},
		{
			name: "ListResourceTemplates",
			testFunc: func(t *testing.T, client *mcp.Client) {
				result, err := client.ListResourceTemplates(context.Background(), mcp.ListResourceTemplatesParams{})
				if err != nil {
					t.Fatalf("ListResourceTemplates failed: %v", err)
				}
				if len(result.Templates) != 1 {
					t.Errorf("expected 1 template, got %d", len(result.Templates))
				}
			},
		},
		{
			name: "ListTools",
			testFunc: func(t *testing.T, client *mcp.Client) {
				result, err := client.ListTools(context.Background(), mcp.ListToolsParams{})
				if err != nil {
					t.Fatalf("ListTools failed: %v", err)
				}
				if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
					t.Errorf("unexpected tools %+v", result.Tools)
				}
			},
		},
		{
			name: "CallTool",
			testFunc: func(t *testing.T, client *mcp.Client) {
				result, err := client.CallTool(context.Background(), mcp.CallToolParams{
					Name:      "echo",
					Arguments: json.RawMessage(`{"message":"hello"}`),
				})
				if err != nil {
					t.Fatalf("CallTool failed: %v", err)
				}
				if len(result.Content) != 1 || result.Content[0].Text != "hello" {
					t.Errorf("unexpected content %+v", result.Content)
				}
			},
		},
		{
			name: "CallTool unknown tool",
			testFunc: func(t *testing.T, client *mcp.Client) {
				_, err := client.CallTool(context.Background(), mcp.CallToolParams{Name: "nope"})
				var jsonErr mcp.JSONRPCError
				if !errors.As(err, &jsonErr) {
					t.Fatalf("expected JSONRPCError, got %v", err)
				}
				if jsonErr.Code != mcp.JSONRPCMethodNotFoundCode {
					t.Errorf("got code %d, want %d", jsonErr.Code, mcp.JSONRPCMethodNotFoundCode)
				}
			},
		},
		{
			name: "Instructions",
			testFunc: func(t *testing.T, client *mcp.Client) {
				if client.Instructions() != "test instructions" {
					t.Errorf("unexpected instructions %q", client.Instructions())
				}
			},
		},
	}

	for _, transportName := range transportNames {
		for _, tc := range testCases {
			cfg := testSuiteConfig{
				transportName: transportName,
				serverOptions: []mcp.ServerOption{
					mcp.WithResourceServer(&mockResourceServer{}),
					mcp.WithToolServer(mockToolServer{}),
					mcp.WithInstructions("test instructions"),
				},
			}
			t.Run(fmt.Sprintf("%s/%s", transportName, tc.name), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
				tc.testFunc(t, s.mcpClient)
			}))
		}
	}
}

func TestClientUnsupportedCapability(t *testing.T) {
	cfg := testSuiteConfig{
		transportName: "StdIO",
		serverOptions: []mcp.ServerOption{
			mcp.WithResourceServer(&mockResourceServer{}),
		},
	}
	testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		if _, err := s.mcpClient.ListTools(context.Background(), mcp.ListToolsParams{}); err == nil {
			t.Error("expected error listing tools on a server without tools")
		}
	})(t)
}

func TestClientBeforeConnect(t *testing.T) {
	_, cliIO := setupStdIO()
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, cliIO)

	if _, err := client.ListResources(context.Background(), mcp.ListResourcesParams{}); err == nil {
		t.Error("expected error before Connect")
	}
	if err := client.Ping(context.Background()); err == nil {
		t.Error("expected error before Connect")
	}
}

func TestClientClose(t *testing.T) {
	for _, transportName := range transportNames {
		cfg := testSuiteConfig{
			transportName: transportName,
			serverOptions: []mcp.ServerOption{mcp.WithResourceServer(&mockResourceServer{})},
		}
		t.Run(transportName, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			s.mcpClient.Close()
			s.mcpClient.Close()

			_, err := s.mcpClient.ListResources(context.Background(), mcp.ListResourcesParams{})
			if !errors.Is(err, mcp.ErrClientClosed) {
				t.Errorf("expected ErrClientClosed, got %v", err)
			}
		}))
	}
}

func testSuiteCase(cfg testSuiteConfig, test func(*testing.T, *testSuite)) func(*testing.T) {
	return func(t *testing.T) {
		s := &testSuite{
			cfg: cfg,
		}
		s.setup(t)
		defer s.teardown(t)

		test(t, s)
	}
}

func setupSSE() (mcp.SSEServer, *mcp.SSEClient, *httptest.Server) {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	connectURL := fmt.Sprintf("%s/sse", httpSrv.URL)
	msgURL := fmt.Sprintf("%s/message", httpSrv.URL)

	srv := mcp.NewSSEServer(msgURL)

	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/message", srv.HandleMessage())

	cli := mcp.NewSSEClient(connectURL, httpSrv.Client())

	return srv, cli, httpSrv
}

func setupStdIO() (mcp.StdIO, mcp.StdIO) {
	srvReader, srvWriter := io.Pipe()
	cliReader, cliWriter := io.Pipe()

	// server's output is client's input
	srvIO := mcp.NewStdIO(srvReader, cliWriter)
	// client's output is server's input
	cliIO := mcp.NewStdIO(cliReader, srvWriter)

	return srvIO, cliIO
}

func (s *testSuite) setup(t *testing.T) {
	t.Helper()

	var serverTransport mcp.ServerTransport
	var clientTransport mcp.ClientTransport
	if s.cfg.transportName == "SSE" {
		serverTransport, clientTransport, s.httpServer = setupSSE()
	} else {
		serverTransport, clientTransport = setupStdIO()
	}

	s.server = mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, serverTransport, s.cfg.serverOptions...)
	s.served = make(chan struct{})
	go func() {
		s.server.Serve()
		close(s.served)
	}()

	s.mcpClient = mcp.NewClient(mcp.Info{
		Name:    "test-client",
		Version: "1.0",
	}, clientTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.mcpClient.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
}

func (s *testSuite) teardown(t *testing.T) {
	s.mcpClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}

	select {
	case <-s.served:
	case <-ctx.Done():
		t.Error("timeout waiting for Serve to return")
	}

	if s.httpServer != nil {
		s.httpServer.Close()
	}
}
