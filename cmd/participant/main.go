// Package main runs a headless class participant: it authenticates, joins a
// live class, connects to the signaling relay and negotiates a mesh peer
// link per other participant, publishing synthetic media.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/peer"
)

func main() {
	var (
		serverURL = flag.String("server", envOr("CLASSMESH_SERVER", "http://localhost:8080"), "backend base URL")
		email     = flag.String("email", os.Getenv("CLASSMESH_EMAIL"), "account email")
		password  = flag.String("password", os.Getenv("CLASSMESH_PASSWORD"), "account password")
		classID   = flag.String("class", os.Getenv("CLASSMESH_CLASS_ID"), "live class ID to join")
		share     = flag.Bool("share-screen", false, "publish a second (screen) stream after joining")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *email == "" || *password == "" || *classID == "" {
		logger.Fatal("email, password and class are required")
	}
	sessionID, err := uuid.Parse(*classID)
	if err != nil {
		logger.Fatal("invalid class id", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authToken, err := login(ctx, *serverURL, *email, *password)
	if err != nil {
		logger.Fatal("login", zap.Error(err))
	}
	joined, err := joinClass(ctx, *serverURL, authToken, sessionID)
	if err != nil {
		logger.Fatal("join class", zap.Error(err))
	}

	signalClient, err := peer.DialSignaling(ctx, wsURL(*serverURL), joined.SignalingToken, logger)
	if err != nil {
		logger.Fatal("dial relay", zap.Error(err))
	}

	var iceServers []webrtc.ICEServer
	if len(joined.ICEUrls) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: joined.ICEUrls}}
	}
	orch, err := peer.New(signalClient, &peer.SyntheticCapture{}, iceServers, logger)
	if err != nil {
		logger.Fatal("orchestrator", zap.Error(err))
	}
	if err := orch.AcquireLocalMedia(ctx); err != nil {
		logger.Fatal("local media", zap.Error(err))
	}

	go orch.Run(ctx)

	joinCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = orch.Join(joinCtx, sessionID)
	cancel()
	if err != nil {
		orch.Teardown()
		logger.Fatal("join room", zap.Error(err))
	}
	logger.Info("joined class", zap.String("class_id", sessionID.String()))

	if *share {
		if err := orch.ShareScreen(ctx); err != nil {
			logger.Warn("screen share failed", zap.Error(err))
		}
	}

	<-ctx.Done()
	orch.Teardown()
	_ = leaveClass(context.Background(), *serverURL, authToken, sessionID)
	logger.Info("participant stopped")
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func login(ctx context.Context, server, email, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	data, err := post(ctx, server+"/auth/login", "", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

type joinResult struct {
	SignalingToken string   `json:"signaling_token"`
	ICEUrls        []string `json:"ice_urls"`
}

func joinClass(ctx context.Context, server, token string, classID uuid.UUID) (*joinResult, error) {
	data, err := post(ctx, fmt.Sprintf("%s/live-classes/%s/join", server, classID), token, nil)
	if err != nil {
		return nil, err
	}
	var resp joinResult
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func leaveClass(ctx context.Context, server, token string, classID uuid.UUID) error {
	_, err := post(ctx, fmt.Sprintf("%s/live-classes/%s/leave", server, classID), token, nil)
	return err
}

func post(ctx context.Context, rawURL, token string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%s: %s", rawURL, env.Error)
	}
	return env.Data, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func wsURL(server string) string {
	u, err := url.Parse(server)
	if err != nil {
		return server + "/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
