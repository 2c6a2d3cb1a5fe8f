package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"alumni-chat/internal/chat"
	"alumni-chat/internal/chatclient"
	"alumni-chat/internal/logger"

	"go.uber.org/zap"
)

var (
	baseURL   = flag.String("url", "http://localhost:8080", "server base URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    int64  `json:"id"`
}

type ConversationResponse struct {
	ID int64 `json:"conversation_id"`
}

type stats struct {
	sent      atomic.Int64
	acked     atomic.Int64
	delivered atomic.Int64
}

func main() {
	flag.Parse()
	log, err := logger.New(logger.Config{Environment: "development", LogLevel: "info", ServiceName: "loadtest"})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting stress test", zap.Int("users", *pairCount*2), zap.Int("messages_each", *msgCount))
	start := time.Now()

	var st stats
	var wg sync.WaitGroup
	// User 0 talks to user 1, user 2 talks to user 3...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(log, &st, pairID)
		}(i)
	}
	wg.Wait()

	log.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("acked", st.acked.Load()),
		zap.Int64("delivered", st.delivered.Load()))
}

func runPair(log *zap.Logger, st *stats, pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, err := authenticate(userA, pass)
	if err != nil {
		log.Warn("auth failed", zap.String("user", userA), zap.Error(err))
		return
	}
	b, err := authenticate(userB, pass)
	if err != nil {
		log.Warn("auth failed", zap.String("user", userB), zap.Error(err))
		return
	}

	convID, err := createConversation(a.Token, b.ID)
	if err != nil {
		log.Warn("create conversation failed", zap.Int("pair", pairID), zap.Error(err))
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, log, st, a.Token, convID, userA)
	go spamChat(&wsWg, log, st, b.Token, convID, userB)
	wsWg.Wait()
}

// authenticate registers (an existing user is fine) and logs in.
func authenticate(username, password string) (*AuthResponse, error) {
	if resp, err := postJSON("/register", "", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: %s", resp.Status)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func createConversation(token string, targetID int64) (int64, error) {
	resp, err := postJSON("/api/conversations", token, map[string]int64{"target_id": targetID})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("create conversation: %s", resp.Status)
	}

	var data ConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, err
	}
	return data.ID, nil
}

func spamChat(wg *sync.WaitGroup, log *zap.Logger, st *stats, token string, convID int64, user string) {
	defer wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws"
	cfg := chatclient.DefaultConfig()
	cfg.MaxRetries = 5
	client := chatclient.New(chatclient.WebsocketDialer{URL: wsURL, Token: token}, cfg, log.With(zap.String("user", user)))

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-client.Incoming():
				switch f.Type {
				case chat.EventMessageAck:
					st.acked.Add(1)
				case chat.EventMessageNew:
					st.delivered.Add(1)
				}
			}
		}
	}()

	if err := client.Join(convID); err != nil {
		log.Warn("join failed", zap.String("user", user), zap.Error(err))
		return
	}
	for i := 0; i < *msgCount; i++ {
		if err := client.Send(convID, fmt.Sprintf("LoadTest Msg %d from %s", i, user), fmt.Sprintf("%s-%d", user, i)); err != nil {
			log.Warn("send failed", zap.String("user", user), zap.Error(err))
			break
		}
		st.sent.Add(1)
		// simulate a real network instead of an instant localhost loop
		time.Sleep(10 * time.Millisecond)
	}

	// let the tail of the conversation arrive
	select {
	case err := <-runErr:
		log.Warn("client stopped", zap.String("user", user), zap.Error(err))
	case <-time.After(2 * time.Second):
	}
	log.Info("finished sending", zap.String("user", user), zap.Int("messages", *msgCount))
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
