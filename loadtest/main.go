package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"clientportal/internal/chatclient"
	"clientportal/internal/user"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "portal chat base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080", "portal chat websocket base URL")
	pairCount = flag.Int("pairs", 50, "conversation pairs to run")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

func main() {
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is required to mint chat tokens")
	}
	tokens := user.NewService(nil, secret)

	log.Printf("starting load test: %d pairs, %d messages each", *pairCount, *msgCount)

	var delivered atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, tokens, &delivered)
		}(i)
	}

	wg.Wait()
	log.Printf("done in %s: %d broadcasts delivered", time.Since(start), delivered.Load())
}

func runPair(pairID int, tokens *user.Service, delivered *atomic.Int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	clientID := fmt.Sprintf("load-client-%d", pairID)
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	tokenA, err := tokens.IssueToken(userA, userA)
	if err != nil {
		log.Printf("token mint failed [%s]: %v", userA, err)
		return
	}
	tokenB, _ := tokens.IssueToken(userB, userB)

	apiA := chatclient.NewAPI(*baseURL, tokenA)
	apiB := chatclient.NewAPI(*baseURL, tokenB)

	sum, err := apiA.StartConversation(ctx, clientID, "load test "+clientID)
	if err != nil {
		log.Printf("provision failed [%s]: %v", clientID, err)
		return
	}

	var pairWg sync.WaitGroup
	pairWg.Add(2)
	go spam(ctx, &pairWg, apiA, sum.RoomID, userA, delivered)
	go spam(ctx, &pairWg, apiB, sum.RoomID, userB, delivered)
	pairWg.Wait()
}

func spam(ctx context.Context, wg *sync.WaitGroup, api *chatclient.API, roomID, username string, delivered *atomic.Int64) {
	defer wg.Done()

	m := chatclient.NewManager(api, *wsURL, roomID, username, username, zerolog.Nop())

	var mu sync.Mutex
	prevRemote := 0
	m.Register(chatclient.Handlers{
		OnMessages: func(entries []chatclient.Entry) {
			remote := 0
			for _, e := range entries {
				if e.State == chatclient.EntryRemote {
					remote++
				}
			}
			mu.Lock()
			if remote > prevRemote {
				delivered.Add(int64(remote - prevRemote))
				prevRemote = remote
			}
			mu.Unlock()
		},
	})
	defer m.Close()

	if err := m.Connect(ctx); err != nil {
		log.Printf("connect failed [%s]: %v", username, err)
		return
	}

	for i := 0; i < *msgCount; i++ {
		if err := m.Send(ctx, fmt.Sprintf("load msg %d from %s", i, username)); err != nil {
			log.Printf("send failed [%s]: %v", username, err)
			return
		}
		// Simulate typing pace so localhost is not an instant bottleneck.
		time.Sleep(10 * time.Millisecond)
	}
}
