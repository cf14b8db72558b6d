package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"collabsync/internal/config"
	"collabsync/internal/session"
	"collabsync/internal/transport"
)

const usage = `Type a line to append it to the document.
  /del N   delete the last N characters
  /who     list people in the room
  /status TEXT  set what others see next to your name
  /quit    leave`

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// the terminal belongs to the document; session logs go to stderr
	log.SetOutput(os.Stderr)

	dialer := &transport.WebSocketDialer{BaseURL: cfg.RelayURL}
	s, err := session.Open(dialer, session.Config{
		RoomID:               cfg.Room,
		Name:                 cfg.Name,
		FlushInterval:        cfg.FlushInterval,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		InitialBackoff:       cfg.InitialBackoff,
		MaxBackoff:           cfg.MaxBackoff,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		log.Fatalf("❌ Failed to open session: %v", err)
	}

	fmt.Printf("Joined %s as %s (%s)\n%s\n", cfg.Room, s.ClientID(), s.Color(), usage)

	var mu sync.Mutex
	var lastContent string
	var lastState session.State
	s.Subscribe(func(u session.Update) {
		mu.Lock()
		defer mu.Unlock()
		if u.State != lastState {
			fmt.Printf("[%s]\n", u.State)
			lastState = u.State
		}
		if u.Err != nil && u.State == session.Closed {
			fmt.Printf("connection lost: %v\n", u.Err)
		}
		if u.Content != lastContent {
			fmt.Printf("----\n%s\n----\n", u.Content)
			lastContent = u.Content
		}
	})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case <-quit:
			break loop
		case <-s.Done():
			break loop
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				break loop
			}
			if err := handleLine(s, line); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		log.Printf("⚠️  Close: %v", err)
	}
	if err := s.Err(); err != nil && !errors.Is(err, session.ErrClosed) {
		os.Exit(1)
	}
}

func handleLine(s *session.Session, line string) error {
	switch {
	case line == "/who":
		for _, e := range s.Awareness() {
			me := ""
			if e.ClientID == s.ClientID() {
				me = " (you)"
			}
			status := ""
			if st := e.State.Fields["status"]; st != "" {
				status = " - " + st
			}
			fmt.Printf("  %s %s%s%s\n", e.State.Color, e.State.Name, me, status)
		}
		return nil

	case strings.HasPrefix(line, "/status"):
		s.SetPresenceField("status", strings.TrimSpace(strings.TrimPrefix(line, "/status")))
		return nil

	case strings.HasPrefix(line, "/del"):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/del")))
		if err != nil || n < 1 {
			return fmt.Errorf("usage: /del N")
		}
		for i := 0; i < n && s.Len() > 0; i++ {
			if _, err := s.Delete(s.Len() - 1); err != nil {
				return err
			}
		}
		return nil

	default:
		_, err := s.InsertText(s.Len(), line+"\n")
		return err
	}
}
