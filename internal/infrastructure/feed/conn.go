package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readDeadline = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 5 * time.Second
)

// Control is a queued subscribe/unsubscribe request. Websocket writes are
// not safe from multiple goroutines, so subscription edits made while
// connected are funneled through the read loop via a control channel and
// written from there.
type Control struct {
	Op      string // "subscribe" | "unsubscribe"
	Tickers []string
}

// ReadLoop pumps conn until ctx is cancelled or the connection errors.
// onMsg runs on the loop goroutine for every received frame; onCtrl writes
// the provider-specific control message for a queued request.
func ReadLoop(ctx context.Context, conn *websocket.Conn, ctrl <-chan Control, onMsg func([]byte), onCtrl func(*websocket.Conn, Control) error) error {
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	msgCh := make(chan []byte, 256)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
			select {
			case msgCh <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case b := <-msgCh:
			onMsg(b)
		case c := <-ctrl:
			if onCtrl != nil {
				if err := onCtrl(conn, c); err != nil {
					return err
				}
			}
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
		}
	}
}
