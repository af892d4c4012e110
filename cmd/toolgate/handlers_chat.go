package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/haasonsaas/toolgate/internal/channel"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/stream"
)

// chatFrame decodes both correlated prompts and stream events.
type chatFrame struct {
	RequestID string `json:"request_id"`
	Prompt    string `json:"event"`
	stream.Event
}

type chatReply struct {
	RequestID string                 `json:"request_id"`
	Payload   channel.MessagePayload `json:"payload"`
}

// runChat answers the gateway's message prompts with lines from in and
// renders streamed parts to out. EOF on in sends quit.
func runChat(ctx context.Context, url string, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close()

	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopWatch()

	interactive := isTerminal(in)
	lines := bufio.NewScanner(in)
	renderer := newChatRenderer(out)
	quitting := false

	for {
		var frame chatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if quitting || ctx.Err() != nil || isClosed(err) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if frame.RequestID != "" && frame.Prompt == gateway.EventWaitingMessage {
			if interactive {
				fmt.Fprint(out, "> ")
			}
			message := gateway.QuitMessage
			if lines.Scan() {
				message = lines.Text()
			}
			if strings.EqualFold(strings.TrimSpace(message), gateway.QuitMessage) {
				quitting = true
			}
			reply := chatReply{RequestID: frame.RequestID, Payload: channel.MessagePayload{Message: message}}
			if err := conn.WriteJSON(reply); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			continue
		}
		renderer.render(frame.Event)
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func isClosed(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// chatRenderer prints stream events as plain text.
type chatRenderer struct {
	out   io.Writer
	parts map[int]*stream.PartStart
}

func newChatRenderer(out io.Writer) *chatRenderer {
	return &chatRenderer{out: out, parts: make(map[int]*stream.PartStart)}
}

func (r *chatRenderer) render(ev stream.Event) {
	switch ev.Type {
	case stream.EventStart:
		r.parts = make(map[int]*stream.PartStart)
	case stream.EventPartStart:
		if ev.PartIndex == nil || ev.Part == nil {
			return
		}
		r.parts[*ev.PartIndex] = ev.Part
		switch {
		case ev.Part.Reasoning != nil:
			fmt.Fprint(r.out, "\n[thinking] ")
		case ev.Part.Tool != nil:
			fmt.Fprintf(r.out, "\n[tool %s] ", ev.Part.Tool.Name)
		default:
			if *ev.PartIndex > 0 {
				fmt.Fprintln(r.out)
			}
		}
	case stream.EventChunk:
		switch {
		case ev.Output != nil:
			fmt.Fprintf(r.out, "\n[result %s] %s\n", r.toolName(ev.PartIndex), *ev.Output)
		case ev.InputDelta != "":
			fmt.Fprint(r.out, ev.InputDelta)
		default:
			fmt.Fprint(r.out, ev.Text)
		}
	case stream.EventLog:
		fmt.Fprintf(r.out, "\n[%s] %s\n", ev.Status, ev.Text)
	case stream.EventEnd:
		if ev.Status != stream.StatusComplete {
			fmt.Fprintf(r.out, "\n[%s]", ev.Status)
		}
		fmt.Fprintln(r.out)
	}
}

func (r *chatRenderer) toolName(index *int) string {
	if index == nil {
		return ""
	}
	if p, ok := r.parts[*index]; ok && p.Tool != nil {
		return p.Tool.Name
	}
	return ""
}
