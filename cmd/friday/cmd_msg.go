package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/p3394/exemplar-agent/internal/consts"
	"github.com/p3394/exemplar-agent/internal/umf"
)

var msgHwd = &MsgRunner{}

type MsgRunner struct{}

func (r *MsgRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "msg",
		Usage: "Send a one-off UMF request through the local terminal socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Path to the terminal channel's unix domain socket",
			},
			&cli.StringFlag{
				Name:  "agent",
				Usage: "Destination agent id",
			},
			&cli.StringFlag{
				Name:    "content",
				Aliases: []string{"m"},
				Usage:   "Message body",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for a reply",
				Value: 30 * time.Second,
			},
		},
		Action: r.run,
	}
}

func (r *MsgRunner) run(ctx context.Context, cmd *cli.Command) error {
	content := strings.TrimSpace(cmd.String("content"))
	if content == "" {
		return errors.New("--content cannot be empty")
	}

	socketPath := strings.TrimSpace(cmd.String("socket"))
	if socketPath == "" {
		socketPath = filepath.Join(consts.StorageRoot(), "terminal.sock")
	}

	req := &umf.Message{
		ID:        uuid.NewString(),
		Type:      umf.TypeRequest,
		Timestamp: time.Now(),
		Content:   []umf.ContentBlock{{Type: umf.ContentText, Text: content}},
	}
	if agentID := strings.TrimSpace(cmd.String("agent")); agentID != "" {
		req.Destination = &umf.Address{AgentID: agentID}
	}

	payload, err := umf.Encode(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	dialer := net.Dialer{Timeout: cmd.Duration("timeout")}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to terminal socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(cmd.Duration("timeout"))); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return fmt.Errorf("read reply: %w", err)
	}

	reply, err := umf.Decode(line)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	if text, ok := reply.FirstText(); ok {
		fmt.Println(text)
	}
	if reply.Type == umf.TypeError {
		return fmt.Errorf("gateway returned an error reply (code=%s)", reply.Metadata["error_code"])
	}
	return nil
}
