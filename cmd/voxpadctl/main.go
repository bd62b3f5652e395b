// voxpadctl is a thin control client for a running voxpadd: it sends
// session commands over the bus and can watch state changes and results.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxpadlabs/voxpad-core/internal/protocol"
)

var version = "0.1.0-dev"

const commandTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "version" {
		fmt.Println(version)
		return
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: voxpadctl <command> [flags]

commands:
  begin       start a new recording session
  pause       pause the active recording
  resume      resume a paused recording
  stop        stop recording and fix the cleanup decision
  transcribe  submit the stopped recording to the pipeline
  cancel      abort the in-flight pipeline
  reset       free the session slot
  status      show the active or a named session
  resubmit    retry a finished session's audio in a new session
  devices     list input devices
  watch       stream state changes and results
  version     print version`)
}

func run(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	server := fs.String("server", defaultServer(), "NATS server URL")

	var (
		device      = fs.String("device", "", "input device id (begin)")
		sessionID   = fs.String("session", "", "session id (status, resubmit)")
		noCleanup   = fs.Bool("no-cleanup", false, "skip the cleanup stage (stop)")
		instruction = fs.String("instruction", "", "cleanup instruction name (stop)")
	)
	fs.Parse(args)

	conn, err := nats.Connect(*server, nats.Name("voxpadctl"), nats.Timeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", *server, err)
	}
	defer conn.Close()

	switch cmd {
	case "begin", "pause", "resume", "stop", "transcribe", "cancel", "reset", "status", "resubmit":
		command := protocol.Command{
			Action:      cmd,
			SessionID:   *sessionID,
			Device:      *device,
			Instruction: *instruction,
		}
		if cmd == "stop" {
			apply := !*noCleanup
			command.ApplyCleanup = &apply
		}
		return request(conn, command)
	case "devices":
		return listDevices(conn)
	case "watch":
		return watch(conn)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func defaultServer() string {
	if s := os.Getenv("VOXPAD_SERVER"); s != "" {
		return s
	}
	return "nats://127.0.0.1:4222"
}

func request(conn *nats.Conn, cmd protocol.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	msg, err := conn.Request(protocol.SubjectSessionCommand, data, commandTimeout)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Action, err)
	}

	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	printJSON(reply)
	if !reply.OK {
		if reply.Error != nil {
			return fmt.Errorf("%s failed: %s", cmd.Action, reply.Error.Message)
		}
		return fmt.Errorf("%s failed", cmd.Action)
	}
	return nil
}

func listDevices(conn *nats.Conn) error {
	msg, err := conn.Request(protocol.SubjectDeviceList, nil, 10*time.Second)
	if err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	var list protocol.DeviceList
	if err := json.Unmarshal(msg.Data, &list); err != nil {
		return fmt.Errorf("decode device list: %w", err)
	}
	printJSON(list)
	return nil
}

func watch(conn *nats.Conn) error {
	stateSub, err := conn.Subscribe(protocol.SubjectSessionState, func(msg *nats.Msg) {
		var change protocol.StateChange
		if json.Unmarshal(msg.Data, &change) != nil {
			return
		}
		fmt.Printf("%s  %s  %s\n", change.Timestamp.Format(time.RFC3339), change.SessionID, change.State)
	})
	if err != nil {
		return err
	}
	defer stateSub.Drain()

	resultSub, err := conn.Subscribe(protocol.SubjectSessionResult, func(msg *nats.Msg) {
		var res protocol.SessionResult
		if json.Unmarshal(msg.Data, &res) != nil {
			return
		}
		printJSON(res)
	})
	if err != nil {
		return err
	}
	defer resultSub.Drain()

	fmt.Fprintln(os.Stderr, "watching session events, ctrl-c to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}
